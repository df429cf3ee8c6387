package chat

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/metrics"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

func (e *Engine) handleQuit(ctx context.Context, req request) {
	peer, ok := e.reg.Peer(req.id)
	if !ok {
		return
	}
	_ = peer.Send(frame(serverLine("Bye!")))
	_ = peer.Close()
}

func (e *Engine) handleHelp(ctx context.Context, req request) {
	e.reply(ctx, req.id, helpText)
}

// credentials 解析并校验 /reg 与 /login 的参数，失败时已回复调用方。
func (e *Engine) credentials(ctx context.Context, req request) (string, string, bool) {
	username, password := req.field(0), req.field(1)
	if username == "" || password == "" {
		e.reply(ctx, req.id, usageLine(e.routes[req.command].usage))
		return "", "", false
	}
	if n := len(username); n < e.opts.UsernameMin || n > e.opts.UsernameMax {
		e.reply(ctx, req.id, errorLine("Username must be %d-%d characters.", e.opts.UsernameMin, e.opts.UsernameMax))
		return "", "", false
	}
	if n := len(password); n < e.opts.PasswordMin || n > e.opts.PasswordMax {
		e.reply(ctx, req.id, errorLine("Password must be %d-%d characters.", e.opts.PasswordMin, e.opts.PasswordMax))
		return "", "", false
	}
	return username, password, true
}

func (e *Engine) handleRegister(ctx context.Context, req request) {
	username, password, ok := e.credentials(ctx, req)
	if !ok {
		return
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		log.Ctx(ctx).Error("failed to hash password", zap.Error(err))
		e.reply(ctx, req.id, errorLine("Registration failed, please try again."))
		return
	}

	sctx, cancel := e.storeCtx(ctx)
	created, err := e.store.InsertUser(sctx, username, hash)
	cancel()
	switch {
	case err != nil:
		log.Ctx(ctx).Warn("failed to insert user", log.FieldNickname(username), zap.Error(err))
		e.reply(ctx, req.id, errorLine("Registration failed, please try again."))
		return
	case !created:
		e.reply(ctx, req.id, errorLine("Username %s is already taken.", username))
		return
	}

	if !e.authenticate(ctx, req.id, username) {
		return
	}
	log.Ctx(ctx).Info("user registered", log.FieldNickname(username))
	e.reply(ctx, req.id, serverLine("Registered and logged in as %s.", username))
}

func (e *Engine) handleLogin(ctx context.Context, req request) {
	username, password, ok := e.credentials(ctx, req)
	if !ok {
		return
	}

	sctx, cancel := e.storeCtx(ctx)
	hash, err := e.store.UserPasswordHash(sctx, username)
	cancel()
	if err != nil && !errors.Is(err, merr.ErrUserNotFound) {
		log.Ctx(ctx).Warn("failed to load credentials", log.FieldNickname(username), zap.Error(err))
	}
	if err != nil || !e.hasher.Compare(hash, password) {
		e.reply(ctx, req.id, errorLine("Invalid username or password."))
		return
	}

	if !e.authenticate(ctx, req.id, username) {
		return
	}
	log.Ctx(ctx).Info("user logged in", log.FieldNickname(username))

	history := e.recentVisible(ctx, req.id, username, e.opts.LoginHistoryWindow)
	e.reply(ctx, req.id, serverLine("Welcome back, %s!", username)+"\n"+renderHistory(history))
}

// authenticate 绑定昵称并更新在线人数，失败时已回复调用方。
func (e *Engine) authenticate(ctx context.Context, id registry.ConnID, username string) bool {
	err := e.reg.Authenticate(id, username)
	switch {
	case err == nil:
		metrics.OnlineUsers.Set(float64(e.reg.OnlineCount()))
		return true
	case errors.Is(err, merr.ErrAlreadyOnline):
		e.reply(ctx, id, errorLine("User %s is already online.", username))
	case errors.Is(err, merr.ErrAlreadyAuthenticated):
		e.reply(ctx, id, errorLine("Already logged in as %s.", e.reg.NicknameOf(id)))
	default:
		log.Ctx(ctx).Warn("authenticate failed", log.FieldNickname(username), zap.Error(err))
	}
	return false
}

func (e *Engine) handleHistory(ctx context.Context, req request) {
	nickname := e.reg.NicknameOf(req.id)
	history := e.recentVisible(ctx, req.id, nickname, e.opts.HistoryWindow)
	e.reply(ctx, req.id, renderHistory(history))
}

func (e *Engine) handlePrivate(ctx context.Context, req request) {
	recipient, text := req.targetAndText()
	if recipient == "" || text == "" {
		e.reply(ctx, req.id, usageLine(e.routes[req.command].usage))
		return
	}

	sender := e.reg.NicknameOf(req.id)
	target, online := e.reg.LookupByNickname(recipient)
	if !online || !e.deliverTo(ctx, target, privateInLine(sender, text)) {
		e.reply(ctx, req.id, errorLine("User %s is not online.", recipient))
		return
	}
	e.reply(ctx, req.id, privateOutLine(recipient, text))
	metrics.MessagesTotal.WithLabelValues(string(MessagePrivate)).Inc()
	e.persist(ctx, sender, recipient, text, MessagePrivate)
}

func (e *Engine) handleCreateGroup(ctx context.Context, req request) {
	group := req.field(0)
	if group == "" {
		e.reply(ctx, req.id, usageLine(e.routes[req.command].usage))
		return
	}
	if err := e.reg.CreateGroup(group); err != nil {
		if errors.Is(err, merr.ErrGroupAlreadyExists) {
			e.reply(ctx, req.id, errorLine("Group %s already exists.", group))
			return
		}
		log.Ctx(ctx).Warn("create group failed", zap.String("group", group), zap.Error(err))
		return
	}
	if err := e.reg.JoinGroup(group, req.id); err != nil && !errors.Is(err, merr.ErrAlreadyMember) {
		log.Ctx(ctx).Warn("creator failed to join group", zap.String("group", group), zap.Error(err))
		return
	}
	log.Ctx(ctx).Info("group created", zap.String("group", group))
	e.reply(ctx, req.id, serverLine("Group %s created and joined.", group))
}

func (e *Engine) handleJoinGroup(ctx context.Context, req request) {
	group := req.field(0)
	if group == "" {
		e.reply(ctx, req.id, usageLine(e.routes[req.command].usage))
		return
	}
	err := e.reg.JoinGroup(group, req.id)
	switch {
	case err == nil:
		e.reply(ctx, req.id, serverLine("Joined group %s.", group))
	case errors.Is(err, merr.ErrNoSuchGroup):
		e.reply(ctx, req.id, errorLine("No such group: %s.", group))
	case errors.Is(err, merr.ErrAlreadyMember):
		e.reply(ctx, req.id, errorLine("Already a member of %s.", group))
	default:
		log.Ctx(ctx).Warn("join group failed", zap.String("group", group), zap.Error(err))
	}
}

func (e *Engine) handleGroup(ctx context.Context, req request) {
	group, text := req.targetAndText()
	if group == "" || text == "" {
		e.reply(ctx, req.id, usageLine(e.routes[req.command].usage))
		return
	}

	recipients, err := e.reg.GroupRecipients(group, req.id)
	switch {
	case errors.Is(err, merr.ErrNoSuchGroup):
		e.reply(ctx, req.id, errorLine("No such group: %s.", group))
		return
	case errors.Is(err, merr.ErrNotMember):
		e.reply(ctx, req.id, errorLine("You are not a member of %s.", group))
		return
	case err != nil:
		log.Ctx(ctx).Warn("failed to resolve group recipients", zap.String("group", group), zap.Error(err))
		return
	}

	sender := e.reg.NicknameOf(req.id)
	line := groupLine(group, sender, text)
	for _, member := range recipients {
		e.deliverTo(ctx, member, line)
	}
	e.reply(ctx, req.id, groupEchoLine(group, text))
	metrics.MessagesTotal.WithLabelValues(string(MessageGroup)).Inc()
	e.persist(ctx, sender, group, text, MessageGroup)
}

func (e *Engine) handleLogout(ctx context.Context, req request) {
	nickname, err := e.reg.Logout(req.id)
	if err != nil {
		log.Ctx(ctx).Warn("logout failed", zap.Error(err))
		return
	}
	metrics.OnlineUsers.Set(float64(e.reg.OnlineCount()))
	log.Ctx(ctx).Info("user logged out", log.FieldNickname(nickname))
	e.reply(ctx, req.id, serverLine("Logged out. Goodbye, %s.", nickname))
}

func (e *Engine) handleUsers(ctx context.Context, req request) {
	names := e.reg.OnlineNicknames()
	e.reply(ctx, req.id, serverLine("Online users (%d): %s", len(names), strings.Join(names, ", ")))
}

// broadcast 将文本发送给当前所有连接（包括发送者自身）并持久化。
func (e *Engine) broadcast(ctx context.Context, id registry.ConnID, text string) {
	sender := e.reg.NicknameOf(id)
	line := broadcastLine(sender, text)
	for _, target := range e.reg.SnapshotConnections() {
		e.deliverTo(ctx, target, line)
	}
	metrics.MessagesTotal.WithLabelValues(string(MessageBroadcast)).Inc()
	e.persist(ctx, sender, BroadcastReceiver, text, MessageBroadcast)
}
