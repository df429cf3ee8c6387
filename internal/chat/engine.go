package chat

import (
	"bytes"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/metrics"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// Options 为协议引擎参数。
type Options struct {
	// MaxLineBytes 为未换行的输入最多缓存的字节数，超出后丢弃并提示。
	MaxLineBytes int
	// HistoryWindow 为 /history 读取的最近消息条数。
	HistoryWindow int
	// LoginHistoryWindow 为登录成功后回放的最近消息条数。
	LoginHistoryWindow int

	UsernameMin int
	UsernameMax int
	PasswordMin int
	PasswordMax int

	// StoreTimeout 为单次存储调用的超时，0 表示不限制。
	StoreTimeout time.Duration
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		MaxLineBytes:       4096,
		HistoryWindow:      50,
		LoginHistoryWindow: 10,
		UsernameMin:        2,
		UsernameMax:        20,
		PasswordMin:        6,
		PasswordMax:        20,
		StoreTimeout:       5 * time.Second,
	}
}

// Engine 将连接上的字节流切分为命令行，解释执行并负责消息分发与持久化。
//
// 特性：
//   - 与网络层解耦，只依赖 registry.Peer 投递数据；
//   - Feed 对同一连接不会被并发调用，不同连接之间可以并发；
//   - 向某个对端投递失败时关闭该对端连接，不影响发送方。
type Engine struct {
	log.Binder

	opts   Options
	reg    registry.Registry
	store  Store
	hasher PasswordHasher
	routes map[string]route
}

// NewEngine 创建协议引擎。
func NewEngine(reg registry.Registry, store Store, hasher PasswordHasher, opts Options) (*Engine, error) {
	if reg == nil {
		return nil, merr.WrapErrParameterMissing("registry")
	}
	if store == nil {
		return nil, merr.WrapErrParameterMissing("store")
	}
	if hasher == nil {
		return nil, merr.WrapErrParameterMissing("hasher")
	}
	if opts.MaxLineBytes <= 0 {
		return nil, merr.WrapErrParameterInvalidMsg("max line bytes must be positive, got %d", opts.MaxLineBytes)
	}
	if opts.UsernameMin <= 0 || opts.UsernameMin > opts.UsernameMax {
		return nil, merr.WrapErrParameterInvalidRange(1, opts.UsernameMax, opts.UsernameMin, "username length")
	}
	if opts.PasswordMin <= 0 || opts.PasswordMin > opts.PasswordMax {
		return nil, merr.WrapErrParameterInvalidRange(1, opts.PasswordMax, opts.PasswordMin, "password length")
	}

	e := &Engine{
		opts:   opts,
		reg:    reg,
		store:  store,
		hasher: hasher,
	}
	e.registerRoutes()
	return e, nil
}

// Open 为新连接创建会话并发送欢迎信息。
func (e *Engine) Open(ctx context.Context, id registry.ConnID, peer registry.Peer) error {
	if err := e.reg.AddConnection(id, peer); err != nil {
		return err
	}
	metrics.ConnectedClients.Set(float64(e.reg.Count()))
	log.Ctx(ctx).Info("client connected", log.FieldRemote(peer.RemoteAddr()))

	if err := peer.Send(frame(welcomeText)); err != nil {
		e.reg.RemoveConnection(id)
		metrics.ConnectedClients.Set(float64(e.reg.Count()))
		return err
	}
	return nil
}

// Feed 将连接收到的数据追加到会话输入缓冲区，并依次处理其中完整的行。
// 剩余的不完整行保留在缓冲区中等待后续数据。
// 超过 MaxLineBytes 的行整行丢弃：未结束的超长行在下一个 '\n' 之前的数据都会被忽略。
func (e *Engine) Feed(ctx context.Context, id registry.ConnID, data []byte) {
	in, ok := e.reg.Input(id)
	if !ok {
		return
	}
	if in.Discarding {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		data = data[idx+1:]
		in.Discarding = false
	}

	buf := in.Buf
	_, _ = buf.Write(data)

	start := 0
	for {
		idx := bytes.IndexByte(buf.B[start:], '\n')
		if idx < 0 {
			break
		}
		line := string(buf.B[start : start+idx])
		start += idx + 1

		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			continue
		case len(line) > e.opts.MaxLineBytes:
			e.rejectLongLine(ctx, id, len(line))
		default:
			e.handleLine(ctx, id, line)
		}

		// 会话已被移除（例如 /quit），剩余数据不再处理。
		if _, alive := e.reg.Get(id); !alive {
			buf.Reset()
			return
		}
	}

	if start > 0 {
		n := copy(buf.B, buf.B[start:])
		buf.B = buf.B[:n]
	}
	if buf.Len() > e.opts.MaxLineBytes {
		size := buf.Len()
		buf.Reset()
		in.Discarding = true
		e.rejectLongLine(ctx, id, size)
	}
}

func (e *Engine) rejectLongLine(ctx context.Context, id registry.ConnID, size int) {
	log.Ctx(ctx).RatedWarn(1, "discard over-long input line", zap.Int("bytes", size))
	e.reply(ctx, id, errorLine("Line too long (max %d bytes), discarded.", e.opts.MaxLineBytes))
}

// Close 在连接关闭后清理其会话，对同一连接重复调用无副作用。
func (e *Engine) Close(ctx context.Context, id registry.ConnID) {
	sess, ok := e.reg.RemoveConnection(id)
	if !ok {
		return
	}
	metrics.ConnectedClients.Set(float64(e.reg.Count()))
	metrics.OnlineUsers.Set(float64(e.reg.OnlineCount()))

	fields := []zap.Field{
		log.FieldRemote(sess.RemoteAddr),
		zap.Duration("duration", time.Since(sess.ConnectedAt)),
	}
	if sess.Authenticated() {
		fields = append(fields, log.FieldNickname(sess.Nickname))
	}
	log.Ctx(ctx).Info("client disconnected", fields...)
}

func (e *Engine) handleLine(ctx context.Context, id registry.ConnID, line string) {
	authenticated := e.reg.IsAuthenticated(id)

	command, args := splitCommand(line)
	r, known := e.routes[command]
	if !known {
		if !authenticated {
			e.reply(ctx, id, loginPrompt)
			return
		}
		metrics.CommandsTotal.WithLabelValues("broadcast").Inc()
		e.broadcast(ctx, id, line)
		return
	}

	switch {
	case r.access == accessGuest && authenticated:
		e.reply(ctx, id, errorLine("Already logged in as %s.", e.reg.NicknameOf(id)))
		return
	case r.access == accessMember && !authenticated:
		e.reply(ctx, id, loginPrompt)
		return
	}

	metrics.CommandsTotal.WithLabelValues(strings.TrimPrefix(command, "/")).Inc()
	r.handler(ctx, request{id: id, command: command, args: args})
}

// reply 向连接自身发送一条回复。
func (e *Engine) reply(ctx context.Context, id registry.ConnID, text string) {
	peer, ok := e.reg.Peer(id)
	if !ok {
		return
	}
	e.deliver(ctx, id, peer, text)
}

// deliver 向 peer 发送文本，失败时关闭该 peer。返回是否发送成功。
func (e *Engine) deliver(ctx context.Context, id registry.ConnID, peer registry.Peer, text string) bool {
	if err := peer.Send(frame(text)); err != nil {
		log.Ctx(ctx).RatedWarn(1, "deliver failed, closing peer",
			zap.Stringer("peer", id), zap.Error(err))
		_ = peer.Close()
		return false
	}
	return true
}

// deliverTo 按连接标识投递，连接不存在时返回 false。
func (e *Engine) deliverTo(ctx context.Context, id registry.ConnID, text string) bool {
	peer, ok := e.reg.Peer(id)
	if !ok {
		return false
	}
	return e.deliver(ctx, id, peer, text)
}

// storeCtx 返回单次存储调用使用的上下文。
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.StoreTimeout)
}

// persist 写入一条消息，失败只记录日志。
func (e *Engine) persist(ctx context.Context, sender, receiver, content string, typ MessageType) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.InsertMessage(sctx, sender, receiver, content, typ); err != nil {
		msg := Message{Sender: sender, Receiver: receiver, Content: content, Type: typ}
		log.Ctx(ctx).Warn("failed to persist message", log.FieldMessage(msg), zap.Error(err))
	}
}

// recentVisible 读取最近 limit 条消息并按查看者过滤，读取失败时返回空。
func (e *Engine) recentVisible(ctx context.Context, id registry.ConnID, nickname string, limit int) []Message {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	recent, err := e.store.RecentMessages(sctx, limit)
	if err != nil {
		log.Ctx(ctx).Warn("failed to load history", zap.Int("limit", limit), zap.Error(err))
		return nil
	}
	return FilterHistory(recent, Viewer{
		Nickname: nickname,
		IsMember: func(group string) bool { return e.reg.IsMember(group, id) },
	})
}
