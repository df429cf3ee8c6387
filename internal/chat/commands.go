package chat

import (
	"context"
	"strings"

	"github.com/lk2023060901/garden-chat/internal/registry"
)

// access 描述命令对会话认证状态的要求。
type access int

const (
	// accessAnyone 表示任何会话都可执行。
	accessAnyone access = iota
	// accessGuest 表示仅未登录会话可执行。
	accessGuest
	// accessMember 表示仅已登录会话可执行。
	accessMember
)

// request 为一条已拆分的命令行。
type request struct {
	id      registry.ConnID
	command string
	// args 为命令名之后的剩余文本，已去除前导空白。
	args string
}

// field 返回 args 中第 n 个以空白分隔的字段，不存在时返回空串。
func (r request) field(n int) string {
	fields := strings.Fields(r.args)
	if n < len(fields) {
		return fields[n]
	}
	return ""
}

// targetAndText 将 args 拆为首个字段与其后的正文。
func (r request) targetAndText() (string, string) {
	args := strings.TrimSpace(r.args)
	idx := strings.IndexAny(args, " \t")
	if idx < 0 {
		return args, ""
	}
	return args[:idx], strings.TrimSpace(args[idx+1:])
}

// commandFunc 为命令处理函数。
type commandFunc func(ctx context.Context, req request)

// route 描述一条命令：访问要求、用法说明与处理函数。
type route struct {
	access  access
	usage   string
	handler commandFunc
}

func (e *Engine) registerRoutes() {
	e.routes = map[string]route{
		"/quit":    {access: accessAnyone, handler: e.handleQuit},
		"/help":    {access: accessAnyone, handler: e.handleHelp},
		"/reg":     {access: accessGuest, usage: "/reg <user> <pass>", handler: e.handleRegister},
		"/login":   {access: accessGuest, usage: "/login <user> <pass>", handler: e.handleLogin},
		"/history": {access: accessMember, handler: e.handleHistory},
		"/to":      {access: accessMember, usage: "/to <user> <msg>", handler: e.handlePrivate},
		"/create":  {access: accessMember, usage: "/create <group>", handler: e.handleCreateGroup},
		"/join":    {access: accessMember, usage: "/join <group>", handler: e.handleJoinGroup},
		"/group":   {access: accessMember, usage: "/group <group> <msg>", handler: e.handleGroup},
		"/logout":  {access: accessMember, handler: e.handleLogout},
		"/users":   {access: accessMember, handler: e.handleUsers},
	}
}

// splitCommand 拆分命令名与参数；不以 "/" 开头的行返回空命令名。
func splitCommand(line string) (string, string) {
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimLeft(line[idx+1:], " \t")
}
