//go:build linux

package chat

import (
	"context"

	"github.com/lk2023060901/garden-chat/internal/netpoll"
	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/pkg/log"
)

// connHandler 将事件循环的连接事件转交给 Engine。
type connHandler struct {
	ctx    context.Context
	engine *Engine
}

// 确保 connHandler 实现了 netpoll.Handler 接口。
var _ netpoll.Handler = (*connHandler)(nil)

// NewHandler 返回驱动 engine 的 netpoll.Handler。
// ctx 作为每条连接日志与存储调用的基础上下文，不应在关闭事件循环之前取消；
// 连接日志使用 engine 绑定的 Logger。
func NewHandler(ctx context.Context, engine *Engine) netpoll.Handler {
	return &connHandler{
		ctx:    log.WithLogger(ctx, engine.Logger()),
		engine: engine,
	}
}

func (h *connHandler) connCtx(c *netpoll.Conn) context.Context {
	return log.WithConnID(h.ctx, c.ID())
}

// OnOpen 实现 netpoll.Handler.OnOpen。
func (h *connHandler) OnOpen(c *netpoll.Conn) error {
	return h.engine.Open(h.connCtx(c), registry.ConnID(c.ID()), c)
}

// OnData 实现 netpoll.Handler.OnData。
func (h *connHandler) OnData(c *netpoll.Conn, data []byte) {
	h.engine.Feed(h.connCtx(c), registry.ConnID(c.ID()), data)
}

// OnClose 实现 netpoll.Handler.OnClose。
func (h *connHandler) OnClose(c *netpoll.Conn, cause error) {
	h.engine.Close(h.connCtx(c), registry.ConnID(c.ID()))
}
