package netpoll

import "github.com/cockroachdb/errors"

// Stage 表示事件循环中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageSetup  Stage = "setup"  // socket/bind/listen/epoll 创建
	StageAccept Stage = "accept" // 接受新连接
	StagePoll   Stage = "poll"   // epoll_wait / epoll_ctl
	StageRecv   Stage = "recv"   // 读取对端数据
	StageSend   Stage = "send"   // 向对端写数据
	StageClose  Stage = "close"  // 关闭连接
)

var (
	// ErrPeerHangup 表示对端关闭或连接出错（EPOLLHUP/EPOLLRDHUP/EPOLLERR）。
	ErrPeerHangup = errors.New("netpoll: peer hangup")

	// ErrPeerEOF 表示读到 EOF。
	ErrPeerEOF = errors.New("netpoll: peer closed connection")

	// ErrHandlerPanic 表示 Handler.OnData 发生 panic，连接被关闭。
	ErrHandlerPanic = errors.New("netpoll: handler panicked")

	// ErrLoopClosed 表示事件循环退出时统一关闭剩余连接。
	ErrLoopClosed = errors.New("netpoll: event loop closed")
)
