//go:build linux

package netpoll

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// Options 为事件循环参数。
type Options struct {
	// Host 为监听地址，留空表示 0.0.0.0。
	Host string
	// Port 为监听端口，0 表示由内核分配。
	Port int
	// Backlog 为 listen 队列长度。
	Backlog int
	// MaxEvents 为单次 epoll_wait 最多返回的事件数。
	MaxEvents int
	// ReadBufferSize 为单次 read 的块大小。
	ReadBufferSize int
	// PollTimeout 为 epoll_wait 超时，也是检查退出信号的周期。
	PollTimeout time.Duration
	// WriteTimeout 为单次 Send 在发送缓冲区满时的最长等待时间。
	WriteTimeout time.Duration
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		Port:           12345,
		Backlog:        128,
		MaxEvents:      64,
		ReadBufferSize: 4096,
		PollTimeout:    time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// maxReadChunks 限制单个读任务最多读取多少个块，避免单条连接长期占用 worker。
const maxReadChunks = 16

// EventLoop 持有监听 socket 与 epoll 实例，负责接受连接、检测可读与断开，
// 并把读任务交给 Submitter 执行。
//
// 同一连接使用 EPOLLONESHOT 注册，读任务处理完成后才重新开启监听，
// 因此同一连接任意时刻至多只有一个读任务。
type EventLoop struct {
	log.Binder

	opts    Options
	handler Handler
	pool    Submitter

	lnfd int
	epfd int
	addr *net.TCPAddr

	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[int]*Conn

	running atomic.Bool
	stopped atomic.Bool
}

// Listen 创建监听 socket 与 epoll 实例。任一步骤失败都会返回 merr.ErrSetup。
func Listen(opts Options, handler Handler, pool Submitter) (*EventLoop, error) {
	if handler == nil {
		return nil, merr.WrapErrParameterMissing("handler")
	}
	if pool == nil {
		return nil, merr.WrapErrParameterMissing("pool")
	}
	defaults := DefaultOptions()
	if opts.Backlog <= 0 {
		opts.Backlog = defaults.Backlog
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaults.MaxEvents
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaults.PollTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	lnfd, addr, err := listenTCP(opts.Host, opts.Port, opts.Backlog)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(lnfd)
		return nil, merr.WrapErrSetup("epoll_create", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lnfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lnfd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(lnfd)
		return nil, merr.WrapErrSetup("epoll_ctl", err)
	}

	return &EventLoop{
		opts:    opts,
		handler: handler,
		pool:    pool,
		lnfd:    lnfd,
		epfd:    epfd,
		addr:    addr,
		conns:   make(map[int]*Conn),
	}, nil
}

// Addr 返回实际监听地址。
func (l *EventLoop) Addr() *net.TCPAddr {
	return l.addr
}

// ConnCount 返回当前打开的连接数。
func (l *EventLoop) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Run 运行事件循环，直到 ctx 被取消。
// 退出前关闭所有连接（触发 OnClose），并释放监听 socket 与 epoll 实例。
// ctx 取消导致的退出返回 nil。
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return merr.WrapErrOperationNotSupported("run event loop twice")
	}
	defer l.shutdown()

	logger := l.Logger().With(zap.String("addr", l.addr.String()))
	logger.Info("event loop started",
		zap.Int("maxEvents", l.opts.MaxEvents),
		zap.Duration("pollTimeout", l.opts.PollTimeout))

	events := make([]unix.EpollEvent, l.opts.MaxEvents)
	timeout := int(l.opts.PollTimeout / time.Millisecond)

	for {
		if ctx.Err() != nil {
			logger.Info("event loop stopping", zap.Int("conns", l.ConnCount()))
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Error("epoll wait failed", zap.String("stage", string(StagePoll)), zap.Error(err))
			return errors.Wrap(err, "epoll_wait")
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.lnfd {
				l.acceptAll()
				continue
			}

			c := l.lookup(fd, uint32(ev.Pad))
			if c == nil {
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
				l.closeConn(c, ErrPeerHangup)
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 {
				if err := l.pool.Submit(l.readTask(c)); err != nil {
					logger.Warn("failed to submit read task",
						log.FieldConnID(c.id), zap.Error(err))
					l.closeConn(c, err)
				}
			}
		}
	}
}

func (l *EventLoop) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(l.lnfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				l.Logger().RatedWarn(1, "accept failed", zap.String("stage", string(StageAccept)), zap.Error(err))
			}
			return
		}

		id := l.nextID.Inc()
		c := newConn(id, nfd, sockaddrString(sa), l)
		l.mu.Lock()
		l.conns[nfd] = c
		l.mu.Unlock()

		if err := l.handler.OnOpen(c); err != nil {
			l.Logger().Warn("connection rejected", log.FieldConnID(id), zap.Error(err))
			l.closeConn(c, err)
			continue
		}

		ev := connEvent(c)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, nfd, &ev); err != nil {
			l.Logger().Warn("failed to register connection",
				log.FieldConnID(id), zap.String("stage", string(StagePoll)), zap.Error(err))
			l.closeConn(c, err)
			continue
		}
		l.Logger().Debug("connection accepted", log.FieldConnID(id), log.FieldRemote(c.remote))
	}
}

// lookup 返回 fd 当前对应的连接；事件属于已关闭的旧连接时返回 nil。
func (l *EventLoop) lookup(fd int, tag uint32) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conns[fd]
	if !ok || uint32(c.id) != tag {
		return nil
	}
	return c
}

func (l *EventLoop) readTask(c *Conn) func() {
	return func() {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		// OnData panic 时不会再 rearm，必须在交给任务池之前关闭连接。
		defer func() {
			if v := recover(); v != nil {
				l.closeConn(c, errors.Wrapf(ErrHandlerPanic, "%v", v))
				panic(v)
			}
		}()

		eof, err := c.readAvailable(buf, l.opts.ReadBufferSize, l.opts.ReadBufferSize*maxReadChunks)
		if buf.Len() > 0 && !c.Closed() {
			l.handler.OnData(c, buf.B)
		}
		switch {
		case eof:
			l.closeConn(c, ErrPeerEOF)
			return
		case err != nil:
			if !errors.Is(err, merr.ErrConnClosed) {
				l.Logger().Debug("read failed", log.FieldConnID(c.id),
					zap.String("stage", string(StageRecv)), zap.Error(err))
			}
			l.closeConn(c, err)
			return
		}

		if err := c.rearm(); err != nil {
			l.Logger().Warn("failed to rearm connection", log.FieldConnID(c.id),
				zap.String("stage", string(StagePoll)), zap.Error(err))
			l.closeConn(c, err)
		}
	}
}

// closeConn 关闭连接并回调 OnClose，对同一连接只生效一次。
func (l *EventLoop) closeConn(c *Conn, cause error) {
	if !c.shutdown(l.epfd) {
		return
	}

	l.mu.Lock()
	if cur, ok := l.conns[c.fd]; ok && cur == c {
		delete(l.conns, c.fd)
	}
	l.mu.Unlock()

	l.Logger().Debug("connection closed", log.FieldConnID(c.id),
		zap.String("stage", string(StageClose)), zap.NamedError("cause", cause))
	l.handler.OnClose(c, cause)
}

func (l *EventLoop) shutdown() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	remaining := lo.Values(l.conns)
	l.mu.Unlock()

	for _, c := range remaining {
		l.closeConn(c, ErrLoopClosed)
	}
	_ = unix.Close(l.lnfd)
	_ = unix.Close(l.epfd)
	l.Logger().Info("event loop stopped", zap.Int("closedConns", len(remaining)))
}

func (l *EventLoop) sendBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = l.opts.WriteTimeout
	return b
}

func listenTCP(host string, port, backlog int) (int, *net.TCPAddr, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return -1, nil, merr.WrapErrParameterInvalidMsg("listen host %q is not an IPv4 address", host)
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, merr.WrapErrSetup("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, merr.WrapErrSetup("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, merr.WrapErrSetup("bind", errors.Wrapf(err, "port %d", port))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, merr.WrapErrSetup("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, merr.WrapErrSetup("getsockname", err)
	}
	addr := &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: port}
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		addr = &net.TCPAddr{IP: net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3]), Port: in4.Port}
	}
	return fd, addr, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return "unknown"
	}
}
