//go:build linux

package netpoll

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// Conn 是事件循环管理的一条非阻塞 TCP 连接。
//
// 特性：
//   - Send 可被任意 goroutine 并发调用，单次 Send 的数据整体写出，不与其它 Send 交错；
//   - Close 幂等，可在任意 goroutine 中调用，关闭后 Send 返回 merr.ErrConnClosed；
//   - 描述符的读写与关闭通过 fdMu 互斥，关闭后描述符编号即使被复用也不会被误用。
type Conn struct {
	id     uint64
	fd     int
	remote string
	loop   *EventLoop

	writeMu sync.Mutex
	// fdMu 读锁保护对 fd 的 read/write/epoll_ctl，写锁保护 close。
	fdMu      sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once

	openedAt time.Time
}

func newConn(id uint64, fd int, remote string, loop *EventLoop) *Conn {
	return &Conn{
		id:       id,
		fd:       fd,
		remote:   remote,
		loop:     loop,
		openedAt: time.Now(),
	}
}

// ID 返回连接标识，进程内单调递增且不复用。
func (c *Conn) ID() uint64 {
	return c.id
}

// RemoteAddr 返回对端地址。
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// OpenedAt 返回连接建立时间。
func (c *Conn) OpenedAt() time.Time {
	return c.openedAt
}

// Closed 返回连接是否已关闭。
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Send 将 msg 完整写出。
// 发送缓冲区满（EAGAIN）时按指数退避重试，总等待不超过写超时。
// fdMu 只在单次写尝试期间持有，退避等待时连接可以被关闭，之后的尝试返回 merr.ErrConnClosed。
func (c *Conn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return merr.WrapErrConnClosed(c.id)
	}

	written := 0
	op := func() error {
		c.fdMu.RLock()
		defer c.fdMu.RUnlock()

		if c.closed.Load() {
			return backoff.Permanent(merr.WrapErrConnClosed(c.id))
		}
		for written < len(msg) {
			n, err := unix.SendmsgN(c.fd, msg[written:], nil, nil, unix.MSG_NOSIGNAL)
			if n > 0 {
				written += n
			}
			switch {
			case err == nil:
			case errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				return merr.ErrWouldBlock
			default:
				return backoff.Permanent(err)
			}
		}
		return nil
	}

	if err := backoff.Retry(op, c.loop.sendBackOff()); err != nil {
		return errors.Wrapf(err, "send to conn %d (%s), written %d/%d", c.id, c.remote, written, len(msg))
	}
	return nil
}

// Close 关闭连接并触发 Handler.OnClose。
func (c *Conn) Close() error {
	c.loop.closeConn(c, nil)
	return nil
}

// readAvailable 读取当前可读的全部数据（单次最多 limit 字节）并追加到 buf。
// 返回 eof 表示对端已关闭写端。
func (c *Conn) readAvailable(buf *bytebufferpool.ByteBuffer, chunk, limit int) (eof bool, err error) {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()

	if c.closed.Load() {
		return false, merr.WrapErrConnClosed(c.id)
	}

	for buf.Len() < limit {
		n0 := len(buf.B)
		if cap(buf.B)-n0 < chunk {
			buf.B = append(buf.B, make([]byte, chunk)...)[:n0]
		}
		n, err := unix.Read(c.fd, buf.B[n0:n0+chunk])
		if n > 0 {
			buf.B = buf.B[:n0+n]
		}
		switch {
		case err == nil && n == 0:
			return true, nil
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		default:
			return false, err
		}
	}
	return false, nil
}

// rearm 重新开启 EPOLLONESHOT 监听，连接已关闭时什么也不做。
func (c *Conn) rearm() error {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()

	if c.closed.Load() {
		return nil
	}
	ev := connEvent(c)
	return unix.EpollCtl(c.loop.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
}

// shutdown 关闭描述符，返回是否由本次调用完成关闭。
func (c *Conn) shutdown(epfd int) bool {
	done := false
	c.closeOnce.Do(func() {
		c.fdMu.Lock()
		defer c.fdMu.Unlock()

		c.closed.Store(true)
		_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
		_ = unix.Close(c.fd)
		done = true
	})
	return done
}

// connEvent 构造连接的 epoll 事件，Pad 中保存连接 id 的低 32 位，用于丢弃过期事件。
func connEvent(c *Conn) unix.EpollEvent {
	return unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT,
		Fd:     int32(c.fd),
		Pad:    int32(uint32(c.id)),
	}
}
