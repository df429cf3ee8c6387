//go:build linux

package netpoll

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/garden-chat/pkg/util/conc"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// echoHandler 将收到的数据原样写回，并记录开闭事件。
type echoHandler struct {
	mu       sync.Mutex
	opened   map[uint64]*Conn
	closedCh chan uint64
	inFlight map[uint64]*atomic.Int32
	overlap  atomic.Bool
	reject   atomic.Bool
}

// errBoom 由 echoHandler 在收到 "boom" 时 panic 抛出。
var errBoom = errors.New("boom")

func newEchoHandler() *echoHandler {
	return &echoHandler{
		opened:   make(map[uint64]*Conn),
		closedCh: make(chan uint64, 64),
		inFlight: make(map[uint64]*atomic.Int32),
	}
}

func (h *echoHandler) OnOpen(c *Conn) error {
	if h.reject.Load() {
		return merr.ErrServiceUnavailable
	}
	h.mu.Lock()
	h.opened[c.ID()] = c
	h.inFlight[c.ID()] = atomic.NewInt32(0)
	h.mu.Unlock()
	return c.Send([]byte("hello\n"))
}

func (h *echoHandler) OnData(c *Conn, data []byte) {
	h.mu.Lock()
	counter := h.inFlight[c.ID()]
	h.mu.Unlock()
	if counter.Inc() > 1 {
		h.overlap.Store(true)
	}
	defer counter.Dec()

	switch strings.TrimSpace(string(data)) {
	case "bye":
		_ = c.Close()
		return
	case "boom":
		panic(errBoom)
	}
	_ = c.Send(data)
}

func (h *echoHandler) OnClose(c *Conn, cause error) {
	h.closedCh <- c.ID()
}

type EventLoopSuite struct {
	suite.Suite

	pool    *conc.Pool
	handler *echoHandler
	loop    *EventLoop
	cancel  context.CancelFunc
	done    chan error
}

func (s *EventLoopSuite) SetupTest() {
	pool, err := conc.NewPool(4)
	s.Require().NoError(err)
	s.pool = pool
	s.handler = newEchoHandler()

	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	opts.PollTimeout = 50 * time.Millisecond
	s.loop, err = Listen(opts, s.handler, s.pool)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.loop.Run(ctx)
	}()
}

func (s *EventLoopSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("event loop did not stop")
	}
	s.pool.Release()
}

func (s *EventLoopSuite) dial() (net.Conn, *bufio.Reader) {
	conn, err := net.Dial("tcp", s.loop.Addr().String())
	s.Require().NoError(err)
	r := bufio.NewReader(conn)
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	line, err := r.ReadString('\n')
	s.Require().NoError(err)
	s.Equal("hello\n", line)
	return conn, r
}

func (s *EventLoopSuite) waitClosed() uint64 {
	select {
	case id := <-s.handler.closedCh:
		return id
	case <-time.After(5 * time.Second):
		s.FailNow("OnClose not called")
		return 0
	}
}

func (s *EventLoopSuite) TestEcho() {
	conn, r := s.dial()
	defer conn.Close()

	for _, msg := range []string{"one\n", "two\n", "three\n"} {
		_, err := conn.Write([]byte(msg))
		s.Require().NoError(err)
		line, err := r.ReadString('\n')
		s.Require().NoError(err)
		s.Equal(msg, line)
	}
}

func (s *EventLoopSuite) TestOrderedPerConnection() {
	conn, r := s.dial()
	defer conn.Close()

	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("line\n")
	}
	payload := sb.String()
	go func() {
		for i := 0; i < len(payload); i += 7 {
			end := i + 7
			if end > len(payload) {
				end = len(payload)
			}
			_, _ = conn.Write([]byte(payload[i:end]))
		}
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 512)
	for len(got) < len(payload) {
		n, err := r.Read(buf)
		s.Require().NoError(err)
		got = append(got, buf[:n]...)
	}
	s.Equal(payload, string(got))
	s.False(s.handler.overlap.Load(), "two read tasks ran concurrently for one connection")
}

func (s *EventLoopSuite) TestDistinctIDs() {
	c1, _ := s.dial()
	c2, _ := s.dial()
	defer c1.Close()
	defer c2.Close()

	s.Eventually(func() bool { return s.loop.ConnCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	s.handler.mu.Lock()
	ids := make([]uint64, 0, len(s.handler.opened))
	for id := range s.handler.opened {
		ids = append(ids, id)
	}
	s.handler.mu.Unlock()
	s.Len(ids, 2)
	s.NotEqual(ids[0], ids[1])
}

func (s *EventLoopSuite) TestPeerHangup() {
	conn, _ := s.dial()
	s.Require().NoError(conn.Close())

	s.NotZero(s.waitClosed())
	s.Eventually(func() bool { return s.loop.ConnCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func (s *EventLoopSuite) TestServerClose() {
	conn, r := s.dial()
	defer conn.Close()

	_, err := conn.Write([]byte("bye\n"))
	s.Require().NoError(err)
	id := s.waitClosed()

	_, err = r.ReadString('\n')
	s.Error(err)

	s.handler.mu.Lock()
	c := s.handler.opened[id]
	s.handler.mu.Unlock()
	s.True(c.Closed())
	s.ErrorIs(c.Send([]byte("late\n")), merr.ErrConnClosed)
	// closing twice is harmless and OnClose is not repeated
	s.NoError(c.Close())
	select {
	case <-s.handler.closedCh:
		s.Fail("OnClose called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *EventLoopSuite) TestRejectedOnOpen() {
	s.handler.reject.Store(true)
	conn, err := net.Dial("tcp", s.loop.Addr().String())
	s.Require().NoError(err)
	defer conn.Close()

	s.waitClosed()
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, err = bufio.NewReader(conn).ReadString('\n')
	s.Error(err)
}

func (s *EventLoopSuite) TestHandlerPanicClosesConnection() {
	conn, r := s.dial()
	defer conn.Close()

	_, err := conn.Write([]byte("boom\n"))
	s.Require().NoError(err)
	s.NotZero(s.waitClosed())
	s.Eventually(func() bool { return s.loop.ConnCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err = r.ReadString('\n')
	s.Error(err)

	// workers keep serving other connections
	other, or := s.dial()
	defer other.Close()
	_, err = other.Write([]byte("still here\n"))
	s.Require().NoError(err)
	line, err := or.ReadString('\n')
	s.Require().NoError(err)
	s.Equal("still here\n", line)
}

func (s *EventLoopSuite) TestShutdownClosesConnections() {
	conn, r := s.dial()
	defer conn.Close()

	s.cancel()
	s.waitClosed()
	_, err := r.ReadString('\n')
	s.Error(err)
}

func TestEventLoop(t *testing.T) {
	suite.Run(t, new(EventLoopSuite))
}

// floodHandler 在任一连接收到 "flood" 时向第一条连接写入大量数据。
type floodHandler struct {
	mu      sync.Mutex
	first   *Conn
	size    int
	sendErr chan error
}

func (h *floodHandler) OnOpen(c *Conn) error {
	h.mu.Lock()
	if h.first == nil {
		h.first = c
	}
	h.mu.Unlock()
	return c.Send([]byte("hello\n"))
}

func (h *floodHandler) OnData(c *Conn, data []byte) {
	if strings.TrimSpace(string(data)) != "flood" {
		return
	}
	h.mu.Lock()
	target := h.first
	h.mu.Unlock()
	h.sendErr <- target.Send(make([]byte, h.size))
}

func (h *floodHandler) OnClose(*Conn, error) {}

func TestSlowPeerDoesNotStallLoop(t *testing.T) {
	pool, err := conc.NewPool(4)
	require.NoError(t, err)
	defer pool.Release()

	handler := &floodHandler{size: 32 << 20, sendErr: make(chan error, 1)}
	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	opts.PollTimeout = 50 * time.Millisecond
	opts.WriteTimeout = 4 * time.Second
	loop, err := Listen(opts, handler, pool)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", loop.Addr().String())
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "hello\n", line)
		return conn
	}

	// slow never reads after the greeting
	slow := dial()
	defer slow.Close()
	sender := dial()
	defer sender.Close()

	_, err = sender.Write([]byte("flood\n"))
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	// the half-closed peer is torn down by the loop while the send is backing off
	require.NoError(t, slow.(*net.TCPConn).CloseWrite())

	start := time.Now()
	late := dial()
	defer late.Close()
	require.Less(t, time.Since(start), time.Second)

	select {
	case err := <-handler.sendErr:
		require.ErrorIs(t, err, merr.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("send to the closed peer did not return")
	}
}

func TestListenInvalidHost(t *testing.T) {
	pool, err := conc.NewPool(1)
	require.NoError(t, err)
	defer pool.Release()

	opts := DefaultOptions()
	opts.Host = "not-an-ip"
	_, err = Listen(opts, newEchoHandler(), pool)
	require.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = Listen(DefaultOptions(), nil, pool)
	require.ErrorIs(t, err, merr.ErrParameterMissing)
}
