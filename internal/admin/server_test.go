package admin

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-chat/internal/json"
	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

type nopPeer struct{}

func (nopPeer) Send([]byte) error  { return nil }
func (nopPeer) Close() error       { return nil }
func (nopPeer) RemoteAddr() string { return "10.0.0.1:5000" }

type fixedPool struct{}

func (fixedPool) Size() int     { return 4 }
func (fixedPool) QueueLen() int { return 1 }
func (fixedPool) Active() int   { return 2 }

type ServerSuite struct {
	suite.Suite

	reg    *registry.BaseRegistry
	srv    *Server
	cancel context.CancelFunc
	done   chan error
}

func (s *ServerSuite) SetupTest() {
	s.reg = registry.NewBaseRegistry()
	s.Require().NoError(s.reg.AddConnection(1, nopPeer{}))
	s.Require().NoError(s.reg.AddConnection(2, nopPeer{}))
	s.Require().NoError(s.reg.Authenticate(2, "alice"))
	s.Require().NoError(s.reg.CreateGroup("team"))
	s.Require().NoError(s.reg.JoinGroup("team", 2))

	gatherer := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total", Help: "test"})
	gatherer.MustRegister(counter)
	counter.Inc()

	srv, err := NewServer("127.0.0.1:0", s.reg, fixedPool{}, gatherer)
	s.Require().NoError(err)
	s.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.srv.Serve(ctx) }()
}

func (s *ServerSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("admin server did not stop")
	}
}

func (s *ServerSuite) get(path string) (int, string) {
	resp, err := http.Get("http://" + s.srv.Addr().String() + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(body)
}

func (s *ServerSuite) TestMetrics() {
	code, body := s.get("/metrics")
	s.Equal(http.StatusOK, code)
	s.Contains(body, "admin_test_total 1")
}

func (s *ServerSuite) TestSessions() {
	code, body := s.get("/debug/sessions")
	s.Equal(http.StatusOK, code)

	var snap Snapshot
	s.Require().NoError(json.Unmarshal([]byte(body), &snap))
	s.Equal(2, snap.Connections)
	s.Equal([]string{"alice"}, snap.Online)
	s.Require().Len(snap.Sessions, 2)
	s.Equal("unauthenticated", snap.Sessions[0].State)
	s.Equal("alice", snap.Sessions[1].Nickname)
	s.Equal([]GroupView{{Name: "team", Members: 1}}, snap.Groups)
	s.Require().NotNil(snap.Pool)
	s.Equal(PoolView{Size: 4, QueueLen: 1, Active: 2}, *snap.Pool)
	s.Positive(snap.Process.Goroutines)
}

func (s *ServerSuite) TestLogLevel() {
	code, body := s.get("/debug/loglevel")
	s.Equal(http.StatusOK, code)
	s.Contains(body, `"level"`)
}

func (s *ServerSuite) TestHealthz() {
	code, body := s.get("/healthz")
	s.Equal(http.StatusOK, code)
	s.Equal("ok", body)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestNewServerErrors(t *testing.T) {
	_, err := NewServer("127.0.0.1:0", nil, nil, nil)
	require.ErrorIs(t, err, merr.ErrParameterMissing)

	srv, err := NewServer("127.0.0.1:0", registry.NewBaseRegistry(), nil, nil)
	require.NoError(t, err)
	defer srv.ln.Close()

	_, err = NewServer(srv.Addr().String(), registry.NewBaseRegistry(), nil, nil)
	require.ErrorIs(t, err, merr.ErrSetup)
}
