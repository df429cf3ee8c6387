// Package admin 提供可选的管理 HTTP 服务：Prometheus 指标、会话快照与 pprof。
package admin

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

const shutdownTimeout = 3 * time.Second

// PoolStats 为 worker 池的运行状态。
type PoolStats interface {
	Size() int
	QueueLen() int
	Active() int
}

// Server 为管理 HTTP 服务。
type Server struct {
	log.Binder

	reg  registry.Registry
	pool PoolStats
	proc *process.Process

	ln  net.Listener
	srv *http.Server
}

// NewServer 在 addr 上监听并创建管理服务，pool 可以为 nil。
func NewServer(addr string, reg registry.Registry, pool PoolStats, gatherer prometheus.Gatherer) (*Server, error) {
	if reg == nil {
		return nil, merr.WrapErrParameterMissing("registry")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, merr.WrapErrSetup("admin listen", err)
	}

	s := &Server{reg: reg, pool: pool, ln: ln}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// GET 查询、PUT {"level":"debug"} 修改全局日志级别
	mux.Handle("/debug/loglevel", log.Level())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve 提供服务直到 ctx 被取消，随后优雅关闭。
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()
	s.Logger().Info("admin server started", zap.String("addr", s.ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "admin serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.Logger().Warn("admin server shutdown failed", zap.Error(err))
		return errors.Wrap(err, "admin shutdown")
	}
	s.Logger().Info("admin server stopped")
	return nil
}

// Close 在 Serve 之前释放监听 socket。
func (s *Server) Close() error {
	return s.ln.Close()
}
