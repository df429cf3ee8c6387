//go:build linux

package application

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/garden-chat/internal/admin"
	"github.com/lk2023060901/garden-chat/internal/chat"
	"github.com/lk2023060901/garden-chat/internal/netpoll"
	"github.com/lk2023060901/garden-chat/internal/registry"
	"github.com/lk2023060901/garden-chat/internal/store"
	zlog "github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/metrics"
	"github.com/lk2023060901/garden-chat/pkg/util/conc"
)

// serve 装配存储、注册表、协议引擎、worker 池、事件循环与管理服务并运行。
// 退出顺序：事件循环与管理服务停止 -> worker 池排空 -> 关闭存储。
func (a *Application) serve(ctx context.Context) error {
	cfg := a.cfg
	metrics.RegisterChatMetrics(prometheus.DefaultRegisterer)

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			zlog.Warn("failed to close store", zap.Error(err))
		}
	}()

	hasher, err := store.NewBcryptHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	reg := registry.NewBaseRegistry()
	engine, err := chat.NewEngine(reg, st, hasher, chat.Options{
		MaxLineBytes:       cfg.Server.MaxLineBytes,
		HistoryWindow:      cfg.History.DefaultWindow,
		LoginHistoryWindow: cfg.History.LoginWindow,
		UsernameMin:        cfg.Auth.UsernameMin,
		UsernameMax:        cfg.Auth.UsernameMax,
		PasswordMin:        cfg.Auth.PasswordMin,
		PasswordMax:        cfg.Auth.PasswordMax,
		StoreTimeout:       chat.DefaultOptions().StoreTimeout,
	})
	if err != nil {
		return err
	}
	engine.SetLogger(a.Logger("chat").WithRateGroup("chat.deliver", 1, 60))

	var pool *conc.Pool
	pool, err = conc.NewPool(cfg.Server.WorkerPoolSize,
		conc.WithPreHandler(func() {
			metrics.PoolQueueLength.Set(float64(pool.QueueLen()))
		}),
		conc.WithPostHandler(func(d time.Duration) {
			metrics.TaskDuration.Observe(d.Seconds())
		}),
		conc.WithPanicHandler(func(v any) {
			zlog.Error("worker task panicked", zap.Any("panic", v), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return err
	}
	defer pool.Release()

	var adm *admin.Server
	if cfg.Admin.Addr != "" {
		adm, err = admin.NewServer(cfg.Admin.Addr, reg, pool, prometheus.DefaultGatherer)
		if err != nil {
			return err
		}
		adm.SetLogger(a.Logger("admin"))
	}

	loop, err := netpoll.Listen(netpoll.Options{
		Port:           cfg.Server.Port,
		Backlog:        cfg.Server.Backlog,
		MaxEvents:      cfg.Server.MaxEvents,
		ReadBufferSize: cfg.Server.ReadBufferSize,
		PollTimeout:    cfg.Server.PollTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, chat.NewHandler(context.WithoutCancel(ctx), engine), pool)
	if err != nil {
		if adm != nil {
			_ = adm.Close()
		}
		return err
	}
	loop.SetLogger(a.Logger("netpoll").WithRateGroup("netpoll.accept", 1, 60))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if adm != nil {
		g.Go(func() error {
			return adm.Serve(gctx)
		})
	}

	zlog.Info("garden-chat listening", zap.String("addr", loop.Addr().String()))
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "garden-chat stopped")
	}
	zlog.Info("garden-chat stopped")
	return nil
}
