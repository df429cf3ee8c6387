package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/application"
	"github.com/lk2023060901/garden-chat/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.New(os.Args[1:]).Run(ctx); err != nil {
		stop()
		log.Fatal("chatd exited", zap.Error(err))
	}
}
