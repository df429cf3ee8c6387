//go:build !linux

package application

import (
	"context"
	"runtime"

	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

func (a *Application) serve(context.Context) error {
	return merr.WrapErrOperationNotSupported("epoll event loop on " + runtime.GOOS)
}
