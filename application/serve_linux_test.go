//go:build linux

package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configPathEnv, "")
	t.Setenv("CHAT_SERVER_PORT", "0")
	t.Setenv("CHAT_ADMIN_ADDR", "127.0.0.1:0")
	t.Setenv("CHAT_STORE_PATH", filepath.Join(dir, "chat.db"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(nil).Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
	require.FileExists(t, filepath.Join(dir, "chat.db"))
}
