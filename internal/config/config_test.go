package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, 128, cfg.Server.Backlog)
	assert.Equal(t, 4, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 64, cfg.Server.MaxEvents)
	assert.Equal(t, time.Second, cfg.Server.PollTimeout)
	assert.Equal(t, 50, cfg.History.DefaultWindow)
	assert.Equal(t, 10, cfg.History.LoginWindow)
	assert.Equal(t, "chat.db", cfg.Store.Path)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatd.yaml")
	content := `
server:
  port: 23456
  worker_pool_size: 8
  poll_timeout: 250ms
history:
  login_window: 5
store:
  path: /tmp/other.db
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CHAT_SERVER_BACKLOG", "512")
	t.Setenv("CHAT_ADMIN_ADDR", "127.0.0.1:9100")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 23456, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.PollTimeout)
	assert.Equal(t, 512, cfg.Server.Backlog)
	assert.Equal(t, 5, cfg.History.LoginWindow)
	assert.Equal(t, 50, cfg.History.DefaultWindow)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:9100", cfg.Admin.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	cfg.Server.WorkerPoolSize = 0
	assert.ErrorIs(t, cfg.Validate(), merr.ErrParameterInvalid)

	cfg = Default()
	cfg.Auth.UsernameMin = 30
	assert.ErrorIs(t, cfg.Validate(), merr.ErrParameterInvalid)

	cfg = Default()
	cfg.Server.PollTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), merr.ErrParameterInvalid)

	cfg = Default()
	cfg.Store.Path = ""
	assert.ErrorIs(t, cfg.Validate(), merr.ErrParameterMissing)
}
