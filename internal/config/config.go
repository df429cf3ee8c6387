// Package config 定义聊天服务的全部可调参数，并负责从 YAML 文件与 CHAT_* 环境变量中加载。
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"

	zlog "github.com/lk2023060901/garden-chat/pkg/log"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
	zviper "github.com/lk2023060901/garden-chat/pkg/util/viper"
)

// EnvPrefix 为环境变量覆盖的前缀，例如 CHAT_SERVER_PORT。
const EnvPrefix = "CHAT"

// ServerConfig 描述监听与事件循环相关参数。
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Backlog        int           `mapstructure:"backlog"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	MaxEvents      int           `mapstructure:"max_events"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// HistoryConfig 描述历史消息窗口大小。
type HistoryConfig struct {
	DefaultWindow int `mapstructure:"default_window"`
	LoginWindow   int `mapstructure:"login_window"`
}

// AuthConfig 描述用户名、密码长度约束与哈希强度。
type AuthConfig struct {
	UsernameMin int `mapstructure:"username_min"`
	UsernameMax int `mapstructure:"username_max"`
	PasswordMin int `mapstructure:"password_min"`
	PasswordMax int `mapstructure:"password_max"`
	BcryptCost  int `mapstructure:"bcrypt_cost"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// AdminConfig 描述可选的管理 HTTP 服务，Addr 为空表示关闭。
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config 为聊天服务的完整配置。
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Log     zlog.Config   `mapstructure:"log"`
}

// Default 返回全部取默认值的配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           12345,
			Backlog:        128,
			WorkerPoolSize: 4,
			MaxEvents:      64,
			ReadBufferSize: 4096,
			MaxLineBytes:   4096,
			PollTimeout:    time.Second,
			WriteTimeout:   5 * time.Second,
		},
		History: HistoryConfig{
			DefaultWindow: 50,
			LoginWindow:   10,
		},
		Auth: AuthConfig{
			UsernameMin: 2,
			UsernameMax: 20,
			PasswordMin: 6,
			PasswordMax: 20,
			BcryptCost:  bcrypt.DefaultCost,
		},
		Store: StoreConfig{
			Path: "chat.db",
		},
		Log: zlog.Config{
			Level:  "info",
			Format: zlog.FormatText,
			Stdout: true,
		},
	}
}

// defaults 以 viper key 的形式登记默认值，使环境变量可以覆盖每一个 key。
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		"server.port":             d.Server.Port,
		"server.backlog":          d.Server.Backlog,
		"server.worker_pool_size": d.Server.WorkerPoolSize,
		"server.max_events":       d.Server.MaxEvents,
		"server.read_buffer_size": d.Server.ReadBufferSize,
		"server.max_line_bytes":   d.Server.MaxLineBytes,
		"server.poll_timeout":     d.Server.PollTimeout,
		"server.write_timeout":    d.Server.WriteTimeout,
		"history.default_window":  d.History.DefaultWindow,
		"history.login_window":    d.History.LoginWindow,
		"auth.username_min":       d.Auth.UsernameMin,
		"auth.username_max":       d.Auth.UsernameMax,
		"auth.password_min":       d.Auth.PasswordMin,
		"auth.password_max":       d.Auth.PasswordMax,
		"auth.bcrypt_cost":        d.Auth.BcryptCost,
		"store.path":              d.Store.Path,
		"admin.addr":              d.Admin.Addr,
		"log.level":               d.Log.Level,
		"log.format":              d.Log.Format,
		"log.stdout":              d.Log.Stdout,
		"log.file.rootpath":       d.Log.File.RootPath,
		"log.file.filename":       d.Log.File.Filename,
	}
}

// Load 读取 path 指定的配置文件（path 为空时只使用默认值），
// 叠加 CHAT_* 环境变量后校验并返回配置。
func Load(path string) (*Config, *zviper.Config, error) {
	v := zviper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv(EnvPrefix)

	if path != "" {
		if err := v.LoadFile(path); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load config file %q", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate 检查各项参数是否处于合法范围。
func (c *Config) Validate() error {
	checks := []struct {
		name         string
		value        int
		lower, upper int
	}{
		{"server.port", c.Server.Port, 0, 65535},
		{"server.backlog", c.Server.Backlog, 1, 1 << 16},
		{"server.worker_pool_size", c.Server.WorkerPoolSize, 1, 1024},
		{"server.max_events", c.Server.MaxEvents, 1, 1 << 16},
		{"server.read_buffer_size", c.Server.ReadBufferSize, 64, 1 << 20},
		{"server.max_line_bytes", c.Server.MaxLineBytes, 16, 1 << 20},
		{"history.default_window", c.History.DefaultWindow, 0, 10000},
		{"history.login_window", c.History.LoginWindow, 0, 10000},
		{"auth.username_min", c.Auth.UsernameMin, 1, c.Auth.UsernameMax},
		{"auth.password_min", c.Auth.PasswordMin, 1, c.Auth.PasswordMax},
		{"auth.bcrypt_cost", c.Auth.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost},
	}
	for _, check := range checks {
		if check.value < check.lower || check.value > check.upper {
			return merr.WrapErrParameterInvalidRange(check.lower, check.upper, check.value, check.name)
		}
	}
	if c.Server.PollTimeout <= 0 {
		return merr.WrapErrParameterInvalidMsg("server.poll_timeout must be positive, got %s", c.Server.PollTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return merr.WrapErrParameterInvalidMsg("server.write_timeout must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Store.Path == "" {
		return merr.WrapErrParameterMissing("store.path")
	}
	return nil
}
