package application

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/internal/config"
	zlog "github.com/lk2023060901/garden-chat/pkg/log"
	zviper "github.com/lk2023060901/garden-chat/pkg/util/viper"
)

const (
	// defaultConfigPath 为默认配置文件路径，文件不存在时使用内置默认值。
	defaultConfigPath = "./chatd.yaml"
	// configPathEnv 为指定配置文件路径的环境变量。
	configPathEnv = "CHAT_CONFIG_FILE_PATH"
)

// Application 是聊天服务的运行容器，负责加载配置、初始化日志并装配各组件。
type Application struct {
	args    []string
	cfg     *config.Config
	raw     *zviper.Config
	loggers map[string]*zlog.MLogger
}

// New 创建 Application，args 为不含程序名的命令行参数。
func New(args []string) *Application {
	return &Application{args: args}
}

// Run 是聊天服务的入口，运行直到 ctx 被取消或某个组件出错。
// 配置文件路径按以下优先级确定：
//  1. 默认：./chatd.yaml（不存在时使用默认值）
//  2. 环境变量：CHAT_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.initLogging(); err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	zlog.Info("garden-chat starting",
		zap.Int("port", a.cfg.Server.Port),
		zap.Int("workers", a.cfg.Server.WorkerPoolSize),
		zap.String("store", a.cfg.Store.Path))
	return a.serve(ctx)
}

// Config 返回已加载的配置。
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Logger 返回配置中定义的具名 Logger，未定义时附加 module 字段后退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return zlog.With(zlog.FieldModule(name))
}

// resolveConfigPath 返回配置文件路径，以及该路径是否由用户显式指定。
func (a *Application) resolveConfigPath() (string, bool, error) {
	configPath, explicit := defaultConfigPath, false

	if envPath := strings.TrimSpace(os.Getenv(configPathEnv)); envPath != "" {
		configPath, explicit = envPath, true
	}

	for i := 0; i < len(a.args); i++ {
		arg := a.args[i]
		if arg == "--config" {
			if i+1 >= len(a.args) {
				return "", false, errors.New("missing value after --config")
			}
			configPath, explicit = a.args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			configPath, explicit = val, true
		}
	}
	return configPath, explicit, nil
}

func (a *Application) loadConfig() error {
	configPath, explicit, err := a.resolveConfigPath()
	if err != nil {
		return err
	}
	if !explicit {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			configPath = ""
		}
	}

	cfg, raw, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg, a.raw = cfg, raw
	return nil
}

// initLogging 初始化全局 Logger 与具名 Logger。
func (a *Application) initLogging() error {
	logger, props, err := zlog.InitLogger(&a.cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init global logger")
	}
	zlog.ReplaceGlobals(logger, props)
	return a.initModuleLoggersFromConfig()
}

// initModuleLoggersFromConfig 根据 "logging" 配置段创建具名 Logger。
//
// 示例：
//
//	logging:
//	  netpoll:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: netpoll.log
func (a *Application) initModuleLoggersFromConfig() error {
	raw := make(map[string]zlog.Config)
	if err := a.raw.UnmarshalKey("logging", &raw); err != nil {
		return errors.Wrap(err, "decode logging section")
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}
