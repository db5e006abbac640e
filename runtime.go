package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/SecureMessaging/euara-bs/internal/cache"
	"github.com/SecureMessaging/euara-bs/internal/config"
	"github.com/SecureMessaging/euara-bs/internal/logging"
	"github.com/SecureMessaging/euara-bs/internal/release"
	"github.com/SecureMessaging/euara-bs/internal/releasecache"
	"github.com/SecureMessaging/euara-bs/internal/server"
	"github.com/SecureMessaging/euara-bs/internal/version"
	"github.com/SecureMessaging/euara-bs/internal/versionconfig"
)

// appRuntime 汇总一次命令执行所需的共享实例。
type appRuntime struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	cache      *releasecache.Cache
}

// loadConfig 只加载配置并初始化日志，不触碰 AppDir。
func loadConfig(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, failed("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, failed("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// bootstrap 遵循“配置 → 日志 → 发布源 → 缓存目录 → 版本记录”的顺序构建运行时，
// 保证所有命令共享同一套缓存实例与日志字段。
func bootstrap(configPath, action string) (*appRuntime, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	httpClient := server.NewUpstreamClient(cfg)
	source, err := release.New(cfg.Source.Type, cfg.Source.SourceOptions(httpClient))
	if err != nil {
		return nil, failed("构建发布源失败: %w", err)
	}

	fs := afero.NewOsFs()
	store, err := cache.NewStore(fs, cfg.Global.AppDir)
	if err != nil {
		return nil, failed("初始化缓存目录失败: %w", err)
	}
	versions, err := versionconfig.Open(fs, cfg.VersionConfigPath())
	if err != nil {
		return nil, failed("读取版本记录失败: %w", err)
	}

	rc, err := releasecache.New(releasecache.Options{
		ManifestName: cfg.Global.ManifestName,
		Store:        store,
		Source:       source,
		Versions:     versions,
		Logger:       logger,
	})
	if err != nil {
		return nil, failed("初始化发布缓存失败: %w", err)
	}

	fields := logging.BaseFields(action, configPath)
	fields["source"] = cfg.Source.Type
	fields["credentials"] = cfg.Source.AuthMode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Debug("运行时初始化完成")

	return &appRuntime{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		cache:      rc,
	}, nil
}
