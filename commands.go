package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SecureMessaging/euara-bs/internal/logging"
	"github.com/SecureMessaging/euara-bs/internal/releasecache"
	"github.com/SecureMessaging/euara-bs/internal/server"
	"github.com/SecureMessaging/euara-bs/internal/server/routes"
	"github.com/SecureMessaging/euara-bs/internal/version"
)

const defaultPruneKeep = 3

func newEntryCommand(configPath func() string) *cobra.Command {
	var index bool
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Print the cache directory of the pinned (or latest) release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "entry")
			if err != nil {
				return err
			}
			dir, err := rt.cache.EntryPoint(cmd.Context())
			if err != nil {
				return failed("解析入口失败: %w", err)
			}
			if index {
				dir = releasecache.IndexPath(dir)
			}
			fmt.Fprintln(stdOut, dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&index, "index", false, "输出 index.html 路径而不是版本目录")
	return cmd
}

func newLatestCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Download and cache the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "latest")
			if err != nil {
				return err
			}
			dl, err := rt.cache.DownloadLatest(cmd.Context())
			if err != nil {
				return failed("下载最新版本失败: %w", err)
			}
			fmt.Fprintln(stdOut, dl.Manifest.ManifestVersion)
			return nil
		},
	}
}

func newFetchCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <version>",
		Short: "Return the cached directory for a version, downloading it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "fetch")
			if err != nil {
				return err
			}
			dir, err := rt.cache.GetLocalOrFetch(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return failed("获取版本失败: %w", err)
			}
			fmt.Fprintln(stdOut, dir)
			return nil
		},
	}
}

func newPinCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <version|latest>",
		Short: "Pin the served version; 'latest' clears the pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "pin")
			if err != nil {
				return err
			}
			dir, err := rt.cache.Pin(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return failed("固定版本失败: %w", err)
			}
			if dir == "" {
				fmt.Fprintln(stdOut, "pin cleared")
				return nil
			}
			fmt.Fprintln(stdOut, dir)
			return nil
		},
	}
}

func newVersionsCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Show the pinned version, known versions and cached directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "versions")
			if err != nil {
				return err
			}
			entries, err := rt.cache.Cached(cmd.Context())
			if err != nil {
				return failed("列出缓存失败: %w", err)
			}
			record := rt.cache.Versions().Snapshot()

			current := record.CurrentVersion
			if current == "" {
				current = "(latest)"
			}
			fmt.Fprintf(stdOut, "current: %s\n", current)
			fmt.Fprintf(stdOut, "known:   %s\n", strings.Join(record.Versions, ", "))
			fmt.Fprintln(stdOut, "cached:")
			for _, entry := range entries {
				marker := " "
				if entry.Version == record.CurrentVersion {
					marker = "*"
				}
				fmt.Fprintf(stdOut, "%s %-16s %-16s %s\n", marker, entry.Version, entry.DisplayVersion(), entry.Path)
			}
			return nil
		},
	}
}

func newPruneCommand(configPath func() string) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove all but the newest cached versions (the pinned version is always kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative: %d", keep)
			}
			rt, err := bootstrap(configPath(), "prune")
			if err != nil {
				return err
			}
			removed, err := rt.cache.Prune(cmd.Context(), keep)
			if err != nil {
				return failed("清理缓存失败: %w", err)
			}
			for _, v := range removed {
				fmt.Fprintf(stdOut, "removed %s\n", v)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", defaultPruneKeep, "保留的最新版本数量")
	return cmd
}

func newServeCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the pinned release over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(configPath(), "serve")
			if err != nil {
				return err
			}
			if err := startHTTPServer(cmd.Context(), rt); err != nil {
				return failed("HTTP 服务启动失败: %w", err)
			}
			return nil
		},
	}
}

func newCheckConfigCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, logger, err := loadConfig(path)
			if err != nil {
				return err
			}
			fields := logging.BaseFields("check_config", path)
			fields["manifest"] = cfg.Global.ManifestName
			fields["source"] = cfg.Source.Type
			fields["credentials"] = cfg.Source.AuthMode()
			fields["version_config"] = cfg.VersionConfigPath()
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

func startHTTPServer(ctx context.Context, rt *appRuntime) error {
	port := rt.cfg.Global.ListenPort
	// 入口目录只在启动和 POST /-/refresh 时解析，请求路径上不再访问发布源。
	site := server.NewSite(rt.cache, rt.logger)
	if _, err := site.Refresh(ctx); err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     rt.logger,
		Site:       site,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterVersionRoutes(app, rt.cache)

	fields := logging.BaseFields("listen", rt.configPath)
	fields["port"] = port
	fields["manifest"] = rt.cfg.Global.ManifestName
	fields["version"] = version.Full()
	rt.logger.WithFields(fields).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			rt.logger.WithError(err).WithFields(logrus.Fields{"action": "shutdown"}).Warn("Fiber 服务关闭失败")
		}
	}()

	return app.Listen(fmt.Sprintf(":%d", port))
}
