// Package releasecache 负责解析、下载并在本地缓存发布物，
// 同时维护 <AppDir>/config.json 中的固定版本与已知版本列表。
package releasecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/SecureMessaging/euara-bs/internal/archive"
	"github.com/SecureMessaging/euara-bs/internal/cache"
	"github.com/SecureMessaging/euara-bs/internal/logging"
	"github.com/SecureMessaging/euara-bs/internal/release"
	"github.com/SecureMessaging/euara-bs/internal/versionconfig"
)

// Options 描述构建 Cache 所需的依赖。
type Options struct {
	ManifestName string
	Store        cache.Store
	Source       release.Source
	Versions     *versionconfig.Store
	Logger       *logrus.Logger
}

// Cache 是发布缓存的入口，可被多个 goroutine 共享。
type Cache struct {
	manifestName string
	store        cache.Store
	source       release.Source
	versions     *versionconfig.Store
	logger       *logrus.Logger

	flight singleflight.Group
}

// New 校验依赖并构造 Cache；Logger 为空时丢弃日志。
func New(opts Options) (*Cache, error) {
	switch {
	case opts.ManifestName == "":
		return nil, errors.New("release cache: manifest name required")
	case opts.Store == nil:
		return nil, errors.New("release cache: store required")
	case opts.Source == nil:
		return nil, errors.New("release cache: source required")
	case opts.Versions == nil:
		return nil, errors.New("release cache: version config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Cache{
		manifestName: opts.ManifestName,
		store:        opts.Store,
		source:       opts.Source,
		versions:     opts.Versions,
		logger:       logger,
	}, nil
}

// ManifestName 返回缓存所服务的 manifest 名称。
func (c *Cache) ManifestName() string { return c.manifestName }

// Versions 返回底层的版本记录。
func (c *Cache) Versions() *versionconfig.Store { return c.versions }

// EntryPoint 返回固定版本（未固定时为 latest）的缓存目录，必要时从发布源拉取。
func (c *Cache) EntryPoint(ctx context.Context) (string, error) {
	version := c.versions.CurrentVersion()
	if version == "" {
		version = release.Latest
	}
	return c.GetLocalOrFetch(ctx, version)
}

// DownloadLatest 总是询问发布源并重新解压最新版本。
func (c *Cache) DownloadLatest(ctx context.Context) (*release.Download, error) {
	return c.ResolveVersion(ctx, release.Latest)
}

// GetLocalOrFetch 对具体版本优先使用本地目录；latest 永远走发布源。
// "v1.2.0" 也会命中 "1.2.0" 目录。
func (c *Cache) GetLocalOrFetch(ctx context.Context, version string) (string, error) {
	if version != release.Latest {
		for _, candidate := range cache.CandidateVersions(version) {
			if !c.store.Exists(candidate) {
				continue
			}
			dir, err := c.store.Path(candidate)
			if err != nil {
				return "", err
			}
			c.logger.WithFields(logging.ReleaseFields(c.manifestName, version, true)).
				WithField("action", "cache_lookup").
				WithField("dir_version", candidate).
				Debug("cache hit")
			return dir, nil
		}
	}

	dl, err := c.ResolveVersion(ctx, version)
	if err != nil {
		return "", err
	}
	return c.store.Path(dl.Manifest.ManifestVersion)
}

// ResolveVersion 从发布源拉取 version 并写入缓存。发布源返回的错误原样透传；
// 校验失败时返回 *release.InvalidReleaseError，不触碰任何缓存目录。
// 同一版本的并发调用共享一次拉取，单个调用方取消不会中断其他调用方。
func (c *Cache) ResolveVersion(ctx context.Context, version string) (*release.Download, error) {
	// 共享的拉取不随单个调用方取消；调用方取消时只是自己提前返回。
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(version, func() (any, error) {
		return c.resolve(flightCtx, version)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	dl := *res.Val.(*release.Download)
	if res.Shared {
		c.logger.WithFields(logging.ReleaseFields(c.manifestName, version, false)).
			WithField("action", "resolve").
			Debug("joined in-flight fetch")
	}
	return &dl, nil
}

func (c *Cache) resolve(ctx context.Context, version string) (*release.Download, error) {
	fields := logging.ReleaseFields(c.manifestName, version, false)
	started := time.Now()

	dl, err := c.source.DownloadRelease(ctx, c.manifestName, version)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).
			WithField("action", "fetch").
			Warn("release source failed")
		return nil, err
	}
	if dl == nil {
		return nil, fmt.Errorf("release source returned no download for %s@%s", c.manifestName, version)
	}

	if !dl.Validity.IsValid {
		if cleanErr := dl.Cleanup(); cleanErr != nil {
			c.logger.WithFields(fields).WithError(cleanErr).Warn("remove rejected tarball failed")
		}
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"action": "verify",
			"reason": dl.Validity.Reason,
		}).Warn("release rejected")
		return nil, &release.InvalidReleaseError{
			ManifestName:     c.manifestName,
			RequestedVersion: version,
			Reason:           dl.Validity.Reason,
		}
	}

	if _, err := c.StoreRelease(ctx, dl); err != nil {
		return nil, err
	}

	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":           "fetch",
		"manifest_version": dl.Manifest.ManifestVersion,
		"display_version":  dl.Manifest.DisplayVersion(),
		"elapsed_ms":       time.Since(started).Milliseconds(),
	}).Info("release fetched")
	return dl, nil
}

// StoreRelease 将已校验的下载解压到 <AppDir>/<manifestVersion>，写入 manifest.json、
// 改写 index.html 的 base href，并把版本记入已知列表。临时 tarball 总会被删除。
func (c *Cache) StoreRelease(ctx context.Context, dl *release.Download) (string, error) {
	if dl == nil {
		return "", errors.New("release download required")
	}
	version := dl.Manifest.ManifestVersion
	fields := logging.ReleaseFields(c.manifestName, version, false)
	defer func() {
		if err := dl.Cleanup(); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("remove downloaded tarball failed")
		}
	}()

	target, err := c.store.Path(version)
	if err != nil {
		return "", err
	}

	unlock := c.store.Lock(version)
	defer unlock()

	staging, err := c.store.Stage(ctx)
	if err != nil {
		return "", err
	}
	defer staging.Discard()

	fs := c.store.FS()
	if err := archive.ExtractTarGz(ctx, fs, dl.Tarball, staging.Dir); err != nil {
		return "", fmt.Errorf("extract %s: %w", version, err)
	}
	manifestPath := filepath.Join(staging.Dir, cache.ManifestFile)
	if err := afero.WriteFile(fs, manifestPath, []byte(dl.Manifest.String()), 0o644); err != nil {
		return "", fmt.Errorf("write manifest for %s: %w", version, err)
	}
	patched, err := PatchBaseHref(fs, staging.Dir, target)
	if err != nil {
		return "", fmt.Errorf("patch %s for %s: %w", EntryFile, version, err)
	}

	dir, err := c.store.Commit(ctx, staging, version)
	if err != nil {
		if dir == "" {
			return "", err
		}
		c.logger.WithFields(fields).WithError(err).Warn("previous copy not fully removed")
	}

	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":          "store",
		"path":            dir,
		"base_href_patch": patched,
	}).Info("release stored")

	c.remember(version)
	return dir, nil
}

// remember 记录已知版本；保存失败只记录告警，不影响本次缓存结果。
func (c *Cache) remember(version string) {
	if !c.versions.AddVersion(version) {
		return
	}
	if err := c.versions.Save(); err != nil {
		c.logger.WithFields(logging.ReleaseFields(c.manifestName, version, false)).
			WithError(err).
			WithField("action", "record_version").
			Warn("save version config failed")
	}
}

// Pin 固定 version 并保存记录，返回固定后的缓存目录。version 为 latest 时清除固定。
// 固定值使用发布源返回的 manifestVersion，保证后续 EntryPoint 可以命中目录。
func (c *Cache) Pin(ctx context.Context, version string) (string, error) {
	if version == release.Latest || version == "" {
		c.versions.SetCurrentVersion("")
		if err := c.versions.Save(); err != nil {
			return "", err
		}
		c.logger.WithFields(logrus.Fields{"action": "pin", "manifest": c.manifestName}).Info("pin cleared")
		return "", nil
	}

	dir, err := c.GetLocalOrFetch(ctx, version)
	if err != nil {
		return "", err
	}
	pinned := filepath.Base(dir)
	c.versions.SetCurrentVersion(pinned)
	if err := c.versions.Save(); err != nil {
		return "", err
	}
	c.logger.WithFields(logging.ReleaseFields(c.manifestName, pinned, false)).
		WithField("action", "pin").
		Info("version pinned")
	return dir, nil
}

// Cached 列出已缓存的版本，新版本在前。
func (c *Cache) Cached(ctx context.Context) ([]cache.Entry, error) {
	return c.store.List(ctx)
}

// Prune 只保留最新的 keep 个版本；固定版本不会被删除，也不占 keep 名额。
func (c *Cache) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative: %d", keep)
	}
	entries, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	pinned := c.versions.CurrentVersion()
	var removed []string
	kept := 0
	for _, entry := range entries {
		if entry.Version == pinned {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := c.store.Remove(ctx, entry.Version); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return removed, fmt.Errorf("remove %s: %w", entry.Version, err)
		}
		removed = append(removed, entry.Version)
	}

	if len(removed) > 0 {
		c.forget(removed)
	}
	c.logger.WithFields(logrus.Fields{
		"action":   "prune",
		"manifest": c.manifestName,
		"keep":     keep,
		"removed":  removed,
	}).Info("cache pruned")
	return removed, nil
}

func (c *Cache) forget(versions []string) {
	drop := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		drop[v] = struct{}{}
	}
	known := c.versions.Versions()
	remaining := known[:0]
	for _, v := range known {
		if _, ok := drop[v]; !ok {
			remaining = append(remaining, v)
		}
	}
	if len(remaining) == len(known) {
		return
	}
	c.versions.SetVersions(remaining)
	if err := c.versions.Save(); err != nil {
		c.logger.WithError(err).WithField("action", "prune").Warn("save version config failed")
	}
}
