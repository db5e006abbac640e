package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ReleaseCache 是服务端需要的发布缓存能力，测试中可注入桩实现。
type ReleaseCache interface {
	EntryPoint(ctx context.Context) (string, error)
}

// ReleaseCacheFunc adapts a function to the ReleaseCache interface.
type ReleaseCacheFunc func(ctx context.Context) (string, error)

// EntryPoint makes ReleaseCacheFunc satisfy ReleaseCache.
func (f ReleaseCacheFunc) EntryPoint(ctx context.Context) (string, error) {
	return f(ctx)
}

// Site 持有当前对外提供的入口目录。目录只在 Refresh 时解析，
// 普通请求不会触发发布源下载。
type Site struct {
	cache  ReleaseCache
	logger *logrus.Logger

	mu  sync.RWMutex
	dir string
}

// NewSite 创建尚未解析入口目录的 Site，调用方需先 Refresh。
func NewSite(cache ReleaseCache, logger *logrus.Logger) *Site {
	return &Site{cache: cache, logger: logger}
}

// Dir 返回当前入口目录，未解析时为空串。
func (s *Site) Dir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// Refresh 重新解析入口目录；失败时保留之前的目录继续提供服务。
func (s *Site) Refresh(ctx context.Context) (string, error) {
	dir, err := s.cache.EntryPoint(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithField("action", "refresh").Warn("resolve entry point failed")
		}
		return "", err
	}

	s.mu.Lock()
	previous := s.dir
	s.dir = dir
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"action":   "refresh",
			"dir":      dir,
			"previous": previous,
		}).Info("entry point resolved")
	}
	return dir, nil
}
