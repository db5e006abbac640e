package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/SecureMessaging/euara-bs/internal/release"
	"github.com/SecureMessaging/euara-bs/internal/releasecache"
)

// releaseHandler 将请求路径映射到 Site 当前入口目录下的文件。
type releaseHandler struct {
	site   *Site
	logger *logrus.Logger
}

func newReleaseHandler(site *Site, logger *logrus.Logger) *releaseHandler {
	return &releaseHandler{site: site, logger: logger}
}

func (h *releaseHandler) serve(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	rel, ok := cleanRequestPath(string(c.Request().URI().PathOriginal()))
	if !ok {
		return h.reject(c, fiber.StatusBadRequest, "invalid_path", requestID, started, nil)
	}

	dir := h.site.Dir()
	if dir == "" {
		return h.reject(c, fiber.StatusServiceUnavailable, "release_unavailable", requestID, started, nil)
	}

	target := filepath.Join(dir, filepath.FromSlash(rel))
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return h.reject(c, fiber.StatusNotFound, "not_found", requestID, started, nil)
		}
		return h.reject(c, fiber.StatusInternalServerError, "read_failed", requestID, started, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return h.reject(c, fiber.StatusInternalServerError, "read_failed", requestID, started, err)
	}
	if info.IsDir() {
		return h.reject(c, fiber.StatusNotFound, "not_found", requestID, started, nil)
	}

	if contentType := mime.TypeByExtension(filepath.Ext(target)); contentType != "" {
		c.Set("Content-Type", contentType)
	} else {
		c.Response().Header.Del("Content-Type")
	}
	c.Set("X-Euara-Release", filepath.Base(dir))
	c.Status(fiber.StatusOK)

	// 缓存中的 index.html 指向磁盘目录，经 HTTP 提供时 base 需要回到站点根。
	if rel == releasecache.EntryFile {
		data, err := io.ReadAll(f)
		if err != nil {
			return h.reject(c, fiber.StatusInternalServerError, "read_failed", requestID, started, err)
		}
		body := releasecache.ServedBaseHref(data, dir)
		if c.Method() == http.MethodHead {
			c.Response().Header.SetContentLength(len(body))
		} else {
			c.Response().SetBody(body)
		}
		h.logResult(rel, requestID, fiber.StatusOK, started, nil)
		return nil
	}

	c.Response().Header.SetContentLength(int(info.Size()))
	if c.Method() == http.MethodHead {
		h.logResult(rel, requestID, fiber.StatusOK, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), f)
	h.logResult(rel, requestID, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read release file failed: %v", err))
	}
	return nil
}

// refreshHandler 重新解析入口目录，发布物校验失败映射为 502 invalid_release。
func refreshHandler(site *Site) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		dir, err := site.Refresh(ctx)
		if err != nil {
			code := "release_unavailable"
			if errors.Is(err, release.ErrInvalidRelease) {
				code = "invalid_release"
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code})
		}
		return c.JSON(fiber.Map{"path": dir})
	}
}

func (h *releaseHandler) reject(c fiber.Ctx, status int, code, requestID string, started time.Time, err error) error {
	entry := h.logger.WithFields(logrus.Fields{
		"action":     "serve",
		"path":       string(c.Request().URI().Path()),
		"status":     status,
		"request_id": requestID,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("release request failed")
	} else {
		entry.Debug("release request rejected")
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *releaseHandler) logResult(rel, requestID string, status int, started time.Time, err error) {
	entry := h.logger.WithFields(logrus.Fields{
		"action":     "serve",
		"path":       rel,
		"status":     status,
		"request_id": requestID,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("release file copy failed")
		return
	}
	entry.Debug("release file served")
}

// cleanRequestPath 返回相对入口目录的文件路径；包含 .. 的请求被拒绝。
// 以 / 结尾（包括根路径）的请求指向该目录下的 index.html。
func cleanRequestPath(raw string) (string, bool) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	if strings.ContainsRune(decoded, '\\') || strings.ContainsRune(decoded, 0) {
		return "", false
	}
	for _, part := range strings.Split(decoded, "/") {
		if part == ".." {
			return "", false
		}
	}

	clean := strings.TrimPrefix(path.Clean("/"+decoded), "/")
	if clean == "" || strings.HasSuffix(decoded, "/") {
		return path.Join(clean, releasecache.EntryFile), true
	}
	return clean, true
}
