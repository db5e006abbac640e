package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/SecureMessaging/euara-bs/internal/cache"
	"github.com/SecureMessaging/euara-bs/internal/versionconfig"
)

// VersionSource 提供诊断接口所需的缓存与版本记录视图。
type VersionSource interface {
	Cached(ctx context.Context) ([]cache.Entry, error)
	Versions() *versionconfig.Store
}

// RegisterVersionRoutes 暴露 /-/versions 诊断接口，供运维查询固定版本与已缓存目录。
func RegisterVersionRoutes(app *fiber.App, src VersionSource) {
	if app == nil || src == nil {
		return
	}

	app.Get("/-/versions", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		entries, err := src.Cached(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
		}
		return c.JSON(encodeVersions(src.Versions().Snapshot(), entries))
	})
}

type versionsPayload struct {
	Current string               `json:"current"`
	Known   []string             `json:"known"`
	Cached  []cachedEntryPayload `json:"cached"`
}

type cachedEntryPayload struct {
	Version        string `json:"version"`
	Path           string `json:"path"`
	DisplayVersion string `json:"display_version"`
}

func encodeVersions(record versionconfig.Record, entries []cache.Entry) versionsPayload {
	payload := versionsPayload{
		Current: record.CurrentVersion,
		Known:   append([]string{}, record.Versions...),
		Cached:  make([]cachedEntryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		payload.Cached = append(payload.Cached, cachedEntryPayload{
			Version:        entry.Version,
			Path:           entry.Path,
			DisplayVersion: entry.DisplayVersion(),
		})
	}
	return payload
}
