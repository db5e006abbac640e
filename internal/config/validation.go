package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ManifestName == "" {
		return newFieldError("ManifestName", "不能为空")
	}
	if strings.ContainsAny(g.ManifestName, " /\\") {
		return newFieldError("ManifestName", "不允许包含空格或路径分隔符")
	}
	if strings.TrimSpace(g.AppDir) == "" {
		return newFieldError("AppDir", "不能为空")
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("LogMaxSize/LogMaxBackups", "不能为负数")
	}

	return c.Source.validate()
}

func (s SourceConfig) validate() error {
	kind := strings.ToLower(strings.TrimSpace(s.Type))
	if kind == "" {
		return newFieldError(sourceField("Type"), "不能为空")
	}
	if _, ok := release.Resolve(kind); !ok {
		return newFieldError(sourceField("Type"), "仅支持 "+strings.Join(release.Kinds(), "|"))
	}

	switch kind {
	case "http":
		if err := validateEndpoint(s.Endpoint); err != nil {
			return fmt.Errorf("%s: %w", sourceField("Endpoint"), err)
		}
	case "github":
		if s.Owner == "" || s.Repo == "" {
			return newFieldError(sourceField("Owner/Repo"), "github 发布源必须同时提供")
		}
		if s.Endpoint != "" {
			if err := validateEndpoint(s.Endpoint); err != nil {
				return fmt.Errorf("%s: %w", sourceField("Endpoint"), err)
			}
		}
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("缺少发布源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
