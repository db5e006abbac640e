package config

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

// VersionConfigFile 是 AppDir 下记录固定版本与已知版本的文件名。
const VersionConfigFile = "config.json"

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ManifestName    string   `mapstructure:"ManifestName"`
	AppDir          string   `mapstructure:"AppDir"`
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SourceConfig 决定从哪个发布源拉取 release。
type SourceConfig struct {
	Type     string `mapstructure:"Type"`
	Endpoint string `mapstructure:"Endpoint"`
	Owner    string `mapstructure:"Owner"`
	Repo     string `mapstructure:"Repo"`
	Token    string `mapstructure:"Token"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Source SourceConfig `mapstructure:"Source"`
}

// VersionConfigPath 返回 <AppDir>/config.json。
func (c *Config) VersionConfigPath() string {
	return filepath.Join(c.Global.AppDir, VersionConfigFile)
}

// AuthMode 输出 `token` 或 `anonymous`，供日志字段使用。
func (s SourceConfig) AuthMode() string {
	if s.Token != "" {
		return "token"
	}
	return "anonymous"
}

// SourceOptions 将配置映射为发布源构造参数。
func (s SourceConfig) SourceOptions(client *http.Client) release.SourceOptions {
	return release.SourceOptions{
		Endpoint: s.Endpoint,
		Owner:    s.Owner,
		Repo:     s.Repo,
		Token:    s.Token,
		Client:   client,
	}
}
