package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Latest 是“最新版本”的字面量，它永远不会作为缓存目录名。
const Latest = "latest"

// Manifest 描述一个发布物。ManifestVersion 是规范版本号（也是缓存目录名），
// Version 仅用于展示。
type Manifest struct {
	Name            string `json:"name"`
	ManifestVersion string `json:"manifestVersion"`
	Version         string `json:"version"`
	Tarball         string `json:"tarball,omitempty"`
	SHA256          string `json:"sha256,omitempty"`
	Notes           string `json:"notes,omitempty"`

	raw []byte
}

// ParseManifest 解析 manifest JSON，并保留原始字节用于 manifest.json 落盘。
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.ManifestVersion) == "" {
		return Manifest{}, errors.New("parse manifest: manifestVersion is empty")
	}
	m.raw = append([]byte(nil), data...)
	return m, nil
}

// DisplayVersion 返回展示用版本，缺省时退回 ManifestVersion。
func (m Manifest) DisplayVersion() string {
	if m.Version != "" {
		return m.Version
	}
	return m.ManifestVersion
}

// String 返回 manifest 的字符串形式：优先原始字节，否则重新编码。
func (m Manifest) String() string {
	if len(m.raw) > 0 {
		return string(m.raw)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// Validity 是发布源对一次下载给出的校验结论。
type Validity struct {
	IsValid bool
	Reason  string
}

// Download 将 manifest 与本地 tarball 配对，仅在一次 fetch-and-store 期间存在。
type Download struct {
	Manifest Manifest
	Tarball  string
	Validity Validity
}

// Cleanup 删除临时 tarball，重复调用是安全的。
func (d *Download) Cleanup() error {
	if d == nil || d.Tarball == "" {
		return nil
	}
	err := os.Remove(d.Tarball)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Source 是外部发布分发系统的抽象：按 manifest 名称 + 版本拉取并校验发布物。
type Source interface {
	DownloadRelease(ctx context.Context, manifestName, version string) (*Download, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, manifestName, version string) (*Download, error)

// DownloadRelease makes SourceFunc satisfy Source.
func (f SourceFunc) DownloadRelease(ctx context.Context, manifestName, version string) (*Download, error) {
	return f(ctx, manifestName, version)
}

// ErrInvalidRelease 可配合 errors.Is 判断发布物未通过校验。
var ErrInvalidRelease = errors.New("release is not valid")

// InvalidReleaseError 表示发布源明确报告发布物无效。
type InvalidReleaseError struct {
	ManifestName     string
	RequestedVersion string
	Reason           string
}

func (e *InvalidReleaseError) Error() string {
	msg := fmt.Sprintf("release %s@%s is not valid", e.ManifestName, e.RequestedVersion)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is 让 errors.Is(err, ErrInvalidRelease) 成立。
func (e *InvalidReleaseError) Is(target error) bool {
	return target == ErrInvalidRelease
}

// Verify 比较 manifest 声明的 sha256 与实际下载得到的摘要。
func Verify(m Manifest, digest string) Validity {
	want := strings.ToLower(strings.TrimSpace(m.SHA256))
	if want == "" {
		return Validity{Reason: "manifest has no sha256 digest"}
	}
	if digest == "" {
		return Validity{Reason: "tarball digest unavailable"}
	}
	if !strings.EqualFold(want, digest) {
		return Validity{Reason: fmt.Sprintf("sha256 mismatch: manifest %s, tarball %s", want, digest)}
	}
	return Validity{IsValid: true}
}
