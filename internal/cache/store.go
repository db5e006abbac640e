package cache

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/afero"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

// ManifestFile 是每个版本目录中的 manifest 副本文件名。
const ManifestFile = "manifest.json"

// Store 负责管理发布缓存目录。磁盘布局遵循：
//
//	<AppDir>/<manifestVersion>/               # 解压后的发布内容
//	<AppDir>/<manifestVersion>/manifest.json  # manifest 副本
//	<AppDir>/.staging-<uuid>/                 # 解压中的临时目录
type Store interface {
	// Root 返回缓存根目录的绝对路径。
	Root() string

	// FS 返回底层文件系统，供解压与 index.html 改写复用。
	FS() afero.Fs

	// Path 返回版本目录路径；非法版本名返回 ErrInvalidVersion。
	Path(version string) (string, error)

	// Exists 判断版本目录是否存在，这是唯一的命中依据。
	Exists(version string) bool

	// Stage 创建一个新的临时目录，调用方写完后 Commit 或 Discard。
	Stage(ctx context.Context) (*Staging, error)

	// Commit 将 staging 原子替换到版本目录，已有目录会被覆盖。
	Commit(ctx context.Context, staging *Staging, version string) (string, error)

	// Remove 删除整个版本目录，不存在时返回 ErrNotFound。
	Remove(ctx context.Context, version string) error

	// List 列出已缓存版本，新版本在前。
	List(ctx context.Context) ([]Entry, error)

	// Lock 获取进程内的版本级互斥锁，返回解锁函数。
	Lock(version string) func()
}

// Staging 是一次解压使用的临时目录。
type Staging struct {
	Dir string
	fs  afero.Fs
}

// Discard 删除临时目录，Commit 之后调用是安全的 no-op。
func (s *Staging) Discard() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	err := s.fs.RemoveAll(s.Dir)
	s.Dir = ""
	return err
}

// Entry 表示一个已缓存的版本目录。
type Entry struct {
	Version  string            `json:"version"`
	Path     string            `json:"path"`
	ModTime  time.Time         `json:"mod_time"`
	Manifest *release.Manifest `json:"-"`
}

// DisplayVersion 返回 manifest 中的展示版本，缺失时退回目录名。
func (e Entry) DisplayVersion() string {
	if e.Manifest != nil {
		return e.Manifest.DisplayVersion()
	}
	return e.Version
}

var (
	// ErrNotFound 表示版本目录不存在。
	ErrNotFound = errors.New("cached release not found")
	// ErrInvalidVersion 表示版本号不能作为目录名使用。
	ErrInvalidVersion = errors.New("invalid release version for cache directory")
)
