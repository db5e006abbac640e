package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

const (
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// NewStore 以 appDir 为根目录构建发布缓存，整个进程复用一份实例。
func NewStore(afs afero.Fs, appDir string) (Store, error) {
	if appDir == "" {
		return nil, errors.New("app dir required")
	}
	if afs == nil {
		afs = afero.NewOsFs()
	}

	abs, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("resolve app dir: %w", err)
	}

	if err := afs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create app dir: %w", err)
	}

	return &fileStore{
		fs:       afs,
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一版本并发写入，跨进程安全依赖 staging + rename。
type fileStore struct {
	fs       afero.Fs
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string { return s.basePath }

func (s *fileStore) FS() afero.Fs { return s.fs }

func (s *fileStore) Path(version string) (string, error) {
	if err := ValidateVersion(version); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, version), nil
}

func (s *fileStore) Exists(version string) bool {
	dir, err := s.Path(version)
	if err != nil {
		return false
	}
	ok, err := afero.DirExists(s.fs, dir)
	return err == nil && ok
}

func (s *fileStore) Stage(ctx context.Context) (*Staging, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, stagingPrefix+uuid.NewString())
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{Dir: dir, fs: s.fs}, nil
}

func (s *fileStore) Commit(ctx context.Context, staging *Staging, version string) (string, error) {
	if staging == nil || staging.Dir == "" {
		return "", errors.New("staging dir required")
	}
	target, err := s.Path(version)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var trash string
	if ok, _ := afero.DirExists(s.fs, target); ok {
		trash = filepath.Join(s.basePath, trashPrefix+uuid.NewString())
		if err := s.fs.Rename(target, trash); err != nil {
			return "", fmt.Errorf("move previous %s aside: %w", version, err)
		}
	}

	if err := s.fs.Rename(staging.Dir, target); err != nil {
		if trash != "" {
			_ = s.fs.Rename(trash, target)
		}
		return "", fmt.Errorf("commit %s: %w", version, err)
	}
	staging.Dir = ""

	if trash != "" {
		if err := s.fs.RemoveAll(trash); err != nil {
			return target, fmt.Errorf("remove previous %s: %w", version, err)
		}
	}
	return target, nil
}

func (s *fileStore) Remove(ctx context.Context, version string) error {
	unlock := s.Lock(version)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.Path(version)
	if err != nil {
		return err
	}
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return ErrNotFound
	}
	return s.fs.RemoveAll(dir)
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() || ValidateVersion(info.Name()) != nil {
			continue
		}
		dir := filepath.Join(s.basePath, info.Name())
		entry := Entry{
			Version: info.Name(),
			Path:    dir,
			ModTime: info.ModTime(),
		}
		if data, err := afero.ReadFile(s.fs, filepath.Join(dir, ManifestFile)); err == nil {
			if m, err := release.ParseManifest(data); err == nil {
				entry.Manifest = &m
			}
		}
		entries = append(entries, entry)
	}
	SortEntries(entries)
	return entries, nil
}

func (s *fileStore) Lock(version string) func() {
	s.mu.Lock()
	lock := s.locks[version]
	if lock == nil {
		lock = &entryLock{}
		s.locks[version] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, version)
		}
		s.mu.Unlock()
	}
}

// ValidateVersion 确保版本号可以安全地作为 AppDir 下的一级目录名。
func ValidateVersion(version string) error {
	switch {
	case version == "", version == release.Latest:
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	case strings.HasPrefix(version, "."):
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	case strings.ContainsAny(version, `/\`) || strings.Contains(version, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// SortEntries 按语义化版本降序排列；无法解析的版本排在后面并按字母序。
func SortEntries(entries []Entry) {
	parsed := make(map[string]*semver.Version, len(entries))
	for _, e := range entries {
		if v, err := semver.NewVersion(e.Version); err == nil {
			parsed[e.Version] = v
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		vi, iok := parsed[entries[i].Version]
		vj, jok := parsed[entries[j].Version]
		switch {
		case iok && jok:
			return vi.GreaterThan(vj)
		case iok != jok:
			return iok
		default:
			return entries[i].Version < entries[j].Version
		}
	})
}

// CandidateVersions 返回可以命中缓存的目录名：原样的版本号，以及 "v1.2.0" 这类
// 语义化 tag 去掉前导 v 之后的写法。
func CandidateVersions(version string) []string {
	candidates := []string{version}
	if bare, ok := strings.CutPrefix(version, "v"); ok {
		if _, err := semver.StrictNewVersion(bare); err == nil {
			candidates = append(candidates, bare)
		}
	}
	return candidates
}
