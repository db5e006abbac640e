// Package versionconfig persists the pinned release version and the list of
// known versions in <AppDir>/config.json.
package versionconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Record 是 config.json 的完整结构；未知字段在加载时会被拒绝。
type Record struct {
	CurrentVersion string   `json:"currentVersion,omitempty"`
	Versions       []string `json:"versions,omitempty"`
}

// Store 在内存中持有 Record，只有 Save 才会落盘。
type Store struct {
	fs   afero.Fs
	path string

	mu     sync.RWMutex
	record Record
}

// Open 读取 path 处的记录；文件不存在时返回空记录且不创建文件。
// 文件损坏或包含未知字段时直接返回错误，不回退到空记录。
func Open(fs afero.Fs, path string) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s := &Store{fs: fs, path: path}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read version config %s: %w", path, err)
	}

	record, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse version config %s: %w", path, err)
	}
	s.record = record
	return s, nil
}

func decode(data []byte) (Record, error) {
	var record Record
	if len(bytes.TrimSpace(data)) == 0 {
		return record, io.ErrUnexpectedEOF
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&record); err != nil {
		return Record{}, err
	}
	if dec.More() {
		return Record{}, errors.New("trailing data after record")
	}
	return record, nil
}

// Path 返回记录文件路径。
func (s *Store) Path() string {
	return s.path
}

// CurrentVersion 返回当前固定的版本，未设置时为空串。
func (s *Store) CurrentVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.CurrentVersion
}

// SetCurrentVersion 只修改内存中的记录。
func (s *Store) SetCurrentVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.CurrentVersion = version
}

// Versions 返回已知版本列表的副本，未设置时为空切片。
func (s *Store) Versions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.record.Versions))
	copy(out, s.record.Versions)
	return out
}

// SetVersions 只修改内存中的记录，保留调用方给出的顺序。
func (s *Store) SetVersions(versions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Versions = append([]string(nil), versions...)
}

// AddVersion 在版本不存在时追加，返回是否发生了修改。
func (s *Store) AddVersion(version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.record.Versions {
		if v == version {
			return false
		}
	}
	s.record.Versions = append(s.record.Versions, version)
	return true
}

// Snapshot 返回当前记录的深拷贝。
func (s *Store) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Record{
		CurrentVersion: s.record.CurrentVersion,
		Versions:       append([]string(nil), s.record.Versions...),
	}
}

// Save 以临时文件 + rename 的方式覆盖写入整个记录。
func (s *Store) Save() error {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version config dir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, ".config-*")
	if err != nil {
		return fmt.Errorf("create temp version config: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write version config: %w", err)
	}

	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replace version config: %w", err)
	}
	return nil
}
