package releasecache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// EntryFile 是发布物的 HTML 入口文件名。
const EntryFile = "index.html"

var baseHrefPlaceholder = []byte(`<base href="/">`)

// IndexPath 返回版本目录下入口文件的路径。
func IndexPath(dir string) string {
	return filepath.Join(dir, EntryFile)
}

// PatchBaseHref 将 dir/index.html 中第一个 `<base href="/">` 改写为指向 servedDir 的绝对路径。
// 文件不存在或不含占位符时不做任何写入，返回 false。
func PatchBaseHref(fs afero.Fs, dir, servedDir string) (bool, error) {
	path := IndexPath(dir)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !bytes.Contains(data, baseHrefPlaceholder) {
		return false, nil
	}

	replacement := []byte(`<base href="` + filepath.ToSlash(servedDir) + `/">`)
	patched := bytes.Replace(data, baseHrefPlaceholder, replacement, 1)

	mode := os.FileMode(0o644)
	if info, err := fs.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := afero.WriteFile(fs, path, patched, mode); err != nil {
		return false, err
	}
	return true, nil
}

// ServedBaseHref 将 PatchBaseHref 写入的 `<base href="<servedDir>/">` 还原为 `<base href="/">`，
// 供以 HTTP 根路径提供该目录时使用。未找到改写结果时原样返回。
func ServedBaseHref(data []byte, servedDir string) []byte {
	patched := []byte(`<base href="` + filepath.ToSlash(servedDir) + `/">`)
	if !bytes.Contains(data, patched) {
		return data
	}
	return bytes.Replace(data, patched, baseHrefPlaceholder, 1)
}
