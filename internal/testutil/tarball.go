// Package testutil 提供测试用的 tarball 构造工具。
package testutil

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// TarEntry 描述 tarball 中的一个条目；Body 为空且 Name 以 / 结尾时视为目录。
type TarEntry struct {
	Name     string
	Body     string
	Typeflag byte
	Linkname string
}

// WriteTarGz 在 dir 下生成 name 对应的 .tgz，返回路径与 sha256。
func WriteTarGz(t *testing.T, dir, name string, entries []TarEntry) (string, string) {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create tarball: %v", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.Name, Mode: 0o644, Typeflag: entry.Typeflag, Linkname: entry.Linkname}
		switch {
		case hdr.Typeflag != 0:
		case strings.HasSuffix(entry.Name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		default:
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(entry.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(entry.Body)); err != nil {
				t.Fatalf("write tar body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read tarball: %v", err)
	}
	sum := sha256.Sum256(data)
	return path, hex.EncodeToString(sum[:])
}

// Files 将 map 转换为按名称排序的 TarEntry 列表。
func Files(files map[string]string) []TarEntry {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]TarEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, TarEntry{Name: name, Body: files[name]})
	}
	return entries
}
