// Package archive 解压发布 tarball（tar + gzip），写入目标 afero.Fs。
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// ErrUnsafePath 表示 tar 条目试图写到目标目录之外。
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ExtractTarGz 将 src（本地文件路径）解压到 fs 上的 dest 目录。
// 若所有条目都位于 npm pack 布局的 package/ 目录下，该层会被剥离。
// 符号链接、硬链接与设备文件会被忽略。
func ExtractTarGz(ctx context.Context, fs afero.Fs, src, dest string) error {
	prefix, err := commonPrefix(src)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := fs.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		rel, ok := entryPath(hdr.Name, prefix)
		if !ok {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !within(dest, target) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(fs, target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// links and devices are not part of a release payload
		}
	}
}

func writeFile(fs afero.Fs, target string, r io.Reader, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

// npmPackagePrefix 是 npm pack 产物的顶层目录。
const npmPackagePrefix = "package"

// commonPrefix 预扫描一遍 tarball，判断是否所有条目都位于 package/ 下。
func commonPrefix(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	prefix := ""
	seen := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return "", fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return "", fmt.Errorf("read tar entry: %w", err)
		}
		name := cleanName(hdr.Name)
		if name == "" {
			continue
		}
		head, _, nested := strings.Cut(name, "/")
		if !nested && hdr.Typeflag != tar.TypeDir {
			return "", nil
		}
		if !seen {
			prefix, seen = head, true
		} else if head != prefix {
			return "", nil
		}
	}
	if prefix != npmPackagePrefix {
		return "", nil
	}
	return prefix + "/", nil
}

func cleanName(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if name == "." {
		return ""
	}
	return name
}

// entryPath 在剥离公共前缀后返回相对路径；空路径（前缀目录本身）返回 false。
func entryPath(name, prefix string) (string, bool) {
	raw := filepath.ToSlash(name)
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return raw, true
		}
	}
	clean := cleanName(raw)
	if prefix != "" {
		clean = strings.TrimPrefix(clean+"/", prefix)
		clean = strings.TrimSuffix(clean, "/")
	}
	if clean == "" {
		return "", false
	}
	return clean, true
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
