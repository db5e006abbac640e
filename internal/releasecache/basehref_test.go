package releasecache

import (
	"testing"

	"github.com/spf13/afero"
)

func TestPatchBaseHref(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/stage/index.html", []byte(`<head><base href="/"></head>`), 0o600); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	patched, err := PatchBaseHref(fs, "/stage", "/srv/app/1.0.0")
	if err != nil || !patched {
		t.Fatalf("patch failed: patched=%v err=%v", patched, err)
	}
	data, _ := afero.ReadFile(fs, "/stage/index.html")
	if string(data) != `<head><base href="/srv/app/1.0.0/"></head>` {
		t.Fatalf("unexpected index: %s", data)
	}
	info, err := fs.Stat("/stage/index.html")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("file mode should be preserved, got %v", info.Mode().Perm())
	}
}

func TestPatchBaseHrefMissingIndex(t *testing.T) {
	patched, err := PatchBaseHref(afero.NewMemMapFs(), "/stage", "/srv/app/1.0.0")
	if err != nil || patched {
		t.Fatalf("missing index should be a no-op: patched=%v err=%v", patched, err)
	}
}

func TestServedBaseHrefRestoresRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	original := `<head><base href="/"></head>`
	if err := afero.WriteFile(fs, "/srv/app/1.0.0/index.html", []byte(original), 0o644); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	if _, err := PatchBaseHref(fs, "/srv/app/1.0.0", "/srv/app/1.0.0"); err != nil {
		t.Fatalf("patch: %v", err)
	}
	data, _ := afero.ReadFile(fs, "/srv/app/1.0.0/index.html")

	if got := string(ServedBaseHref(data, "/srv/app/1.0.0")); got != original {
		t.Fatalf("base href should be restored, got %s", got)
	}
	if got := string(ServedBaseHref(data, "/srv/app/2.0.0")); got != string(data) {
		t.Fatalf("other directories must not be rewritten, got %s", got)
	}
}
