package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/SecureMessaging/euara-bs/internal/release"
	"github.com/SecureMessaging/euara-bs/internal/releasecache"
)

func TestRouterServesIndexForRoot(t *testing.T) {
	dir := seedRelease(t)
	app := newTestApp(t, staticSite(t, dir))

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>home</html>" {
		t.Fatalf("unexpected body: %s", body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if got := resp.Header.Get("X-Euara-Release"); got != filepath.Base(dir) {
		t.Fatalf("expected release header %s, got %s", filepath.Base(dir), got)
	}
}

func TestRouterServesNestedFile(t *testing.T) {
	dir := seedRelease(t)
	app := newTestApp(t, staticSite(t, dir))

	resp, err := app.Test(httptest.NewRequest("GET", "/assets/app.js?v=1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "console.log('hi')" {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
}

func TestRouterReturns404ForMissingFile(t *testing.T) {
	dir := seedRelease(t)
	app := newTestApp(t, staticSite(t, dir))

	for _, target := range []string{"/missing.txt", "/assets"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404 status, got %d", target, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(`"not_found"`)) {
			t.Fatalf("%s: expected not_found error, got %s", target, body)
		}
	}
}

func TestRouterRejectsTraversal(t *testing.T) {
	dir := seedRelease(t)
	app := newTestApp(t, staticSite(t, dir))

	for _, target := range []string{"/../secret.txt", "/assets/%2e%2e/%2e%2e/secret.txt"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400 status, got %d", target, resp.StatusCode)
		}
	}
}

func TestRouterResolvesEntryPointOnlyOnRefresh(t *testing.T) {
	dir := seedRelease(t)
	calls := 0
	site := NewSite(ReleaseCacheFunc(func(context.Context) (string, error) {
		calls++
		return dir, nil
	}), discardLogger())
	app := newTestApp(t, site)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 before refresh, got %d", resp.StatusCode)
	}

	if _, err := site.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	for _, target := range []string{"/", "/assets/app.js", "/assets/app.js"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200 status, got %d", target, resp.StatusCode)
		}
	}
	if calls != 1 {
		t.Fatalf("entry point should be resolved once, got %d", calls)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/-/refresh", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK || calls != 2 {
		t.Fatalf("refresh route should re-resolve: status=%d calls=%d", resp.StatusCode, calls)
	}
}

func TestRouterServesPatchedIndexFromRoot(t *testing.T) {
	dir := seedRelease(t)
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(`<html><head><base href="/"></head></html>`), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if patched, err := releasecache.PatchBaseHref(afero.NewOsFs(), dir, dir); err != nil || !patched {
		t.Fatalf("patch index: patched=%v err=%v", patched, err)
	}
	app := newTestApp(t, staticSite(t, dir))

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `<html><head><base href="/"></head></html>` {
		t.Fatalf("served index should use the site root as base, got %s", body)
	}

	// 浏览器按 base 解析相对路径后得到的资源地址。
	base, _ := url.Parse("http://localhost/")
	asset := base.ResolveReference(&url.URL{Path: "assets/app.js"})
	resp, err = app.Test(httptest.NewRequest("GET", asset.Path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("asset resolved against served base should exist, got %d", resp.StatusCode)
	}
}

func TestRefreshMapsInvalidReleaseTo502(t *testing.T) {
	dir := seedRelease(t)
	fail := false
	site := NewSite(ReleaseCacheFunc(func(context.Context) (string, error) {
		if fail {
			return "", &release.InvalidReleaseError{ManifestName: "web", RequestedVersion: "latest", Reason: "bad digest"}
		}
		return dir, nil
	}), discardLogger())
	if _, err := site.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	app := newTestApp(t, site)

	fail = true
	resp, err := app.Test(httptest.NewRequest("POST", "/-/refresh", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"invalid_release"`)) {
		t.Fatalf("expected invalid_release error, got %s", body)
	}
	if site.Dir() != dir {
		t.Fatalf("failed refresh must keep serving %s, got %s", dir, site.Dir())
	}
}

func TestRefreshMapsSourceFailureTo502(t *testing.T) {
	site := NewSite(ReleaseCacheFunc(func(context.Context) (string, error) {
		return "", errors.New("connection refused")
	}), discardLogger())
	app := newTestApp(t, site)

	resp, err := app.Test(httptest.NewRequest("POST", "/-/refresh", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusBadGateway || !bytes.Contains(body, []byte(`"release_unavailable"`)) {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := discardLogger()
	site := NewSite(ReleaseCacheFunc(func(context.Context) (string, error) { return "", nil }), logger)

	if _, err := NewApp(AppOptions{Site: site, ListenPort: 1}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 1}); err == nil {
		t.Fatalf("expected error without site")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Site: site}); err == nil {
		t.Fatalf("expected error without port")
	}
}

func TestCleanRequestPath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"/", "index.html", true},
		{"", "index.html", true},
		{"/docs/", "docs/index.html", true},
		{"/a//b.css", "a/b.css", true},
		{"/a/./b.css", "a/b.css", true},
		{"/a/../b", "", false},
		{"/%2e%2e/x", "", false},
		{`/a\b`, "", false},
		{"/%zz", "", false},
	}
	for _, tc := range cases {
		got, ok := cleanRequestPath(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("cleanRequestPath(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func newTestApp(t *testing.T, site *Site) *fiber.App {
	t.Helper()

	app, err := NewApp(AppOptions{
		Logger:     discardLogger(),
		Site:       site,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

// staticSite 返回已解析到 dir 的 Site。
func staticSite(t *testing.T, dir string) *Site {
	t.Helper()
	site := NewSite(ReleaseCacheFunc(func(context.Context) (string, error) { return dir, nil }), discardLogger())
	if _, err := site.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	return site
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// seedRelease 在临时目录下构造 <root>/1.0.0 版本目录，并在其外放置 secret.txt。
func seedRelease(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "1.0.0")
	files := map[string]string{
		"index.html":    "<html>home</html>",
		"assets/app.js": "console.log('hi')",
	}
	for name, body := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	return dir
}
