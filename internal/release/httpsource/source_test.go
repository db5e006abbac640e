package httpsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

const tarballBody = "not-really-a-tarball"

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type upstreamStub struct {
	*httptest.Server
	manifest   string
	authHeader string
	hits       map[string]int
}

func newUpstreamStub(t *testing.T, manifest string) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{manifest: manifest, hits: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/web/latest/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		stub.hits[r.URL.Path]++
		stub.authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, stub.manifest)
	})
	mux.HandleFunc("/web/1.4.0/release.tgz", func(w http.ResponseWriter, r *http.Request) {
		stub.hits[r.URL.Path]++
		fmt.Fprint(w, tarballBody)
	})
	mux.HandleFunc("/files/custom.tgz", func(w http.ResponseWriter, r *http.Request) {
		stub.hits[r.URL.Path]++
		fmt.Fprint(w, tarballBody)
	})
	stub.Server = httptest.NewServer(mux)
	t.Cleanup(stub.Close)
	return stub
}

func newTestSource(t *testing.T, endpoint string) *Source {
	t.Helper()
	src, err := New(release.SourceOptions{
		Endpoint: endpoint,
		Token:    "secret",
		TempDir:  t.TempDir(),
	})
	require.NoError(t, err)
	return src
}

func TestDownloadReleaseValid(t *testing.T) {
	manifest := fmt.Sprintf(`{"name":"web","manifestVersion":"1.4.0","version":"1.4","sha256":"%s"}`, digestOf(tarballBody))
	stub := newUpstreamStub(t, manifest)
	src := newTestSource(t, stub.URL)

	dl, err := src.DownloadRelease(context.Background(), "web", release.Latest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Cleanup() })

	require.True(t, dl.Validity.IsValid, dl.Validity.Reason)
	require.Equal(t, "1.4.0", dl.Manifest.ManifestVersion)
	require.Equal(t, manifest, dl.Manifest.String())
	require.Equal(t, "Bearer secret", stub.authHeader)
	require.Equal(t, 1, stub.hits["/web/1.4.0/release.tgz"])

	data, err := os.ReadFile(dl.Tarball)
	require.NoError(t, err)
	require.Equal(t, tarballBody, string(data))
}

func TestDownloadReleaseRelativeTarball(t *testing.T) {
	manifest := fmt.Sprintf(`{"name":"web","manifestVersion":"1.4.0","tarball":"/files/custom.tgz","sha256":"%s"}`, digestOf(tarballBody))
	stub := newUpstreamStub(t, manifest)
	src := newTestSource(t, stub.URL)

	dl, err := src.DownloadRelease(context.Background(), "web", release.Latest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Cleanup() })

	require.True(t, dl.Validity.IsValid)
	require.Equal(t, 1, stub.hits["/files/custom.tgz"])
	require.Zero(t, stub.hits["/web/1.4.0/release.tgz"])
}

func TestDownloadReleaseDigestMismatchIsInvalid(t *testing.T) {
	manifest := fmt.Sprintf(`{"name":"web","manifestVersion":"1.4.0","sha256":"%s"}`, digestOf("something else"))
	stub := newUpstreamStub(t, manifest)
	src := newTestSource(t, stub.URL)

	dl, err := src.DownloadRelease(context.Background(), "web", release.Latest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Cleanup() })

	require.False(t, dl.Validity.IsValid)
	require.Contains(t, dl.Validity.Reason, "sha256 mismatch")
}

func TestDownloadReleaseNameMismatchIsInvalid(t *testing.T) {
	manifest := fmt.Sprintf(`{"name":"other","manifestVersion":"1.4.0","sha256":"%s"}`, digestOf(tarballBody))
	stub := newUpstreamStub(t, manifest)
	src := newTestSource(t, stub.URL)

	dl, err := src.DownloadRelease(context.Background(), "web", release.Latest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Cleanup() })

	require.False(t, dl.Validity.IsValid)
}

func TestDownloadReleaseStatusError(t *testing.T) {
	stub := newUpstreamStub(t, "{}")
	src := newTestSource(t, stub.URL)

	_, err := src.DownloadRelease(context.Background(), "web", "9.9.9")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New(release.SourceOptions{})
	require.Error(t, err)

	_, err = New(release.SourceOptions{Endpoint: "ftp://example.com"})
	require.Error(t, err)
}

func TestRegisteredInRegistry(t *testing.T) {
	_, ok := release.Resolve(Kind)
	require.True(t, ok)
}
