// Package httpsource 实现基于静态 HTTP 目录的发布源：
//
//	{Endpoint}/{manifest}/{version}/manifest.json
//	{Endpoint}/{manifest}/{manifestVersion}/release.tgz
//
// version 可以是 latest，服务端自行决定其指向。
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

// Kind 是配置中 Source.Type 的取值。
const Kind = "http"

// manifestLimit 限制 manifest 正文大小，避免异常响应占满内存。
const manifestLimit = 1 << 20

func init() {
	release.MustRegister(Kind, func(opts release.SourceOptions) (release.Source, error) {
		return New(opts)
	})
}

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s (%d)", e.URL, http.StatusText(e.StatusCode), e.StatusCode)
}

// Source 通过共享 http.Client 访问发布服务器。
type Source struct {
	base    *url.URL
	token   string
	tempDir string
	client  *http.Client
}

// New 校验 Endpoint 并构造发布源；Client 为空时使用 http.DefaultClient。
func New(opts release.SourceOptions) (*Source, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("http source: endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http source: unsupported scheme %q", base.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{
		base:    base,
		token:   opts.Token,
		tempDir: opts.TempDir,
		client:  client,
	}, nil
}

// DownloadRelease 拉取 manifest 与 tarball，并根据 sha256 给出校验结论。
func (s *Source) DownloadRelease(ctx context.Context, manifestName, version string) (*release.Download, error) {
	manifestURL := s.base.JoinPath(manifestName, version, "manifest.json")
	body, err := s.get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(body, manifestLimit))
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	manifest, err := release.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	tarballURL, err := s.tarballURL(manifestURL, manifestName, manifest)
	if err != nil {
		return nil, err
	}
	tarBody, err := s.get(ctx, tarballURL)
	if err != nil {
		return nil, err
	}
	defer tarBody.Close()

	path, digest, err := release.FetchToTemp(ctx, tarBody, s.tempDir, "euara-release-*.tgz")
	if err != nil {
		return nil, fmt.Errorf("download tarball: %w", err)
	}

	validity := release.Verify(manifest, digest)
	if validity.IsValid && manifest.Name != "" && manifest.Name != manifestName {
		validity = release.Validity{Reason: fmt.Sprintf("manifest name %q does not match %q", manifest.Name, manifestName)}
	}

	return &release.Download{
		Manifest: manifest,
		Tarball:  path,
		Validity: validity,
	}, nil
}

func (s *Source) tarballURL(manifestURL *url.URL, manifestName string, m release.Manifest) (*url.URL, error) {
	if ref := strings.TrimSpace(m.Tarball); ref != "" {
		parsed, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("manifest tarball reference: %w", err)
		}
		return manifestURL.ResolveReference(parsed), nil
	}
	return s.base.JoinPath(manifestName, m.ManifestVersion, "release.tgz"), nil
}

func (s *Source) get(ctx context.Context, target *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, manifestLimit))
		resp.Body.Close()
		return nil, &StatusError{URL: target.String(), StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
