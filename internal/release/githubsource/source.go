// Package githubsource 将 GitHub Releases 作为发布源：release tag 即版本，
// tarball 与可选的 manifest.json / *.sha256 以 release asset 形式存在。
package githubsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"

	"github.com/SecureMessaging/euara-bs/internal/release"
)

// Kind 是配置中 Source.Type 的取值。
const Kind = "github"

const (
	manifestAssetName = "manifest.json"
	checksumSuffix    = ".sha256"
	assetLimit        = 1 << 20
)

func init() {
	release.MustRegister(Kind, func(opts release.SourceOptions) (release.Source, error) {
		return New(opts)
	})
}

// ReleaseService is the subset of github.RepositoriesService used by Source.
type ReleaseService interface {
	GetLatestRelease(ctx context.Context, owner, repo string) (*github.RepositoryRelease, *github.Response, error)
	GetReleaseByTag(ctx context.Context, owner, repo, tag string) (*github.RepositoryRelease, *github.Response, error)
	DownloadReleaseAsset(ctx context.Context, owner, repo string, id int64, followRedirectsClient *http.Client) (io.ReadCloser, string, error)
}

// Source 从 Owner/Repo 的 GitHub Releases 拉取发布物。
type Source struct {
	owner    string
	repo     string
	tempDir  string
	releases ReleaseService
	client   *http.Client
}

// New 构造 GitHub 发布源。Token 非空时通过 oauth2 注入鉴权，Endpoint 可覆盖 API 地址。
func New(opts release.SourceOptions) (*Source, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, errors.New("github source: owner and repo are required")
	}

	// assetClient 只用于跟随 asset 下载重定向，不携带 token。
	assetClient := opts.Client
	if assetClient == nil {
		assetClient = http.DefaultClient
	}
	apiClient := assetClient
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, assetClient)
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		apiClient = oauth2.NewClient(ctx, tokenSource)
	}

	client := github.NewClient(apiClient)
	if opts.Endpoint != "" {
		base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github source: %w", err)
		}
		client.BaseURL = base
	}

	return NewWithService(opts.Owner, opts.Repo, opts.TempDir, client.Repositories, assetClient), nil
}

// NewWithService 允许注入自定义 ReleaseService，便于测试。
// client 用于跟随 asset 重定向到存储域名，不应携带 GitHub token。
func NewWithService(owner, repo, tempDir string, releases ReleaseService, client *http.Client) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{
		owner:    owner,
		repo:     repo,
		tempDir:  tempDir,
		releases: releases,
		client:   client,
	}
}

// DownloadRelease 解析 release、下载 tarball asset 并给出校验结论。
func (s *Source) DownloadRelease(ctx context.Context, manifestName, version string) (*release.Download, error) {
	rel, err := s.lookup(ctx, version)
	if err != nil {
		return nil, err
	}

	manifest, err := s.manifest(ctx, rel, manifestName)
	if err != nil {
		return nil, err
	}

	tarball := findTarball(rel.Assets, manifest.Tarball)
	if tarball == nil {
		return nil, fmt.Errorf("github release %s has no tarball asset", rel.GetTagName())
	}
	if manifest.SHA256 == "" {
		if sum := findAsset(rel.Assets, tarball.GetName()+checksumSuffix); sum != nil {
			digest, err := s.readSmallAsset(ctx, sum)
			if err != nil {
				return nil, err
			}
			manifest.SHA256 = firstField(string(digest))
		}
	}

	body, _, err := s.releases.DownloadReleaseAsset(ctx, s.owner, s.repo, tarball.GetID(), s.client)
	if err != nil {
		return nil, fmt.Errorf("download asset %s: %w", tarball.GetName(), err)
	}
	defer body.Close()

	path, digest, err := release.FetchToTemp(ctx, body, s.tempDir, "euara-release-*.tgz")
	if err != nil {
		return nil, fmt.Errorf("download asset %s: %w", tarball.GetName(), err)
	}

	validity := release.Verify(manifest, digest)
	if rel.GetDraft() {
		validity = release.Validity{Reason: "draft releases are not installable"}
	}

	return &release.Download{
		Manifest: manifest,
		Tarball:  path,
		Validity: validity,
	}, nil
}

func (s *Source) lookup(ctx context.Context, version string) (*github.RepositoryRelease, error) {
	var (
		rel *github.RepositoryRelease
		err error
	)
	if version == release.Latest {
		rel, _, err = s.releases.GetLatestRelease(ctx, s.owner, s.repo)
	} else {
		rel, _, err = s.releases.GetReleaseByTag(ctx, s.owner, s.repo, version)
		if err != nil {
			if alt := alternateTag(version); alt != "" {
				if altRel, _, altErr := s.releases.GetReleaseByTag(ctx, s.owner, s.repo, alt); altErr == nil {
					rel, err = altRel, nil
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, fmt.Errorf("github release %s/%s@%s not found", s.owner, s.repo, version)
	}
	return rel, nil
}

// manifest 优先使用 release 中的 manifest.json asset，否则根据 tag 合成。
func (s *Source) manifest(ctx context.Context, rel *github.RepositoryRelease, manifestName string) (release.Manifest, error) {
	if asset := findAsset(rel.Assets, manifestAssetName); asset != nil {
		data, err := s.readSmallAsset(ctx, asset)
		if err != nil {
			return release.Manifest{}, err
		}
		return release.ParseManifest(data)
	}

	tag := rel.GetTagName()
	display := rel.GetName()
	if display == "" {
		display = tag
	}
	return release.Manifest{
		Name:            manifestName,
		ManifestVersion: strings.TrimPrefix(tag, "v"),
		Version:         display,
		Notes:           rel.GetBody(),
	}, nil
}

func (s *Source) readSmallAsset(ctx context.Context, asset *github.ReleaseAsset) ([]byte, error) {
	body, _, err := s.releases.DownloadReleaseAsset(ctx, s.owner, s.repo, asset.GetID(), s.client)
	if err != nil {
		return nil, fmt.Errorf("download asset %s: %w", asset.GetName(), err)
	}
	defer body.Close()
	return io.ReadAll(io.LimitReader(body, assetLimit))
}

func findAsset(assets []*github.ReleaseAsset, name string) *github.ReleaseAsset {
	for _, asset := range assets {
		if asset.GetName() == name {
			return asset
		}
	}
	return nil
}

func findTarball(assets []*github.ReleaseAsset, preferred string) *github.ReleaseAsset {
	if preferred != "" {
		return findAsset(assets, preferred)
	}
	for _, asset := range assets {
		name := asset.GetName()
		if strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar.gz") {
			return asset
		}
	}
	return nil
}

// firstField 兼容 `sha256sum` 输出格式：“<digest>  <file>”。
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// alternateTag 在 "1.2.0" 与 "v1.2.0" 两种 tag 写法之间切换；非语义化版本返回空串。
func alternateTag(version string) string {
	if bare, ok := strings.CutPrefix(version, "v"); ok {
		if _, err := semver.StrictNewVersion(bare); err == nil {
			return bare
		}
		return ""
	}
	if _, err := semver.StrictNewVersion(version); err == nil {
		return "v" + version
	}
	return ""
}
