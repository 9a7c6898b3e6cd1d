package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
)

// githubReleases lists an organisation's repositories and reads the latest
// release of each repository matching "{version}...-{suffix}". MindTheGapps
// publishes one repository per Android version and architecture this way
// ("14.0.0-arm64", "14.0.0-arm64-ATV").
type githubReleases struct{}

var repoVersion = regexp.MustCompile(`^(\d+)(\.\d+)*$`)

type githubRepo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

func githubHeaders() depothttp.RequestOption {
	return depothttp.WithHeader("Accept", "application/vnd.github.v3+json")
}

func (githubReleases) FetchRaw(ctx context.Context, fetch FetchFunc, src SourceConfig) ([]Document, error) {
	body, err := fetch(ctx, src.URL, githubHeaders())
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("decode repository list: %v", err)
	}

	var docs []Document
	for _, elem := range raw {
		var repo githubRepo
		if err := json.Unmarshal(elem, &repo); err != nil {
			// Parse counts it as skipped.
			docs = append(docs, Document{URL: src.URL, Err: malformed("decode repository: %v", err)})
			continue
		}
		version, ok := matchRepo(repo.Name, src.Suffix)
		if !ok || repo.URL == "" {
			continue
		}

		releaseURL := strings.TrimSuffix(repo.URL, "/") + "/releases/latest"
		body, err := fetch(ctx, releaseURL, githubHeaders())
		if err != nil {
			// A rate limit applies to every remaining request, so stop here.
			if errors.Is(err, depothttp.ErrRateLimited) || ctx.Err() != nil {
				return nil, err
			}
			docs = append(docs, Document{URL: releaseURL, Err: err})
			continue
		}
		docs = append(docs, Document{
			URL:  releaseURL,
			Body: body,
			Meta: map[string]string{"repo": repo.Name, "version": version},
		})
	}
	return docs, nil
}

// matchRepo reports whether name is "{version}-{suffix}" and returns the
// major version.
func matchRepo(name, suffix string) (string, bool) {
	if suffix == "" {
		return "", false
	}
	prefix, ok := strings.CutSuffix(name, "-"+suffix)
	if !ok {
		return "", false
	}
	m := repoVersion.FindStringSubmatch(prefix)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (githubReleases) Parse(src SourceConfig, docs []Document) ([]build.BuildEntry, int, error) {
	var (
		entries []build.BuildEntry
		skipped int
	)
	for _, doc := range docs {
		if doc.Err != nil {
			skipped++
			continue
		}

		var rel githubRelease
		if err := json.Unmarshal(doc.Body, &rel); err != nil {
			skipped++
			continue
		}

		asset, ok := firstZip(rel.Assets)
		if !ok {
			skipped++
			continue
		}

		entries = append(entries, build.BuildEntry{
			Variant:     src.Variant,
			Name:        asset.Name,
			Version:     doc.Meta["version"],
			DownloadURL: asset.BrowserDownloadURL,
			SizeBytes:   asset.Size,
			PublishedAt: rel.PublishedAt,
		})
	}
	return entries, skipped, nil
}

func firstZip(assets []githubAsset) (githubAsset, bool) {
	for _, a := range assets {
		if strings.HasSuffix(strings.ToLower(a.Name), ".zip") && a.BrowserDownloadURL != "" {
			return a, true
		}
	}
	return githubAsset{}, false
}
