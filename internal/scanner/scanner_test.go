package scanner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
)

func testScanner(token string) *Scanner {
	opts := depothttp.DefaultOptions()
	opts.RetryAttempts = 0
	return New(Options{Client: depothttp.NewClient(opts), Token: token})
}

const lineageBuilds = `[
  {"version": "21.0", "date": "2024-03-01", "datetime": 1709251200, "files": [
    {"filename": "lineage-21.0-20240301-nightly-nx_tab-signed.zip", "url": "https://mirror/lineage-21.zip", "size": 1048576000, "sha256": "ABCDEF"},
    {"filename": "boot.img", "url": "https://mirror/boot.img", "size": 67108864},
    {"filename": "super_empty.img", "url": "https://mirror/super_empty.img", "size": "4096"}
  ]},
  {"version": "20.0", "date": "2023-12-01", "files": [
    {"filename": "boot.img", "url": "https://mirror/boot-20.img", "size": 1}
  ]},
  {"version": "22.1", "date": "20250110", "files": [
    {"filename": "lineage-22.1-20250110-nightly-nx_tab-signed.zip", "url": "https://mirror/lineage-22.zip", "size": 2000}
  ]}
]`

func TestScanLineageAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(lineageBuilds))
	}))
	defer server.Close()

	src := SourceConfig{ID: "lineage-tab", Kind: KindLineageAPI, Family: build.FamilyLineage, Variant: "Tablet", URL: server.URL}
	res, err := testScanner("").Scan(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped, "build without a lineage zip is skipped")
	require.Len(t, res.Entries, 2)

	newest := res.Entries[0]
	assert.Equal(t, "22.1", newest.Version)

	e := res.Entries[1]
	assert.Equal(t, "21.0", e.Version)
	assert.Equal(t, "lineage-21.0-20240301-nightly-nx_tab-signed.zip", e.Name)
	assert.Equal(t, "lineageos/tablet/lineage-21.0-20240301-nightly-nx_tab-signed.zip", e.ID)
	assert.Equal(t, "lineage-tab", e.SourceID)
	assert.Equal(t, build.FamilyLineage, e.Family)
	assert.Equal(t, int64(1048576000), e.SizeBytes)
	assert.Equal(t, "sha256:abcdef", e.Checksum)
	assert.Equal(t, time.Unix(1709251200, 0).UTC(), e.PublishedAt)
	require.Len(t, e.Assets, 3)

	asset, ok := e.Asset("super_empty.img")
	require.True(t, ok)
	assert.Equal(t, int64(4096), asset.SizeBytes)
}

func TestScanMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "an array"`))
	}))
	defer server.Close()

	src := SourceConfig{ID: "broken", Kind: KindLineageAPI, Family: build.FamilyLineage, URL: server.URL}
	_, err := testScanner("").Scan(context.Background(), src)
	require.ErrorIs(t, err, ErrMalformedResponse)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "broken", srcErr.SourceID)
}

func TestScanLineageSkipsUndecodableBuild(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"version": 21, "files": []},
			{"version": "22.1", "datetime": 1736467200, "files": [
				{"filename": "lineage-22.1-20250110-nightly-nx_tab-signed.zip", "url": "https://mirror/lineage-22.zip", "size": 2000}
			]}
		]`))
	}))
	defer server.Close()

	src := SourceConfig{ID: "lineage-tab", Kind: KindLineageAPI, Family: build.FamilyLineage, Variant: "Tablet", URL: server.URL}
	res, err := testScanner("").Scan(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, "22.1", res.Entries[0].Version)
	assert.Equal(t, 1, res.Skipped)
}

func TestScanGitHubSkipsUndecodableRepo(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name": 5}, {"name": "14.0.0-arm64", "url": "%s/r/14"}]`, server.URL)
	})
	mux.HandleFunc("/r/14/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tag_name": "20240612", "assets": [
			{"name": "MindTheGapps-14.0.0-arm64-20240612.zip", "browser_download_url": "https://dl/x.zip", "size": 10}
		]}`))
	})

	src := SourceConfig{ID: "mtg", Kind: KindGitHubReleases, Family: build.FamilyGapps, URL: server.URL + "/repos", Suffix: "arm64"}
	res, err := testScanner("").Scan(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, "14", res.Entries[0].Version)
	assert.Equal(t, 1, res.Skipped)
}

func TestScanGitHubRepoListNotArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	src := SourceConfig{ID: "mtg", Kind: KindGitHubReleases, Family: build.FamilyGapps, URL: server.URL, Suffix: "arm64"}
	_, err := testScanner("").Scan(context.Background(), src)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestScanErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		want   error
	}{
		{"rate limited 429", http.StatusTooManyRequests, nil, ErrRateLimited},
		{"rate limited 403", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, ErrRateLimited},
		{"not found", http.StatusNotFound, nil, ErrSourceUnavailable},
		{"server error", http.StatusBadGateway, nil, ErrSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			src := SourceConfig{ID: "s", Kind: KindLineageAPI, Family: build.FamilyLineage, URL: server.URL}
			_, err := testScanner("").Scan(context.Background(), src)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestScanUnknownKind(t *testing.T) {
	_, err := testScanner("").Scan(context.Background(), SourceConfig{ID: "x", Kind: "ftp"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestScanGitHubReleases(t *testing.T) {
	var authed atomic.Int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/orgs/MindTheGapps/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "token pat" {
			authed.Add(1)
		}
		assert.Equal(t, "application/vnd.github.v3+json", r.Header.Get("Accept"))
		fmt.Fprintf(w, `[
			{"name": "14.0.0-arm64", "url": "%[1]s/repos/14.0.0-arm64"},
			{"name": "14.0.0-arm64-ATV", "url": "%[1]s/repos/14.0.0-arm64-ATV"},
			{"name": "13.0.0-arm64", "url": "%[1]s/repos/13.0.0-arm64"},
			{"name": "15.0.0-arm64", "url": "%[1]s/repos/15.0.0-arm64"},
			{"name": "vendor_gapps", "url": "%[1]s/repos/vendor_gapps"}
		]`, server.URL)
	})
	mux.HandleFunc("/repos/14.0.0-arm64/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "token pat" {
			authed.Add(1)
		}
		w.Write([]byte(`{"tag_name": "20240612", "published_at": "2024-06-12T10:00:00Z", "assets": [
			{"name": "MindTheGapps-14.0.0-arm64-20240612.zip.md5", "browser_download_url": "https://dl/x.md5", "size": 32},
			{"name": "MindTheGapps-14.0.0-arm64-20240612.zip", "browser_download_url": "https://dl/x.zip", "size": 123456}
		]}`))
	})
	mux.HandleFunc("/repos/13.0.0-arm64/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tag_name": "20230101", "assets": []}`))
	})
	mux.HandleFunc("/repos/15.0.0-arm64/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	src := SourceConfig{
		ID:            "mtg-tablet",
		Kind:          KindGitHubReleases,
		Family:        build.FamilyGapps,
		Variant:       "Tablet",
		URL:           server.URL + "/orgs/MindTheGapps/repos",
		Suffix:        "arm64",
		Authenticated: true,
	}
	res, err := testScanner("pat").Scan(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.Equal(t, "14", e.Version)
	assert.Equal(t, build.FamilyGapps, e.Family)
	assert.Equal(t, "MindTheGapps-14.0.0-arm64-20240612.zip", e.Name)
	assert.Equal(t, "https://dl/x.zip", e.DownloadURL)
	assert.Equal(t, int64(123456), e.SizeBytes)
	assert.Equal(t, 2, res.Skipped, "release without zip and missing release")
	assert.Equal(t, int32(2), authed.Load())
}

func TestScanGitHubRateLimitedRelease(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name": "14.0.0-arm64", "url": "%s/r/14"}]`, server.URL)
	})
	mux.HandleFunc("/r/14/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	src := SourceConfig{ID: "mtg", Kind: KindGitHubReleases, Family: build.FamilyGapps, URL: server.URL + "/repos", Suffix: "arm64"}
	_, err := testScanner("").Scan(context.Background(), src)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestMatchRepo(t *testing.T) {
	tests := []struct {
		name, suffix, version string
		ok                    bool
	}{
		{"14.0.0-arm64", "arm64", "14", true},
		{"14.0.0-arm64-ATV", "arm64-ATV", "14", true},
		{"14.0.0-arm64-ATV", "arm64", "", false},
		{"14.0.0-arm64", "arm64-ATV", "", false},
		{"vendor-arm64", "arm64", "", false},
		{"14.0.0-arm64", "", "", false},
	}
	for _, tt := range tests {
		version, ok := matchRepo(tt.name, tt.suffix)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.version, version, tt.name)
	}
}

func TestScanStaticIndex(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	page := `<html><body>
<a href="../">Parent</a>
<a href="switchroot-ubuntu-noble-5.1.2-2025-01-11.7z">noble</a>
<a href="/ubuntu-noble/switchroot-ubuntu-noble-5.1.1-2024-10-02.7z">noble-old</a>
<a href="%s/mirror/switchroot-ubuntu-noble-5.0.0-2024-06-01.7z">noble-mirror</a>
<a href="switchroot-ubuntu-noble-5.1.2-2025-01-11.7z">dup</a>
</body></html>`

	mux.HandleFunc("/ubuntu-noble/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4096")
			return
		}
		fmt.Fprintf(w, page, server.URL)
	})
	mux.HandleFunc("/mirror/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	src := SourceConfig{
		ID:             "ubuntu-noble",
		Kind:           KindStaticIndex,
		Family:         build.FamilyLinux,
		Variant:        "Ubuntu Noble",
		URL:            server.URL + "/ubuntu-noble/",
		VersionPattern: `(\d+\.\d+\.\d+)`,
	}
	res, err := testScanner("").Scan(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	byVersion := map[string]build.BuildEntry{}
	for _, e := range res.Entries {
		byVersion[e.Version] = e
	}

	assert.Equal(t, "5.1.2", res.Entries[0].Version)
	assert.Equal(t, server.URL+"/ubuntu-noble/switchroot-ubuntu-noble-5.1.2-2025-01-11.7z", byVersion["5.1.2"].DownloadURL)
	assert.Equal(t, server.URL+"/ubuntu-noble/switchroot-ubuntu-noble-5.1.1-2024-10-02.7z", byVersion["5.1.1"].DownloadURL)
	assert.Equal(t, server.URL+"/mirror/switchroot-ubuntu-noble-5.0.0-2024-06-01.7z", byVersion["5.0.0"].DownloadURL)

	assert.Equal(t, int64(4096), byVersion["5.1.2"].SizeBytes, "size probed with HEAD")
	assert.Equal(t, int64(0), byVersion["5.0.0"].SizeBytes, "failed probe leaves size unknown")
	assert.True(t, strings.HasPrefix(byVersion["5.1.2"].ID, "linux/ubuntu-noble/"))
}

func TestScanStaticIndexInvalidPattern(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	src := SourceConfig{ID: "bad", Kind: KindStaticIndex, Family: build.FamilyLinux, URL: server.URL, Pattern: "("}
	_, err := testScanner("").Scan(context.Background(), src)
	assert.Error(t, err)
}
