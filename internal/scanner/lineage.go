package scanner

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
)

// lineageAPI reads the LineageOS download API: a JSON array of builds, each
// listing its files.
type lineageAPI struct{}

type lineageBuild struct {
	Version  string        `json:"version"`
	Date     string        `json:"date"`
	Datetime int64         `json:"datetime"`
	Files    []lineageFile `json:"files"`
}

type lineageFile struct {
	Filename string      `json:"filename"`
	URL      string      `json:"url"`
	Size     json.Number `json:"size"`
	SHA256   string      `json:"sha256"`
}

func (lineageAPI) FetchRaw(ctx context.Context, fetch FetchFunc, src SourceConfig) ([]Document, error) {
	body, err := fetch(ctx, src.URL, depothttp.WithHeader("Accept", "application/json"))
	if err != nil {
		return nil, err
	}
	return []Document{{URL: src.URL, Body: body}}, nil
}

func (lineageAPI) Parse(src SourceConfig, docs []Document) ([]build.BuildEntry, int, error) {
	primary := src.Primary
	if primary == "" {
		primary = "lineage-*.zip"
	}

	var (
		entries []build.BuildEntry
		skipped int
	)
	for _, doc := range docs {
		var raw []json.RawMessage
		if err := json.Unmarshal(doc.Body, &raw); err != nil {
			return nil, 0, malformed("decode %s: %v", doc.URL, err)
		}

		// A build that does not decode is skipped, not fatal to the source.
		for _, elem := range raw {
			var b lineageBuild
			if err := json.Unmarshal(elem, &b); err != nil {
				skipped++
				continue
			}
			entry, ok := lineageEntry(b, primary)
			if !ok {
				skipped++
				continue
			}
			entry.Variant = src.Variant
			entries = append(entries, entry)
		}
	}
	return entries, skipped, nil
}

func lineageEntry(b lineageBuild, primary string) (build.BuildEntry, bool) {
	if b.Version == "" {
		return build.BuildEntry{}, false
	}

	entry := build.BuildEntry{
		Version:     b.Version,
		PublishedAt: lineageTime(b),
	}

	for _, f := range b.Files {
		size, err := f.Size.Int64()
		if f.Filename == "" || f.URL == "" || err != nil {
			return build.BuildEntry{}, false
		}
		asset := build.Asset{
			Name:      f.Filename,
			URL:       f.URL,
			SizeBytes: size,
			Checksum:  sha256Checksum(f.SHA256),
		}
		entry.Assets = append(entry.Assets, asset)

		if ok, _ := path.Match(primary, f.Filename); ok && entry.Name == "" {
			entry.Name = asset.Name
			entry.DownloadURL = asset.URL
			entry.SizeBytes = asset.SizeBytes
			entry.Checksum = asset.Checksum
		}
	}

	return entry, entry.Name != ""
}

func lineageTime(b lineageBuild) time.Time {
	if b.Datetime > 0 {
		return time.Unix(b.Datetime, 0).UTC()
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, b.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

func sha256Checksum(sum string) string {
	sum = strings.ToLower(strings.TrimSpace(sum))
	if sum == "" {
		return ""
	}
	return "sha256:" + sum
}
