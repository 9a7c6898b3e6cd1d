package scanner

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"

	"github.com/sthetix/SwitchrootDepot/internal/build"
)

// DefaultIndexPattern matches archive and image links on a directory index.
const DefaultIndexPattern = `href="([^"?#]+\.(?:7z|zip|img|xz|gz))"`

// staticIndex scrapes an HTML directory listing.
type staticIndex struct{}

func (staticIndex) FetchRaw(ctx context.Context, fetch FetchFunc, src SourceConfig) ([]Document, error) {
	body, err := fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	return []Document{{URL: src.URL, Body: body}}, nil
}

func (staticIndex) Parse(src SourceConfig, docs []Document) ([]build.BuildEntry, int, error) {
	pattern := src.Pattern
	if pattern == "" {
		pattern = DefaultIndexPattern
	}
	linkRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("scanner: invalid pattern for %s: %w", src.ID, err)
	}
	var versionRe *regexp.Regexp
	if src.VersionPattern != "" {
		if versionRe, err = regexp.Compile(src.VersionPattern); err != nil {
			return nil, 0, fmt.Errorf("scanner: invalid version pattern for %s: %w", src.ID, err)
		}
	}

	var (
		entries []build.BuildEntry
		skipped int
	)
	for _, doc := range docs {
		base, err := url.Parse(doc.URL)
		if err != nil {
			return nil, 0, malformed("page url %q: %v", doc.URL, err)
		}

		for _, m := range linkRe.FindAllStringSubmatch(string(doc.Body), -1) {
			link := m[0]
			if len(m) > 1 {
				link = m[1]
			}

			ref, err := url.Parse(link)
			if err != nil {
				skipped++
				continue
			}
			abs := base.ResolveReference(ref)
			name := path.Base(abs.Path)
			if name == "." || name == "/" {
				skipped++
				continue
			}

			entries = append(entries, build.BuildEntry{
				Variant:     src.Variant,
				Name:        name,
				Version:     extractVersion(versionRe, name),
				DownloadURL: abs.String(),
			})
		}
	}
	return entries, skipped, nil
}

func extractVersion(re *regexp.Regexp, name string) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(name)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}
