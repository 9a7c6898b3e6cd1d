package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
)

// Scanner errors. Every error returned by Scan wraps exactly one of these.
var (
	ErrSourceUnavailable = errors.New("scanner: source unavailable")
	ErrRateLimited       = errors.New("scanner: rate limited")
	ErrMalformedResponse = errors.New("scanner: malformed response")
	ErrUnknownKind       = errors.New("scanner: unknown source kind")
)

// Source kinds.
const (
	KindLineageAPI     = "lineage-api"
	KindGitHubReleases = "github-releases"
	KindStaticIndex    = "static-index"
)

// SourceConfig describes one remote catalog endpoint.
type SourceConfig struct {
	ID      string       `yaml:"id" json:"id"`
	Kind    string       `yaml:"kind" json:"kind"`
	Family  build.Family `yaml:"family" json:"family"`
	Variant string       `yaml:"variant" json:"variant"`
	URL     string       `yaml:"url" json:"url"`

	// Authenticated sends the configured access token with every request.
	Authenticated bool `yaml:"authenticated,omitempty" json:"authenticated,omitempty"`

	// Suffix selects repositories named "{version}...-{suffix}"
	// (github-releases).
	Suffix string `yaml:"suffix,omitempty" json:"suffix,omitempty"`

	// Pattern extracts file links from an index page (static-index). The
	// first capture group is used when present.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// VersionPattern extracts a version from a file name (static-index).
	VersionPattern string `yaml:"version_pattern,omitempty" json:"version_pattern,omitempty"`

	// Primary is the glob naming the build archive among a build's files
	// (lineage-api). Default: "lineage-*.zip".
	Primary string `yaml:"primary,omitempty" json:"primary,omitempty"`
}

// SourceError attributes a scan failure to its source.
type SourceError struct {
	SourceID string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.SourceID, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Document is one raw response fetched for a source. Err is set for
// sub-documents that could not be fetched; Parse counts them as skipped.
type Document struct {
	URL  string
	Body []byte
	Meta map[string]string
	Err  error
}

// FetchFunc retrieves a document, authenticating when the source asks for it.
type FetchFunc func(ctx context.Context, url string, opts ...depothttp.RequestOption) ([]byte, error)

// Kind is one catalog protocol.
type Kind interface {
	// FetchRaw retrieves every document the source needs.
	FetchRaw(ctx context.Context, fetch FetchFunc, src SourceConfig) ([]Document, error)

	// Parse turns documents into entries. Entries that fail to parse are
	// counted in skipped and do not fail the batch.
	Parse(src SourceConfig, docs []Document) (entries []build.BuildEntry, skipped int, err error)
}

// Kinds returns the built-in source kinds.
func Kinds() map[string]Kind {
	return map[string]Kind{
		KindLineageAPI:     lineageAPI{},
		KindGitHubReleases: githubReleases{},
		KindStaticIndex:    staticIndex{},
	}
}

// Options configures a Scanner.
type Options struct {
	// Client performs all requests. Required.
	Client *depothttp.Client

	// Token is sent to sources marked Authenticated.
	Token string

	// Kinds overrides the built-in source kinds.
	Kinds map[string]Kind

	Logger *zap.Logger
}

// Result is the outcome of scanning one source.
type Result struct {
	Entries []build.BuildEntry
	Skipped int
}

// Scanner queries catalog sources.
type Scanner struct {
	client *depothttp.Client
	token  string
	kinds  map[string]Kind
	logger *zap.Logger
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.Kinds == nil {
		opts.Kinds = Kinds()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scanner{
		client: opts.Client,
		token:  opts.Token,
		kinds:  opts.Kinds,
		logger: opts.Logger,
	}
}

// Scan queries one source and returns its normalized entries. Errors are
// *SourceError values wrapping ErrSourceUnavailable, ErrRateLimited or
// ErrMalformedResponse.
func (s *Scanner) Scan(ctx context.Context, src SourceConfig) (Result, error) {
	kind, ok := s.kinds[src.Kind]
	if !ok {
		return Result{}, &SourceError{SourceID: src.ID, Err: fmt.Errorf("%w: %q", ErrUnknownKind, src.Kind)}
	}

	log := s.logger.With(zap.String("source", src.ID), zap.String("url", src.URL))
	log.Debug("scanning source")

	fetch := func(ctx context.Context, url string, opts ...depothttp.RequestOption) ([]byte, error) {
		if src.Authenticated {
			opts = append(opts, depothttp.WithToken(s.token))
		}
		return s.client.Fetch(ctx, url, opts...)
	}

	docs, err := kind.FetchRaw(ctx, fetch, src)
	if err != nil {
		return Result{}, &SourceError{SourceID: src.ID, Err: classify(err)}
	}

	entries, skipped, err := kind.Parse(src, docs)
	if err != nil {
		return Result{}, &SourceError{SourceID: src.ID, Err: classify(err)}
	}

	entries = s.normalize(ctx, log, src, entries)
	if skipped > 0 {
		log.Warn("skipped unparseable entries", zap.Int("skipped", skipped))
	}
	log.Debug("scanned source", zap.Int("entries", len(entries)))

	return Result{Entries: entries, Skipped: skipped}, nil
}

// normalize stamps source metadata, probes missing sizes, drops duplicate
// IDs and orders entries newest version first.
func (s *Scanner) normalize(ctx context.Context, log *zap.Logger, src SourceConfig, entries []build.BuildEntry) []build.BuildEntry {
	seen := make(map[string]bool, len(entries))
	out := entries[:0]

	for _, e := range entries {
		e.SourceID = src.ID
		e.Family = src.Family
		if e.Variant == "" {
			e.Variant = src.Variant
		}
		e.ID = build.EntryID(e.Family, e.Variant, e.Name)
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true

		if e.SizeBytes <= 0 && e.DownloadURL != "" && ctx.Err() == nil {
			info, err := s.client.Head(ctx, e.DownloadURL, s.authOptions(src)...)
			if err != nil {
				log.Warn("could not probe size", zap.String("file", e.Name), zap.Error(err))
			} else if info.Size > 0 {
				e.SizeBytes = info.Size
			}
		}

		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := build.CompareVersions(out[i].Version, out[j].Version); c != 0 {
			return c > 0
		}
		return out[i].Name > out[j].Name
	})

	return out
}

func (s *Scanner) authOptions(src SourceConfig) []depothttp.RequestOption {
	if !src.Authenticated {
		return nil
	}
	return []depothttp.RequestOption{depothttp.WithToken(s.token)}
}

// classify maps transport and parse errors onto the scanner taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnknownKind):
		return err
	case errors.Is(err, depothttp.ErrRateLimited):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	default:
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
