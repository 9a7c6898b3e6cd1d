package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	"github.com/sthetix/SwitchrootDepot/internal/metrics"
	"github.com/sthetix/SwitchrootDepot/internal/scanner"
)

// ErrAllSourcesUnavailable is returned when every source failed and no
// cached snapshot exists.
var ErrAllSourcesUnavailable = errors.New("catalog: all sources unavailable")

// Scanner queries one source.
type Scanner interface {
	Scan(ctx context.Context, src scanner.SourceConfig) (scanner.Result, error)
}

// Options configures a Catalog.
type Options struct {
	// Sources are the configured catalog endpoints.
	Sources []scanner.SourceConfig

	// Scanner queries sources. Required.
	Scanner Scanner

	// Store persists snapshots. Nil keeps the catalog in memory only.
	Store Store

	// TTL is how long a snapshot is served without network calls.
	// Default: 24h
	TTL time.Duration

	// ScanTimeout bounds each source scan.
	// Default: 60s
	ScanTimeout time.Duration

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Catalog is the TTL-cached aggregate of all sources. It is safe for
// concurrent use.
type Catalog struct {
	opts    Options
	ids     []string
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time

	current  atomic.Pointer[Snapshot]
	loadOnce sync.Once
	mu       sync.Mutex // serializes refreshes
}

// New creates a catalog. The persisted snapshot is loaded lazily on the
// first Get.
func New(opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	ids := make([]string, len(opts.Sources))
	for i, src := range opts.Sources {
		ids[i] = src.ID
	}

	return &Catalog{
		opts:    opts,
		ids:     ids,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Get returns the current snapshot. A snapshot younger than the TTL that
// covers every configured source is returned without network calls unless
// force is set. Otherwise every source is rescanned.
func (c *Catalog) Get(ctx context.Context, force bool) (*Snapshot, error) {
	// The load runs once, so a cancelled first caller must not abort it.
	c.loadOnce.Do(func() { c.load(context.WithoutCancel(ctx)) })

	if snap := c.current.Load(); !force && c.fresh(snap) {
		return snap, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if snap := c.current.Load(); !force && c.fresh(snap) {
		return snap, nil
	}
	return c.refresh(ctx)
}

// Current returns the snapshot in memory without loading or scanning.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

func (c *Catalog) fresh(snap *Snapshot) bool {
	return snap != nil && snap.Age(c.now()) < c.opts.TTL && snap.Covers(c.ids)
}

func (c *Catalog) load(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	snap, err := c.opts.Store.Load(ctx)
	switch {
	case errors.Is(err, ErrCacheMiss):
		c.logger.Debug("no cached catalog", zap.Error(err))
	case err != nil:
		c.logger.Warn("could not load cached catalog", zap.Error(err))
	default:
		c.logger.Debug("loaded cached catalog",
			zap.Time("fetched_at", snap.FetchedAt),
			zap.Int("entries", snap.Count()))
		c.current.Store(snap)
	}
}

type scanResult struct {
	result scanner.Result
	err    error
}

// refresh scans every source concurrently and merges the results.
func (c *Catalog) refresh(ctx context.Context) (*Snapshot, error) {
	prev := c.current.Load()
	results := c.scanAll(ctx)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := &Snapshot{
		Format:    snapshotFormat,
		Sources:   make(map[string][]build.BuildEntry, len(c.opts.Sources)),
		FetchedAt: c.now(),
	}

	var errs []error
	for i, src := range c.opts.Sources {
		r := results[i]
		if r.err == nil {
			next.Sources[src.ID] = r.result.Entries
			continue
		}

		errs = append(errs, r.err)
		next.Stale = append(next.Stale, src.ID)
		if prev != nil {
			if entries, ok := prev.Sources[src.ID]; ok {
				next.Sources[src.ID] = entries
				c.logger.Warn("source failed, keeping cached entries",
					zap.String("source", src.ID), zap.Int("entries", len(entries)), zap.Error(r.err))
				continue
			}
		}
		c.logger.Warn("source failed", zap.String("source", src.ID), zap.Error(r.err))
	}
	sort.Strings(next.Stale)

	if len(c.opts.Sources) > 0 && len(errs) == len(c.opts.Sources) {
		if prev == nil {
			return nil, fmt.Errorf("%w: %w", ErrAllSourcesUnavailable, errors.Join(errs...))
		}
		// Serve the old snapshot as stale; it is not persisted so the next
		// run tries again.
		c.logger.Warn("all sources failed, serving cached catalog", zap.Time("fetched_at", prev.FetchedAt))
		stale := prev.withStale(next.Stale)
		c.current.Store(stale)
		return stale, nil
	}

	c.current.Store(next)
	c.logger.Info("catalog refreshed",
		zap.Int("sources", len(next.Sources)),
		zap.Int("entries", next.Count()),
		zap.Strings("stale", next.Stale))

	if c.opts.Store != nil {
		if err := c.opts.Store.Save(ctx, next); err != nil {
			c.logger.Warn("could not persist catalog", zap.Error(err))
		}
	}
	return next, nil
}

// scanAll scans every source concurrently and returns once all of them
// have reported or timed out.
func (c *Catalog) scanAll(ctx context.Context) []scanResult {
	results := make([]scanResult, len(c.opts.Sources))

	var wg sync.WaitGroup
	for i, src := range c.opts.Sources {
		wg.Add(1)
		go func(i int, src scanner.SourceConfig) {
			defer wg.Done()

			scanCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
			defer cancel()

			start := time.Now()
			res, err := c.opts.Scanner.Scan(scanCtx, src)
			c.metrics.RecordSourceScan(src.ID, outcome(err), time.Since(start))
			results[i] = scanResult{result: res, err: err}
		}(i, src)
	}
	wg.Wait()

	return results
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, scanner.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, scanner.ErrMalformedResponse):
		return "malformed"
	default:
		return "unavailable"
	}
}
