package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
	"github.com/sthetix/SwitchrootDepot/internal/metrics"
	"github.com/sthetix/SwitchrootDepot/internal/progress"
	"github.com/sthetix/SwitchrootDepot/internal/tempstore"
)

// Engine errors. Every error returned by Download wraps one of these.
var (
	ErrTransferFailed    = errors.New("downloader: transfer failed")
	ErrIntegrityMismatch = errors.New("downloader: integrity mismatch")
	ErrCancelled         = errors.New("downloader: cancelled")
)

// errDegrade sends a transfer back to splitting without range requests.
var errDegrade = errors.New("downloader: ranges not honoured")

// TransferError is returned when a byte range exhausts its retry budget or
// fails with a permanent error.
type TransferError struct {
	JobID    string
	Start    int64 // inclusive
	End      int64 // exclusive; not above Start when the size is unknown
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	span := fmt.Sprintf("bytes [%d, %d)", e.Start, e.End)
	if e.End <= e.Start {
		span = fmt.Sprintf("from byte %d of unknown size", e.Start)
	}
	return fmt.Sprintf("%v: job %s %s after %d attempts: %v",
		ErrTransferFailed, e.JobID, span, e.Attempts, e.Err)
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IntegrityError is returned when the assembled file does not match the
// expected size or checksum. The part file is discarded.
type IntegrityError struct {
	JobID string
	Check string // "size" or "checksum"
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: job %s %s want %s got %s", ErrIntegrityMismatch, e.JobID, e.Check, e.Want, e.Got)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityMismatch
}

// Stage is a step of the per-job state machine:
//
//	Probing -> Splitting -> Transferring -> Assembling -> Verifying -> Done
//
// Transferring alternates with Retrying while a segment backs off, falls
// back to Splitting when a server ignores range requests, and any stage may
// end in Cancelled. Failed is reached from any stage on a permanent error.
type Stage string

const (
	StageProbing      Stage = "probing"
	StageSplitting    Stage = "splitting"
	StageTransferring Stage = "transferring"
	StageRetrying     Stage = "retrying"
	StageAssembling   Stage = "assembling"
	StageVerifying    Stage = "verifying"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// Progress is a throttled snapshot of one job.
type Progress struct {
	JobID    string
	Name     string
	Stage    Stage
	Bytes    int64
	Total    int64 // <= 0 if unknown
	Rate     float64
	InFlight int
}

// Sink receives progress. Implementations must not block.
type Sink interface {
	Progress(Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Progress)

func (f SinkFunc) Progress(p Progress) { f(p) }

type nopSink struct{}

func (nopSink) Progress(Progress) {}

// Options configures the engine.
type Options struct {
	// Client performs all transfers. Default: a client with default options.
	Client *depothttp.Client

	// Store holds part files and resumable state. Required.
	Store *tempstore.Store

	// Connections is the number of segments per file.
	// Default: 8
	Connections int

	// ChunkSize is the read/write buffer size within a segment.
	// Default: 8MiB
	ChunkSize int64

	// MinSegmentSize is the smallest file split into several segments.
	// Default: 5MiB
	MinSegmentSize int64

	// RetryAttempts bounds retries per segment.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial retry delay.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the retry delay.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// SegmentTimeout bounds one segment attempt. Zero disables it.
	SegmentTimeout time.Duration

	// Resumable keeps part files and segment state on cancellation or
	// failure so a later run fetches only the missing ranges.
	Resumable bool

	// ProgressInterval and ProgressBytes throttle progress: an update is
	// sent at most once per interval unless ProgressBytes accumulated.
	// Default: 250ms, 4MiB
	ProgressInterval time.Duration
	ProgressBytes    int64

	// StateInterval is how often resumable state is persisted.
	// Default: 2s
	StateInterval time.Duration

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Completed is a verified artifact waiting in the temporary store.
type Completed struct {
	Job      build.ArtifactJob
	Path     string
	Size     int64
	Segments int
	Resumed  bool
	Duration time.Duration
}

// Engine downloads artifact jobs with parallel range requests.
type Engine struct {
	client  *depothttp.Client
	store   *tempstore.Store
	opts    Options
	logger  *zap.Logger
	metrics metrics.Recorder
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("downloader: store is required")
	}
	if opts.Client == nil {
		opts.Client = depothttp.NewClient(depothttp.DefaultOptions())
	}
	if opts.Connections <= 0 {
		opts.Connections = 8
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 * 1024 * 1024
	}
	if opts.MinSegmentSize <= 0 {
		opts.MinSegmentSize = 5 * 1024 * 1024
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.ProgressBytes <= 0 {
		opts.ProgressBytes = 4 * 1024 * 1024
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	return &Engine{
		client:  opts.Client,
		store:   opts.Store,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Download fetches job into the temporary store and verifies it. It returns
// only after every segment worker has stopped, so no write to the part file
// happens after it returns.
func (e *Engine) Download(ctx context.Context, job build.ArtifactJob, sink Sink) (*Completed, error) {
	if sink == nil {
		sink = nopSink{}
	}

	t := &transfer{
		e:     e,
		job:   job,
		key:   job.TempKey(),
		sink:  sink,
		log:   e.logger.With(zap.String("job", job.ID), zap.String("url", job.SourceURL)),
		start: time.Now(),
		throttle: progress.Throttle{
			Interval: e.opts.ProgressInterval,
			MinBytes: e.opts.ProgressBytes,
		},
	}
	t.part = e.store.PartPath(t.key)
	t.stage.Store(StageProbing)

	e.metrics.IncActiveTransfers()
	defer e.metrics.DecActiveTransfers()

	done, err := t.run(ctx)

	outcome := "completed"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	e.metrics.RecordArtifact(outcome, time.Since(t.start))

	return done, err
}

// transfer is the state of one Download call.
type transfer struct {
	e    *Engine
	job  build.ArtifactJob
	key  string
	part string
	sink Sink
	log  *zap.Logger

	stage    atomic.Value // Stage
	retrying atomic.Int32

	total    int64 // -1 if unknown
	etag     string
	ranges   bool
	resumed  bool
	corrupt  bool
	segments []*segment
	file     *os.File
	meter    *progress.Meter
	throttle progress.Throttle
	err      error
	size     int64
	start    time.Time
}

func (t *transfer) current() Stage {
	return t.stage.Load().(Stage)
}

func (t *transfer) setStage(s Stage) {
	prev := t.current()
	if prev == s {
		return
	}
	t.stage.Store(s)
	t.log.Debug("stage", zap.String("from", string(prev)), zap.String("to", string(s)))
	t.report(true)
}

// run drives the state machine until a terminal stage.
func (t *transfer) run(ctx context.Context) (*Completed, error) {
	for {
		if ctx.Err() != nil && !t.current().Terminal() {
			t.finish(ctx, ctx.Err())
		}

		switch t.current() {
		case StageProbing:
			t.advance(ctx, t.probe(ctx), StageSplitting)
		case StageSplitting:
			t.advance(ctx, t.split(ctx), StageTransferring)
		case StageTransferring:
			err := t.transferAll(ctx)
			if errors.Is(err, errDegrade) {
				t.log.Info("server ignored range request, using a single segment")
				t.ranges = false
				t.setStage(StageSplitting)
				continue
			}
			t.advance(ctx, err, StageAssembling)
		case StageAssembling:
			t.advance(ctx, t.assemble(), StageVerifying)
		case StageVerifying:
			t.advance(ctx, t.verify(), StageDone)
		case StageDone:
			return t.completed(ctx), nil
		case StageFailed, StageCancelled:
			t.cleanup(ctx)
			return nil, t.err
		}
	}
}

func (t *transfer) advance(ctx context.Context, err error, next Stage) {
	if err != nil {
		t.finish(ctx, err)
		return
	}
	t.setStage(next)
}

// finish moves to Failed or Cancelled.
func (t *transfer) finish(ctx context.Context, err error) {
	if ctx.Err() != nil {
		t.err = fmt.Errorf("%w: %s: %w", ErrCancelled, t.job.Name, ctx.Err())
		t.setStage(StageCancelled)
		return
	}
	if !errors.Is(err, ErrTransferFailed) && !errors.Is(err, ErrIntegrityMismatch) {
		err = &TransferError{JobID: t.job.ID, Start: 0, End: max(t.total, 0), Attempts: 1, Err: err}
	}
	t.err = err
	t.setStage(StageFailed)
}

func (t *transfer) probe(ctx context.Context) error {
	if t.job.Inline() {
		t.total = int64(len(t.job.Content))
		return nil
	}

	info, err := t.e.client.Head(ctx, t.job.SourceURL)
	switch {
	case err == nil:
		t.total, t.etag, t.ranges = info.Size, info.ETag, info.AcceptsRanges
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, depothttp.ErrUnexpectedStatus):
		// Some mirrors reject HEAD; a plain GET still works.
		t.log.Debug("size probe rejected", zap.Error(err))
		t.total = -1
	default:
		return &TransferError{JobID: t.job.ID, Start: 0, End: t.job.ExpectedSize, Attempts: 1, Err: err}
	}

	if t.total <= 0 {
		t.total = -1
		if t.job.ExpectedSize > 0 {
			t.total = t.job.ExpectedSize
		}
	}
	if t.total <= 0 {
		t.ranges = false
	}

	if t.job.ExpectedSize > 0 && t.total != t.job.ExpectedSize {
		t.corrupt = true
		return &IntegrityError{
			JobID: t.job.ID,
			Check: "size",
			Want:  fmt.Sprint(t.job.ExpectedSize),
			Got:   fmt.Sprint(t.total),
		}
	}
	return nil
}

func (t *transfer) split(ctx context.Context) error {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.segments = nil
	t.resumed = false

	k := t.e.opts.Connections
	if !t.ranges || t.total < t.e.opts.MinSegmentSize {
		k = 1
	}

	var ranges []Range
	var written []int64
	if st := t.loadState(ctx); st != nil {
		for _, s := range st.Segments {
			ranges = append(ranges, Range{Start: s.Start, End: s.End})
			written = append(written, s.Written)
		}
		t.resumed = true
	} else {
		ranges = Split(t.total, k)
	}

	f, err := os.OpenFile(t.part, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	t.file = f

	if !t.resumed {
		// Pre-allocate so segments can write at their own offsets.
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate part file: %w", err)
		}
		if t.total > 0 {
			if err := f.Truncate(t.total); err != nil {
				return fmt.Errorf("allocate part file: %w", err)
			}
		}
	}

	t.meter = progress.NewMeter(t.total)
	for i, r := range ranges {
		seg := &segment{index: i, rng: r}
		if written != nil {
			seg.written.Store(written[i])
			t.meter.Add(written[i])
			if seg.remaining() == 0 {
				seg.setState(SegmentDone)
			}
		}
		t.segments = append(t.segments, seg)
	}

	t.log.Debug("split",
		zap.Int64("total", t.total),
		zap.Int("segments", len(t.segments)),
		zap.Bool("ranges", t.ranges),
		zap.Bool("resumed", t.resumed))
	return nil
}

// loadState returns saved segment state when it still describes the same
// remote file, and discards it otherwise.
func (t *transfer) loadState(ctx context.Context) *tempstore.State {
	if !t.e.opts.Resumable || !t.ranges || t.total <= 0 {
		return nil
	}
	st, err := t.e.store.LoadState(ctx, t.key)
	if err != nil {
		if !errors.Is(err, tempstore.ErrNoState) {
			t.log.Warn("could not load resumable state", zap.Error(err))
		}
		return nil
	}

	valid := st.URL == t.job.SourceURL && st.TotalSize == t.total &&
		(st.ETag == "" || t.etag == "" || st.ETag == t.etag) && covers(st.Segments, t.total)
	if !valid {
		t.log.Info("discarding stale resumable state")
		if err := t.e.store.Discard(ctx, t.key); err != nil {
			t.log.Warn("could not discard state", zap.Error(err))
		}
		return nil
	}

	t.log.Info("resuming", zap.Int64("completed", st.Completed()), zap.Int64("total", st.TotalSize))
	return st
}

// covers reports whether segs exactly tile [0, total).
func covers(segs []tempstore.SegmentState, total int64) bool {
	var next int64
	for _, s := range segs {
		if s.Start != next || s.End <= s.Start || s.Written < 0 || s.Written > s.End-s.Start {
			return false
		}
		next = s.End
	}
	return len(segs) > 0 && next == total
}

func (t *transfer) saveState(ctx context.Context) {
	st := &tempstore.State{
		URL:       t.job.SourceURL,
		ETag:      t.etag,
		TotalSize: t.total,
		StartedAt: t.start,
	}
	for _, seg := range t.segments {
		st.Segments = append(st.Segments, seg.snapshot())
	}
	if err := t.e.store.SaveState(ctx, t.key, st); err != nil {
		t.log.Warn("could not save resumable state", zap.Error(err))
	}
}

// transferAll runs every unfinished segment concurrently and waits for all
// of them. The first permanent failure cancels the others.
func (t *transfer) transferAll(ctx context.Context) error {
	if t.job.Inline() {
		return t.writeInline(ctx)
	}

	segCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	done := make(chan struct{})
	var reporter sync.WaitGroup
	reporter.Add(1)
	go func() {
		defer reporter.Done()
		t.progressLoop(ctx, done)
	}()

	for _, seg := range t.segments {
		if seg.State() == SegmentDone {
			continue
		}
		wg.Add(1)
		go func(seg *segment) {
			defer wg.Done()
			if err := t.runSegment(segCtx, seg); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(seg)
	}

	wg.Wait()
	close(done)
	reporter.Wait()
	t.report(true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return firstErr
}

func (t *transfer) writeInline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seg := t.segments[0]
	if _, err := t.file.WriteAt(t.job.Content, 0); err != nil {
		return fmt.Errorf("write part file: %w", err)
	}
	seg.written.Store(int64(len(t.job.Content)))
	seg.setState(SegmentDone)
	t.meter.Add(int64(len(t.job.Content)))
	return nil
}

// runSegment is the Transferring <-> Retrying loop of one segment.
func (t *transfer) runSegment(ctx context.Context, seg *segment) error {
	t.meter.SegmentStarted()
	defer t.meter.SegmentFinished()

	log := t.log.With(zap.Int("segment", seg.index))
	buf := make([]byte, t.bufferSize(seg))

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.e.metrics.RecordSegmentRetry()
			t.retrying.Add(1)
			t.setStage(StageRetrying)
			err := depothttp.Sleep(ctx, depothttp.Backoff(t.e.opts.RetryBackoff, t.e.opts.RetryMaxBackoff, attempt))
			if t.retrying.Add(-1) == 0 && ctx.Err() == nil {
				t.setStage(StageTransferring)
			}
			if err != nil {
				return err
			}
		}

		seg.setState(SegmentInFlight)
		err := t.fetchSegment(ctx, seg, buf)
		if err == nil {
			seg.setState(SegmentDone)
			return nil
		}
		seg.setState(SegmentFailed)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, depothttp.ErrRangeNotSupported) && t.ranges {
			return errDegrade
		}
		if !depothttp.Retryable(err) || attempt >= t.e.opts.RetryAttempts {
			return &TransferError{
				JobID:    t.job.ID,
				Start:    seg.rng.Start,
				End:      seg.rng.End,
				Attempts: attempt + 1,
				Err:      err,
			}
		}
		log.Warn("segment failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int64("written", seg.written.Load()),
			zap.Error(err))
	}
}

func (t *transfer) bufferSize(seg *segment) int64 {
	size := t.e.opts.ChunkSize
	if rem := seg.remaining(); rem > 0 && rem < size {
		size = rem
	}
	return size
}

// fetchSegment performs one attempt. Ranged attempts continue from the
// bytes already written; plain attempts start over.
func (t *transfer) fetchSegment(ctx context.Context, seg *segment, buf []byte) error {
	if seg.remaining() == 0 {
		return nil
	}
	if t.e.opts.SegmentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.e.opts.SegmentTimeout)
		defer cancel()
	}

	var (
		resp *depothttp.RangeResponse
		err  error
	)
	if t.ranges {
		start := seg.rng.Start + seg.written.Load()
		resp, err = t.e.client.OpenRange(ctx, t.job.SourceURL, start, seg.rng.End-1)
	} else {
		if w := seg.written.Swap(0); w > 0 {
			t.meter.Add(-w)
		}
		resp, err = t.e.client.Open(ctx, t.job.SourceURL)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for {
		want := int64(len(buf))
		if rem := seg.remaining(); rem >= 0 {
			if rem == 0 {
				return nil
			}
			want = min(want, rem)
		}

		n, rerr := io.ReadFull(resp.Body, buf[:want])
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			off := seg.rng.Start + seg.written.Load()
			if _, err := t.file.WriteAt(buf[:n], off); err != nil {
				return fmt.Errorf("write at %d: %w", off, err)
			}
			seg.written.Add(int64(n))
			t.meter.Add(int64(n))
			t.e.metrics.AddBytesTransferred(int64(n))
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF):
			if seg.remaining() <= 0 {
				return nil
			}
			return fmt.Errorf("segment ended %d bytes early: %w", seg.remaining(), io.ErrUnexpectedEOF)
		default:
			return rerr
		}
	}
}

// progressLoop emits throttled progress and persists resumable state until
// done is closed.
func (t *transfer) progressLoop(ctx context.Context, done <-chan struct{}) {
	tick := max(t.e.opts.ProgressInterval/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	persist := t.e.opts.Resumable && t.ranges && t.total > 0
	lastSave := time.Now()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			t.report(false)
			if persist && now.Sub(lastSave) >= t.e.opts.StateInterval {
				t.saveState(ctx)
				lastSave = now
			}
		}
	}
}

func (t *transfer) report(force bool) {
	if t.meter == nil {
		t.sink.Progress(Progress{JobID: t.job.ID, Name: t.job.Name, Stage: t.current(), Total: t.total})
		return
	}
	if !t.throttle.Allow(time.Now(), t.meter.Bytes()) && !force {
		return
	}
	s := t.meter.Sample()
	t.sink.Progress(Progress{
		JobID:    t.job.ID,
		Name:     t.job.Name,
		Stage:    t.current(),
		Bytes:    s.Bytes,
		Total:    s.Total,
		Rate:     s.Rate,
		InFlight: t.meter.InFlight(),
	})
}

func (t *transfer) assemble() error {
	if t.file == nil {
		return errors.New("part file not open")
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync part file: %w", err)
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	return nil
}

func (t *transfer) verify() error {
	fi, err := os.Stat(t.part)
	if err != nil {
		return fmt.Errorf("stat part file: %w", err)
	}
	t.size = fi.Size()

	want := t.job.ExpectedSize
	if want <= 0 {
		want = t.total
	}
	if want > 0 && t.size != want {
		t.corrupt = true
		return &IntegrityError{JobID: t.job.ID, Check: "size", Want: fmt.Sprint(want), Got: fmt.Sprint(t.size)}
	}

	if t.job.Checksum == "" {
		return nil
	}
	algo, sum, ok := strings.Cut(t.job.Checksum, ":")
	if !ok {
		algo, sum = "sha256", t.job.Checksum
	}
	if !strings.EqualFold(algo, "sha256") {
		t.log.Warn("unsupported checksum algorithm, skipping", zap.String("algorithm", algo))
		return nil
	}

	got, err := fileSHA256(t.part)
	if err != nil {
		return fmt.Errorf("hash part file: %w", err)
	}
	if !strings.EqualFold(got, sum) {
		t.corrupt = true
		return &IntegrityError{JobID: t.job.ID, Check: "checksum", Want: strings.ToLower(sum), Got: got}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (t *transfer) completed(ctx context.Context) *Completed {
	if err := t.e.store.Forget(context.WithoutCancel(ctx), t.key); err != nil {
		t.log.Warn("could not clear resumable state", zap.Error(err))
	}
	t.log.Info("download complete",
		zap.Int64("bytes", t.size),
		zap.Int("segments", len(t.segments)),
		zap.Duration("elapsed", time.Since(t.start)))

	return &Completed{
		Job:      t.job,
		Path:     t.part,
		Size:     t.size,
		Segments: len(t.segments),
		Resumed:  t.resumed,
		Duration: time.Since(t.start),
	}
}

// cleanup closes the part file and either keeps it resumable or removes it.
func (t *transfer) cleanup(ctx context.Context) {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}

	ctx = context.WithoutCancel(ctx)
	keep := t.e.opts.Resumable && t.ranges && t.total > 0 && !t.corrupt && !t.job.Inline() && len(t.segments) > 0
	if keep {
		t.saveState(ctx)
		t.log.Info("kept partial download for resume", zap.Error(t.err))
		return
	}
	if err := t.e.store.Discard(ctx, t.key); err != nil {
		t.log.Warn("could not discard partial download", zap.Error(err))
	}
	t.log.Info("discarded partial download", zap.Error(t.err))
}
