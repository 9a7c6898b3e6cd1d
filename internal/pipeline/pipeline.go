package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	"github.com/sthetix/SwitchrootDepot/internal/catalog"
	"github.com/sthetix/SwitchrootDepot/internal/downloader"
	"github.com/sthetix/SwitchrootDepot/internal/metrics"
	"github.com/sthetix/SwitchrootDepot/internal/placement"
	"github.com/sthetix/SwitchrootDepot/internal/resolver"
)

// ErrUnknownBuild is returned when the selected build ID is not in the
// catalog.
var ErrUnknownBuild = errors.New("pipeline: unknown build")

// Status is the final state of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Catalog serves catalog snapshots.
type Catalog interface {
	Get(ctx context.Context, force bool) (*catalog.Snapshot, error)
}

// Resolver expands a selection into a download set.
type Resolver interface {
	Resolve(selection build.BuildEntry, view resolver.View) (build.DownloadSet, error)
}

// Downloader fetches one job into the temporary store.
type Downloader interface {
	Download(ctx context.Context, job build.ArtifactJob, sink downloader.Sink) (*downloader.Completed, error)
}

// Placer moves a completed artifact to its destination.
type Placer interface {
	Place(ctx context.Context, a placement.Artifact) (placement.Placed, error)
}

// Options configures a Pipeline.
type Options struct {
	Catalog    Catalog
	Resolver   Resolver
	Downloader Downloader
	Placer     Placer

	// Workers bounds how many files download at once, independent of the
	// segments per file.
	// Default: 4
	Workers int

	// Listener receives events. Nil discards them.
	Listener Listener

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Outcome is the result of one job.
type Outcome struct {
	Job     build.ArtifactJob
	Path    string // destination, set on success
	Skipped bool
	Err     error
}

// OK reports whether the job was placed.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result summarizes a run.
type Result struct {
	RunID    uuid.UUID
	Status   Status
	Set      build.DownloadSet
	Outcomes []Outcome
	Duration time.Duration

	// Err is set when the run failed before any download started.
	Err error
}

// Failed returns the outcomes that did not succeed.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Pipeline sequences catalog retrieval, resolution, downloads and
// placement.
type Pipeline struct {
	opts    Options
	logger  *zap.Logger
	metrics metrics.Recorder
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Listener == nil {
		opts.Listener = ListenerFunc(func(Event) {})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Pipeline{opts: opts, logger: opts.Logger, metrics: opts.Metrics}
}

// run carries the per-run state shared by the stages.
type run struct {
	id     uuid.UUID
	events *dispatcher
	log    *zap.Logger
}

func (p *Pipeline) start() *run {
	id := uuid.New()
	return &run{
		id:     id,
		events: newDispatcher(p.opts.Listener),
		log:    p.logger.With(zap.String("run_id", id.String())),
	}
}

func (r *run) emit(e Event) {
	e.RunID = r.id
	e.Time = time.Now()
	r.events.emit(e)
}

// Scan returns the catalog, refreshing it when stale or forced.
func (p *Pipeline) Scan(ctx context.Context, force bool) (*catalog.Snapshot, error) {
	r := p.start()
	defer r.events.close()
	return p.scan(ctx, r, force)
}

// Resolve scans the catalog and resolves buildID without downloading.
func (p *Pipeline) Resolve(ctx context.Context, buildID string, force bool) (build.DownloadSet, error) {
	r := p.start()
	defer r.events.close()

	snap, err := p.scan(ctx, r, force)
	if err != nil {
		return build.DownloadSet{}, err
	}
	return p.resolve(r, snap, buildID)
}

// Run executes the whole pipeline for buildID. It always returns a Result;
// a catalog or resolver failure yields StatusFailed with no downloads.
func (p *Pipeline) Run(ctx context.Context, buildID string, force bool) Result {
	r := p.start()
	defer r.events.close()

	start := time.Now()
	res := Result{RunID: r.id}

	snap, err := p.scan(ctx, r, force)
	if err == nil {
		res.Set, err = p.resolve(r, snap, buildID)
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		r.log.Error("pipeline aborted before downloads", zap.Error(err))
	} else {
		res.Outcomes = p.execute(ctx, r, res.Set)
		res.Status = status(ctx, res.Outcomes)
	}

	res.Duration = time.Since(start)
	p.metrics.RecordPipeline(string(res.Status))
	r.log.Info("pipeline completed",
		zap.String("status", string(res.Status)),
		zap.Int("failed", len(res.Failed())),
		zap.Duration("elapsed", res.Duration))
	r.emit(Event{Type: EventPipelineCompleted, Status: res.Status, Err: res.Err})

	return res
}

func (p *Pipeline) scan(ctx context.Context, r *run, force bool) (*catalog.Snapshot, error) {
	r.emit(Event{Type: EventScanStarted})
	snap, err := p.opts.Catalog.Get(ctx, force)
	if err != nil {
		return nil, err
	}
	r.emit(Event{Type: EventScanCompleted, Count: snap.Count(), StaleSources: snap.Stale})
	return snap, nil
}

func (p *Pipeline) resolve(r *run, snap *catalog.Snapshot, buildID string) (build.DownloadSet, error) {
	sel, ok := snap.Lookup(buildID)
	if !ok {
		return build.DownloadSet{}, fmt.Errorf("%w: %s", ErrUnknownBuild, buildID)
	}

	set, err := p.opts.Resolver.Resolve(sel, snap)
	if err != nil {
		return build.DownloadSet{}, err
	}

	r.log.Info("resolved", zap.String("build", buildID), zap.Strings("files", set.Names()))
	r.emit(Event{Type: EventResolveCompleted, Set: &set})
	return set, nil
}

// execute downloads jobs with a bounded worker pool and places each one as
// soon as it completes. A failed job does not stop the others.
func (p *Pipeline) execute(ctx context.Context, r *run, set build.DownloadSet) []Outcome {
	outcomes := make([]Outcome, len(set.Jobs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for range min(p.opts.Workers, len(set.Jobs)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = p.runJob(ctx, r, set.Jobs[i])
			}
		}()
	}

	for i := range set.Jobs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func (p *Pipeline) runJob(ctx context.Context, r *run, job build.ArtifactJob) Outcome {
	log := r.log.With(zap.String("job", job.ID))

	fail := func(err error) Outcome {
		log.Warn("artifact failed", zap.Error(err))
		r.emit(Event{Type: EventArtifactFailed, JobID: job.ID, Name: job.Name, Err: err})
		return Outcome{Job: job, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", downloader.ErrCancelled, job.Name, err))
	}

	sink := downloader.SinkFunc(func(pr downloader.Progress) {
		r.emit(Event{
			Type:  EventArtifactProgress,
			JobID: pr.JobID,
			Name:  pr.Name,
			Stage: pr.Stage,
			Bytes: pr.Bytes,
			Total: pr.Total,
			Rate:  pr.Rate,
		})
	})

	done, err := p.opts.Downloader.Download(ctx, job, sink)
	if err != nil {
		return fail(err)
	}
	r.emit(Event{Type: EventArtifactCompleted, JobID: job.ID, Name: job.Name, Bytes: done.Size, Total: done.Size})

	placed, err := p.opts.Placer.Place(ctx, placement.Artifact{Path: done.Path, Size: done.Size, Job: job})
	if err != nil {
		return fail(err)
	}
	r.emit(Event{Type: EventPlacementCompleted, JobID: job.ID, Name: job.Name, Path: placed.Path, Skipped: placed.Skipped})

	return Outcome{Job: job, Path: placed.Path, Skipped: placed.Skipped}
}

// status derives the run status. A cancelled run is never a success.
func status(ctx context.Context, outcomes []Outcome) Status {
	ok := 0
	for _, o := range outcomes {
		if o.OK() {
			ok++
		}
	}
	switch {
	case ok == 0:
		return StatusFailed
	case ok == len(outcomes) && ctx.Err() == nil:
		return StatusSuccess
	default:
		return StatusPartial
	}
}
