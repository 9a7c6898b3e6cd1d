package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sthetix/SwitchrootDepot/internal/pipeline"
	"github.com/sthetix/SwitchrootDepot/internal/progress"
)

// renderer draws pipeline events as a single byte-count progress bar over
// the whole download set.
type renderer struct {
	w       io.Writer
	showBar bool

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	total    int64
	bytes    map[string]int64
	jobs     int
	done     int
	skipped  int
	failures map[string]error
	started  time.Time
}

func newRenderer(w io.Writer, showBar bool) *renderer {
	return &renderer{
		w:        w,
		showBar:  showBar,
		bytes:    make(map[string]int64),
		failures: make(map[string]error),
	}
}

func (r *renderer) OnEvent(e pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case pipeline.EventScanStarted:
		r.started = e.Time
		fmt.Fprintln(r.w, "[depot] Reading catalog...")

	case pipeline.EventScanCompleted:
		fmt.Fprintf(r.w, "[depot] Catalog: %d builds\n", e.Count)
		for _, id := range e.StaleSources {
			fmt.Fprintf(r.w, "[depot] Warning: source %s unavailable, using cached entries\n", id)
		}

	case pipeline.EventResolveCompleted:
		r.jobs = len(e.Set.Jobs)
		r.total = e.Set.TotalBytes()
		fmt.Fprintf(r.w, "[depot] %s: %d files, %s\n", e.Set.Selection.Name, r.jobs, progress.FormatBytes(r.total))
		if r.showBar && r.total > 0 {
			r.bar = progressbar.NewOptions64(r.total,
				progressbar.OptionSetWriter(r.w),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionSetDescription(r.describe()),
			)
		}

	case pipeline.EventArtifactProgress:
		r.bytes[e.JobID] = e.Bytes
		r.update()

	case pipeline.EventArtifactCompleted:
		r.bytes[e.JobID] = e.Bytes

	case pipeline.EventPlacementCompleted:
		r.done++
		if e.Skipped {
			r.skipped++
		}
		r.update()

	case pipeline.EventArtifactFailed:
		r.failures[e.Name] = e.Err
		r.update()

	case pipeline.EventPipelineCompleted:
		if r.bar != nil {
			_ = r.bar.Finish()
			fmt.Fprintln(r.w)
		}
		r.summary(e)
	}
}

func (r *renderer) describe() string {
	return fmt.Sprintf("%d/%d files", r.done, r.jobs)
}

// transferred sums the bytes reported by every job.
func (r *renderer) transferred() int64 {
	var n int64
	for _, b := range r.bytes {
		n += b
	}
	return n
}

func (r *renderer) update() {
	if r.bar == nil {
		return
	}
	r.bar.Describe(r.describe())
	_ = r.bar.Set64(min(r.transferred(), r.total))
}

func (r *renderer) summary(e pipeline.Event) {
	elapsed := e.Time.Sub(r.started).Round(time.Second)

	names := make([]string, 0, len(r.failures))
	for name := range r.failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.w, "[depot] Failed: %s: %v\n", name, r.failures[name])
	}

	switch e.Status {
	case pipeline.StatusSuccess:
		fmt.Fprintf(r.w, "[depot] Done: %d files (%d already present) in %s\n", r.done, r.skipped, progress.FormatDuration(elapsed))
	case pipeline.StatusPartial:
		fmt.Fprintf(r.w, "[depot] Incomplete: %d of %d files placed\n", r.done, r.jobs)
	default:
		if e.Err != nil {
			fmt.Fprintf(r.w, "[depot] Failed: %v\n", e.Err)
		} else {
			fmt.Fprintln(r.w, "[depot] Failed: no files were placed")
		}
	}
}
