package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	"github.com/sthetix/SwitchrootDepot/internal/downloader"
)

// EventType names a pipeline event.
type EventType string

const (
	EventScanStarted        EventType = "scan-started"
	EventScanCompleted      EventType = "scan-completed"
	EventResolveCompleted   EventType = "resolve-completed"
	EventArtifactProgress   EventType = "artifact-progress"
	EventArtifactCompleted  EventType = "artifact-completed"
	EventArtifactFailed     EventType = "artifact-failed"
	EventPlacementCompleted EventType = "placement-completed"
	EventPipelineCompleted  EventType = "pipeline-completed"
)

// Event is one notification to the presentation layer. Only the fields
// relevant to Type are set.
type Event struct {
	Type  EventType
	RunID uuid.UUID
	Time  time.Time

	// scan-completed
	Count        int
	StaleSources []string

	// resolve-completed
	Set *build.DownloadSet

	// artifact-*
	JobID string
	Name  string
	Stage downloader.Stage
	Bytes int64
	Total int64
	Rate  float64
	Err   error

	// placement-completed
	Path    string
	Skipped bool

	// pipeline-completed
	Status Status
}

// Listener receives events on a single goroutine, in emission order.
// Consecutive progress events of one job may be coalesced.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// dispatcher decouples emitters from the listener. emit never blocks: a
// progress event replaces an undelivered progress event of the same job,
// so the queue stays bounded by the number of jobs plus discrete events.
type dispatcher struct {
	listener Listener

	mu      sync.Mutex
	queue   []Event
	pending map[string]int // job ID -> index of undelivered progress in queue
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(l Listener) *dispatcher {
	d := &dispatcher{
		listener: l,
		pending:  make(map[string]int),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if e.Type == EventArtifactProgress {
		if i, ok := d.pending[e.JobID]; ok {
			d.queue[i] = e
			d.mu.Unlock()
			return
		}
		d.pending[e.JobID] = len(d.queue)
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) take() ([]Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	clear(d.pending)
	return batch, d.closed
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for range d.wake {
		for {
			batch, closed := d.take()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, e := range batch {
				d.listener.OnEvent(e)
			}
		}
	}
}

// close delivers everything queued and stops the loop.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}
