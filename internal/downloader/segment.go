package downloader

import (
	"sync/atomic"

	"github.com/sthetix/SwitchrootDepot/internal/tempstore"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Split partitions [0, total) into k contiguous ranges of equal size; the
// last range absorbs the remainder. k is clamped to [1, total] so no range is
// empty. A non-positive total yields a single open-ended range [0, 0).
func Split(total int64, k int) []Range {
	if total <= 0 {
		return []Range{{Start: 0, End: 0}}
	}
	if k < 1 {
		k = 1
	}
	if int64(k) > total {
		k = int(total)
	}

	size := total / int64(k)
	ranges := make([]Range, k)
	for i := range ranges {
		ranges[i].Start = int64(i) * size
		ranges[i].End = ranges[i].Start + size
	}
	ranges[k-1].End = total
	return ranges
}

// SegmentState is the lifecycle of one segment.
type SegmentState int32

const (
	SegmentPending SegmentState = iota
	SegmentInFlight
	SegmentDone
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInFlight:
		return "in_flight"
	case SegmentDone:
		return "done"
	case SegmentFailed:
		return "failed"
	}
	return "unknown"
}

// segment is one concurrently transferred range of a part file. Only its
// own worker writes written and state; the progress loop reads them.
type segment struct {
	index   int
	rng     Range
	written atomic.Int64
	state   atomic.Int32
}

func (s *segment) State() SegmentState {
	return SegmentState(s.state.Load())
}

func (s *segment) setState(st SegmentState) {
	s.state.Store(int32(st))
}

// remaining returns the bytes still to fetch, or -1 for an open-ended
// segment of unknown size.
func (s *segment) remaining() int64 {
	if s.rng.End <= s.rng.Start {
		return -1
	}
	return s.rng.Len() - s.written.Load()
}

// snapshot converts the segment for persistence.
func (s *segment) snapshot() tempstore.SegmentState {
	status := tempstore.SegmentPending
	switch s.State() {
	case SegmentDone:
		status = tempstore.SegmentCompleted
	case SegmentInFlight:
		status = tempstore.SegmentInProgress
	}
	return tempstore.SegmentState{
		Start:   s.rng.Start,
		End:     s.rng.End,
		Written: s.written.Load(),
		Status:  status,
	}
}
