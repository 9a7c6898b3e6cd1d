package metrics

import (
	"time"
)

// Recorder defines the interface for recording pipeline metrics
type Recorder interface {
	// RecordSourceScan records one source scan with its outcome
	// ("ok", "rate_limited", "unavailable", "malformed").
	RecordSourceScan(sourceID, outcome string, duration time.Duration)

	// RecordSegmentRetry records a segment retry after a recoverable failure
	RecordSegmentRetry()

	// AddBytesTransferred adds bytes written to part files
	AddBytesTransferred(n int64)

	// RecordArtifact records a finished artifact job ("completed", "failed", "cancelled")
	RecordArtifact(outcome string, duration time.Duration)

	// RecordPipeline records the final status of a pipeline run
	RecordPipeline(status string)

	// IncActiveTransfers increments the count of active artifact transfers
	IncActiveTransfers()

	// DecActiveTransfers decrements the count of active artifact transfers
	DecActiveTransfers()
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordSourceScan(string, string, time.Duration) {}
func (Noop) RecordSegmentRetry()                             {}
func (Noop) AddBytesTransferred(int64)                       {}
func (Noop) RecordArtifact(string, time.Duration)            {}
func (Noop) RecordPipeline(string)                           {}
func (Noop) IncActiveTransfers()                             {}
func (Noop) DecActiveTransfers()                             {}
