package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var _ Recorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	sourceScanTotal    *prometheus.CounterVec
	sourceScanDuration *prometheus.HistogramVec
	segmentRetryTotal  prometheus.Counter
	bytesTransferred   prometheus.Counter
	artifactTotal      *prometheus.CounterVec
	artifactDuration   *prometheus.HistogramVec
	pipelineTotal      *prometheus.CounterVec
	activeTransfers    prometheus.Gauge
}

// NewPrometheusRecorder creates a PrometheusRecorder and registers its
// metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	recorder := &PrometheusRecorder{
		sourceScanTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_source_scan_total",
				Help: "Total number of catalog source scans",
			},
			[]string{"source", "outcome"},
		),
		sourceScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_source_scan_duration_seconds",
				Help:    "Duration of catalog source scans in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"source"},
		),
		segmentRetryTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_segment_retry_total",
				Help: "Total number of segment transfer retries",
			},
		),
		bytesTransferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "depot_bytes_transferred_total",
				Help: "Total bytes written to part files",
			},
		),
		artifactTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_artifact_total",
				Help: "Total number of artifact jobs by outcome",
			},
			[]string{"outcome"},
		),
		artifactDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "depot_artifact_duration_seconds",
				Help:    "Duration of artifact jobs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"outcome"},
		),
		pipelineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "depot_pipeline_total",
				Help: "Total number of pipeline runs by final status",
			},
			[]string{"status"},
		),
		activeTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "depot_active_transfers",
				Help: "Number of artifact transfers in progress",
			},
		),
	}

	reg.MustRegister(
		recorder.sourceScanTotal,
		recorder.sourceScanDuration,
		recorder.segmentRetryTotal,
		recorder.bytesTransferred,
		recorder.artifactTotal,
		recorder.artifactDuration,
		recorder.pipelineTotal,
		recorder.activeTransfers,
	)

	return recorder
}

// RecordSourceScan records one source scan with its outcome
func (r *PrometheusRecorder) RecordSourceScan(sourceID, outcome string, duration time.Duration) {
	r.sourceScanTotal.WithLabelValues(sourceID, outcome).Inc()
	r.sourceScanDuration.WithLabelValues(sourceID).Observe(duration.Seconds())
}

// RecordSegmentRetry records a segment retry
func (r *PrometheusRecorder) RecordSegmentRetry() {
	r.segmentRetryTotal.Inc()
}

// AddBytesTransferred adds bytes written to part files
func (r *PrometheusRecorder) AddBytesTransferred(n int64) {
	if n > 0 {
		r.bytesTransferred.Add(float64(n))
	}
}

// RecordArtifact records a finished artifact job
func (r *PrometheusRecorder) RecordArtifact(outcome string, duration time.Duration) {
	r.artifactTotal.WithLabelValues(outcome).Inc()
	r.artifactDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPipeline records the final status of a pipeline run
func (r *PrometheusRecorder) RecordPipeline(status string) {
	r.pipelineTotal.WithLabelValues(status).Inc()
}

// IncActiveTransfers increments the count of active artifact transfers
func (r *PrometheusRecorder) IncActiveTransfers() {
	r.activeTransfers.Inc()
}

// DecActiveTransfers decrements the count of active artifact transfers
func (r *PrometheusRecorder) DecActiveTransfers() {
	r.activeTransfers.Dec()
}
