package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_RecordSourceScan(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(registry)

	recorder.RecordSourceScan("lineage-tablet", "ok", 200*time.Millisecond)
	recorder.RecordSourceScan("lineage-tablet", "ok", 300*time.Millisecond)
	recorder.RecordSourceScan("mindthegapps-tablet", "rate_limited", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.sourceScanTotal.WithLabelValues("lineage-tablet", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.sourceScanTotal.WithLabelValues("mindthegapps-tablet", "rate_limited")))
	assert.Equal(t, 2, testutil.CollectAndCount(recorder.sourceScanDuration))
}

func TestPrometheusRecorder_Transfers(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(registry)

	recorder.IncActiveTransfers()
	recorder.IncActiveTransfers()
	recorder.DecActiveTransfers()
	recorder.RecordSegmentRetry()
	recorder.AddBytesTransferred(1024)
	recorder.AddBytesTransferred(-5)
	recorder.RecordArtifact("completed", 2*time.Second)
	recorder.RecordArtifact("failed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.activeTransfers))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.segmentRetryTotal))
	assert.Equal(t, 1024.0, testutil.ToFloat64(recorder.bytesTransferred))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.artifactTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.artifactTotal.WithLabelValues("failed")))
}

func TestPrometheusRecorder_RecordPipeline(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewPrometheusRecorder(registry)

	recorder.RecordPipeline("partial")

	expected := `
# HELP depot_pipeline_total Total number of pipeline runs by final status
# TYPE depot_pipeline_total counter
depot_pipeline_total{status="partial"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "depot_pipeline_total"))
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.RecordSourceScan("s", "ok", time.Second)
	r.RecordSegmentRetry()
	r.AddBytesTransferred(1)
	r.RecordArtifact("completed", time.Second)
	r.RecordPipeline("success")
	r.IncActiveTransfers()
	r.DecActiveTransfers()
}
