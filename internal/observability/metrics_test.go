package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics("test_worker", reg)

	m.RecordSuccess("process_cdn_log")
	m.RecordSuccess("process_cdn_log")
	m.RecordError("process_cdn_log", "persistence")

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.processedTotal.WithLabelValues("success", "process_cdn_log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.processedTotal.WithLabelValues("error", "process_cdn_log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.errorsTotal.WithLabelValues("persistence", "process_cdn_log")))

	m.StartOperation("process_cdn_log")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.inProgress.WithLabelValues("process_cdn_log")))
	m.EndOperation("process_cdn_log")
	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.inProgress.WithLabelValues("process_cdn_log")))
}

func TestLoggerWithFields(t *testing.T) {
	log := NewNop()
	scoped := log.WithFields(map[string]interface{}{"component": "test"})

	assert.NotNil(t, scoped)
	// Must not panic with odd field usage.
	scoped.Info("message", "key", "value")
	scoped.Error("failure", "error", assert.AnError)
}
