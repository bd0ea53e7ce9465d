package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ChunkRequested("w")
	m.ChunkRequested("w")
	m.CacheLookup("w", "l1", ResultHit)
	m.ComputationFinished("w", 3*time.Millisecond, nil)
	m.ComputationFinished("w", time.Millisecond, errors.New("boom"))
	m.ChunkAssembled("w", 4096, 12, 1)
	m.Delivered("w", 3)
	m.QueueDepth("w", 5, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("w")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("w", "l1", ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.computations.WithLabelValues("w", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.computations.WithLabelValues("w", "failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.replaced.WithLabelValues("w")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degraded.WithLabelValues("w")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.delivered.WithLabelValues("w")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.pending.WithLabelValues("w")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inflight.WithLabelValues("w")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChunkRequested("w")
		m.CacheLookup("w", "l2", ResultMiss)
		m.ComputationFinished("w", 0, nil)
		m.ChunkAssembled("w", 1, 0, 0)
		m.Delivered("w", 1)
		m.QueueDepth("w", 0, 0)
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ChunkRequested("overworld")
	m.CollectProcess()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `antixray_chunk_requests_total{world="overworld"} 1`), body)
	assert.Contains(t, body, "antixray_process_goroutines")
}
