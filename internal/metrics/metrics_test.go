package metrics

import (
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
	m.Begun()
	m.Begun()
	m.Completed("XA_OK")
	m.Requested("prepare", "local")
	m.Replied("prepare", "XA_RDONLY")
	m.Flushed(2 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.begun))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("XA_OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("prepare", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("prepare", "XA_RDONLY")))
}

func TestGauges(t *testing.T) {
	m := New()
	m.Set(Gauges{
		Transactions:    3,
		PendingReplies:  1,
		PendingRequests: 2,
		Instances:       map[string]map[string]int{"ora": {"idle": 2, "busy": 1}},
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.transactions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending.WithLabelValues("requests")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.instances.WithLabelValues("ora", "idle")))

	// A group that disappeared is dropped on the next sample.
	m.Set(Gauges{Instances: map[string]map[string]int{}})
	assert.Equal(t, 0, testutil.CollectAndCount(m.instances))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Begun()
		m.Completed("XA_OK")
		m.Requested("commit", "domain")
		m.Replied("commit", "XA_OK")
		m.Flushed(time.Second)
		m.Set(Gauges{})
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Begun()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "txmon_transactions_begun_total 1"))
}
