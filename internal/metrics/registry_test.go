package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/events"
)

func TestRecordHitMiss_UpdatesRatio(t *testing.T) {
	r := NewRegistry()

	r.RecordHit("warm")
	r.RecordHit("warm")
	r.RecordHit("hot")
	r.RecordMiss("warm")

	assert.Equal(t, 3.0, testutil.ToFloat64(r.CacheHits.WithLabelValues("warm"))+testutil.ToFloat64(r.CacheHits.WithLabelValues("hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CacheMisses.WithLabelValues("warm")))
	assert.InDelta(t, 0.75, testutil.ToFloat64(r.CacheHitRatio), 1e-9)
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry() // would panic on a shared registry

	a.RecordHit("warm")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHits.WithLabelValues("warm")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheHits.WithLabelValues("warm")))
}

func TestOpTimer_RecordsObservation(t *testing.T) {
	r := NewRegistry()

	timer := r.StartOpTimer("cache", "get")
	elapsed := timer.Stop("hit")
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "smartcache_op_duration_seconds" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		found = true
	}
	assert.True(t, found, "histogram family missing from gather output")
}

func TestEventHandler_BridgesGovernorEvents(t *testing.T) {
	r := NewRegistry()
	handle := r.EventHandler()

	handle(events.Gauge("governor", events.MetricConcurrencyAdjusted, 7, nil))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.GovernorLimit))

	handle(events.Counter("governor", events.MetricCapacityWarning, nil))
	handle(events.Counter("governor", events.MetricCapacityWarning, nil))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.GovernorRejections))

	// Unrelated events leave the governor series alone.
	handle(events.Counter("cache", events.MetricCacheGetFailed, nil))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.GovernorLimit))
}

func TestHandler_ServesExposition(t *testing.T) {
	r := NewRegistry()
	r.RecordHit("warm")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "smartcache_hits_total"), "exposition missing hit counter:\n%s", body)
	assert.True(t, strings.Contains(body, "smartcache_hit_ratio"), "exposition missing ratio gauge")
}
