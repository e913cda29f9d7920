package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/events"
)

// Registry holds the Prometheus collectors for one cache instance. Every
// instance owns its own prometheus.Registry; nothing registers globally, so
// several caches can coexist in a process without collector collisions.
type Registry struct {
	reg *prometheus.Registry

	// Operation timing
	OpDuration *prometheus.HistogramVec

	// Cache performance
	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheErrors   *prometheus.CounterVec
	SlowOps       *prometheus.CounterVec

	// Envelope outcomes
	SerializedWrites   *prometheus.CounterVec
	DecompressFailures *prometheus.CounterVec

	// Governor
	GovernorLimit      prometheus.Gauge
	GovernorQueueDepth prometheus.Gauge
	GovernorRejections prometheus.Counter

	// Background refresh
	RefreshScheduled prometheus.Counter
	RefreshCompleted prometheus.Counter
	RefreshFailed    prometheus.Counter

	// Orchestrator outcomes
	OrchestrateRequests *prometheus.CounterVec

	// Hot tier
	HotCacheEntries   prometheus.Gauge
	HotCacheEvictions prometheus.Counter

	hitCount  atomic.Int64
	missCount atomic.Int64
}

// NewRegistry builds and registers all collectors on a fresh registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartcache_op_duration_seconds",
				Help:    "Duration of cache operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"component", "op", "result"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_hits_total",
				Help: "Total cache hits by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_misses_total",
				Help: "Total cache misses by tier",
			},
			[]string{"tier"},
		),

		CacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_errors_total",
				Help: "Total cache errors by tier and error code",
			},
			[]string{"tier", "code"},
		),

		SlowOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_slow_ops_total",
				Help: "Operations exceeding the slow-operation threshold",
			},
			[]string{"component", "op"},
		),

		SerializedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_serialized_writes_total",
				Help: "Envelope writes by outcome (compressed, raw, skipped)",
			},
			[]string{"outcome"},
		),

		DecompressFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_decompress_failures_total",
				Help: "Envelope decompression failures by kind",
			},
			[]string{"kind"},
		),

		GovernorLimit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_governor_limit",
				Help: "Current decompression concurrency limit",
			},
		),

		GovernorQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_governor_queue_depth",
				Help: "Tasks waiting for a decompression slot",
			},
		),

		GovernorRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_governor_rejections_total",
				Help: "Tasks rejected because the governor queue was full",
			},
		),

		RefreshScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_refresh_scheduled_total",
				Help: "Background refreshes scheduled",
			},
		),

		RefreshCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_refresh_completed_total",
				Help: "Background refreshes completed successfully",
			},
		),

		RefreshFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_refresh_failed_total",
				Help: "Background refreshes that returned an error",
			},
		),

		OrchestrateRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_orchestrate_requests_total",
				Help: "Orchestrated requests by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		HotCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_hot_entries",
				Help: "Entries currently held in the hot tier",
			},
		),

		HotCacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_hot_evictions_total",
				Help: "Hot tier evictions",
			},
		),
	}

	r.reg.MustRegister(
		r.OpDuration,
		r.CacheHitRatio,
		r.CacheHits,
		r.CacheMisses,
		r.CacheErrors,
		r.SlowOps,
		r.SerializedWrites,
		r.DecompressFailures,
		r.GovernorLimit,
		r.GovernorQueueDepth,
		r.GovernorRejections,
		r.RefreshScheduled,
		r.RefreshCompleted,
		r.RefreshFailed,
		r.OrchestrateRequests,
		r.HotCacheEntries,
		r.HotCacheEvictions,
	)

	return r
}

// Handler serves this instance's metrics in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// OpTimer tracks one operation's wall time.
type OpTimer struct {
	registry  *Registry
	component string
	op        string
	start     time.Time
}

// StartOpTimer begins timing an operation.
func (r *Registry) StartOpTimer(component, op string) *OpTimer {
	return &OpTimer{registry: r, component: component, op: op, start: time.Now()}
}

// Stop records the duration under the given result label and returns it.
func (t *OpTimer) Stop(result string) time.Duration {
	elapsed := time.Since(t.start)
	t.registry.OpDuration.WithLabelValues(t.component, t.op, result).Observe(elapsed.Seconds())
	return elapsed
}

// RecordHit counts a hit for the given tier and refreshes the ratio gauge.
func (r *Registry) RecordHit(tier string) {
	r.CacheHits.WithLabelValues(tier).Inc()
	r.hitCount.Add(1)
	r.updateHitRatio()
}

// RecordMiss counts a miss for the given tier and refreshes the ratio gauge.
func (r *Registry) RecordMiss(tier string) {
	r.CacheMisses.WithLabelValues(tier).Inc()
	r.missCount.Add(1)
	r.updateHitRatio()
}

// RecordError counts a classified error for the given tier.
func (r *Registry) RecordError(tier, code string) {
	r.CacheErrors.WithLabelValues(tier, code).Inc()
}

// RecordSlowOp counts an operation that exceeded the slow threshold.
func (r *Registry) RecordSlowOp(component, op string, elapsed time.Duration) {
	r.SlowOps.WithLabelValues(component, op).Inc()
	log.Warn().
		Str("component", component).
		Str("op", op).
		Dur("duration", elapsed).
		Msg("slow cache operation")
}

func (r *Registry) updateHitRatio() {
	hits := float64(r.hitCount.Load())
	total := hits + float64(r.missCount.Load())
	if total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

// EventHandler bridges governor bus events into Prometheus collectors. The
// cache and orchestrator hold the registry and record their series directly;
// the governor only publishes events, so its gauges are fed from here. Wire
// it into the same events.AsyncBus as the stats collector.
func (r *Registry) EventHandler() events.Handler {
	return func(ev events.Event) {
		switch ev.MetricName {
		case events.MetricConcurrencyAdjusted:
			r.GovernorLimit.Set(ev.MetricValue)
		case events.MetricCapacityWarning:
			r.GovernorRejections.Inc()
		}
	}
}
