package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/events"
)

// ewmaAlpha weights recent latency samples; ~20 samples to converge.
const ewmaAlpha = 0.2

// StatsSource supplies a component's own stats snapshot for /stats.
type StatsSource func() interface{}

// Collector aggregates operational statistics for the monitoring endpoints.
// It consumes bus events, tracks runtime stats and merges per-component
// snapshots from registered sources.
type Collector struct {
	mu    sync.RWMutex
	start time.Time

	hits        int64
	misses      int64
	getFailures int64
	setFailures int64

	decompressFailures int64
	refreshScheduled   int64
	refreshCompleted   int64
	refreshFailed      int64
	transformFailures  int64
	capacityWarnings   int64

	avgGetLatencyMs float64
	lastEvent       time.Time

	sources map[string]StatsSource
}

// CacheCounters summarizes read/write outcomes since startup.
type CacheCounters struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	GetFailures int64   `json:"get_failures"`
	SetFailures int64   `json:"set_failures"`
}

// RefreshCounters summarizes background refresh activity.
type RefreshCounters struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RuntimeStats is a trimmed runtime.MemStats view.
type RuntimeStats struct {
	Goroutines   int     `json:"goroutines"`
	HeapAllocMB  float64 `json:"heap_alloc_mb"`
	HeapInuseMB  float64 `json:"heap_inuse_mb"`
	NumGC        uint32  `json:"num_gc"`
	GCPauseMs    float64 `json:"last_gc_pause_ms"`
	GCCPUPercent float64 `json:"gc_cpu_percent"`
}

// Snapshot is the full stats document served by the monitor.
type Snapshot struct {
	Timestamp          time.Time              `json:"timestamp"`
	UptimeSeconds      float64                `json:"uptime_seconds"`
	Cache              CacheCounters          `json:"cache"`
	Refresh            RefreshCounters        `json:"refresh"`
	DecompressFailures int64                  `json:"decompress_failures"`
	TransformFailures  int64                  `json:"transform_failures"`
	CapacityWarnings   int64                  `json:"capacity_warnings"`
	AvgGetLatencyMs    float64                `json:"avg_get_latency_ms"`
	LastEvent          time.Time              `json:"last_event,omitempty"`
	Runtime            RuntimeStats           `json:"runtime"`
	Components         map[string]interface{} `json:"components,omitempty"`
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		start:   time.Now(),
		sources: make(map[string]StatsSource),
	}
}

// RegisterSource adds a component snapshot provider under name.
func (c *Collector) RegisterSource(name string, src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

// HandleEvent consumes one bus event. Wire it into an events.AsyncBus.
func (c *Collector) HandleEvent(ev events.Event) {
	if ev.Source == "collector" { // skip our own periodic gauges
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastEvent = ev.Timestamp
	switch ev.MetricName {
	case events.MetricCacheGetSuccess:
		if hit, ok := ev.Tags["hit"]; ok {
			if hit == "true" {
				c.hits++
			} else {
				c.misses++
			}
		}
		if ev.MetricType == events.TypeTimer {
			c.observeGetLatency(ev.MetricValue)
		}
	case events.MetricCacheGetFailed:
		c.getFailures++
	case events.MetricCacheSetFailed:
		c.setFailures++
	case events.MetricDecompressionFailed:
		c.decompressFailures++
	case events.MetricBackgroundScheduled:
		c.refreshScheduled++
	case events.MetricBackgroundCompleted:
		c.refreshCompleted++
	case events.MetricBackgroundFailed:
		c.refreshFailed++
	case events.MetricSymbolTransformFailed:
		c.transformFailures++
	case events.MetricCapacityWarning:
		c.capacityWarnings++
	}
}

// observeGetLatency folds one sample into the EWMA. Caller holds c.mu.
func (c *Collector) observeGetLatency(ms float64) {
	if c.avgGetLatencyMs == 0 {
		c.avgGetLatencyMs = ms
		return
	}
	c.avgGetLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*c.avgGetLatencyMs
}

// Snapshot returns a point-in-time copy of all collected statistics.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	snap := &Snapshot{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(c.start).Seconds(),
		Cache: CacheCounters{
			Hits:        c.hits,
			Misses:      c.misses,
			GetFailures: c.getFailures,
			SetFailures: c.setFailures,
		},
		Refresh: RefreshCounters{
			Scheduled: c.refreshScheduled,
			Completed: c.refreshCompleted,
			Failed:    c.refreshFailed,
		},
		DecompressFailures: c.decompressFailures,
		TransformFailures:  c.transformFailures,
		CapacityWarnings:   c.capacityWarnings,
		AvgGetLatencyMs:    c.avgGetLatencyMs,
		LastEvent:          c.lastEvent,
	}
	sources := make(map[string]StatsSource, len(c.sources))
	for name, src := range c.sources {
		sources[name] = src
	}
	c.mu.RUnlock()

	if total := snap.Cache.Hits + snap.Cache.Misses; total > 0 {
		snap.Cache.HitRate = float64(snap.Cache.Hits) / float64(total)
	}
	snap.Runtime = readRuntimeStats()

	if len(sources) > 0 {
		snap.Components = make(map[string]interface{}, len(sources))
		for name, src := range sources {
			snap.Components[name] = src()
		}
	}
	return snap
}

// StartCollection publishes gauge events on bus and logs a stats summary on
// every tick until ctx is cancelled. A nil bus discards the gauges.
func (c *Collector) StartCollection(ctx context.Context, interval time.Duration, bus events.Bus) {
	if bus == nil {
		bus = events.NopBus{}
	}
	log.Info().Dur("interval", interval).Msg("starting metrics collection")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping metrics collection")
			return
		case <-ticker.C:
			c.publishTick(bus)
		}
	}
}

func (c *Collector) publishTick(bus events.Bus) {
	snap := c.Snapshot()

	bus.Publish(events.Gauge("collector", events.MetricHitRate, snap.Cache.HitRate, nil))
	bus.Publish(events.Gauge("collector", events.MetricAvgGetLatency, snap.AvgGetLatencyMs, nil))
	bus.Publish(events.Gauge("collector", events.MetricGoroutines, float64(snap.Runtime.Goroutines), nil))
	bus.Publish(events.Gauge("collector", events.MetricHeapAllocMB, snap.Runtime.HeapAllocMB, nil))

	log.Debug().
		Int64("hits", snap.Cache.Hits).
		Int64("misses", snap.Cache.Misses).
		Float64("hit_rate", snap.Cache.HitRate).
		Float64("avg_get_ms", snap.AvgGetLatencyMs).
		Int64("refresh_completed", snap.Refresh.Completed).
		Int("goroutines", snap.Runtime.Goroutines).
		Msg("cache stats")
}

func readRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var lastPauseMs float64
	if m.NumGC > 0 {
		lastPauseMs = float64(m.PauseNs[(m.NumGC+255)%256]) / 1e6
	}
	return RuntimeStats{
		Goroutines:   runtime.NumGoroutine(),
		HeapAllocMB:  float64(m.HeapAlloc) / (1024 * 1024),
		HeapInuseMB:  float64(m.HeapInuse) / (1024 * 1024),
		NumGC:        m.NumGC,
		GCPauseMs:    lastPauseMs,
		GCCPUPercent: m.GCCPUFraction * 100,
	}
}
