package governor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/events"
)

// Controller thresholds. Raising needs every condition healthy plus real
// backlog; lowering triggers on any single degraded signal.
const (
	successHighWater   = 0.95
	successLowWater    = 0.90
	latencyLowWaterMs  = 2000.0
	latencyHighWaterMs = 4000.0
	memLowWater        = 0.7
	memHighWater       = 0.8
	cpuLowWater        = 0.7
	cpuHighWater       = 0.8
	queueBacklogMin    = 5
	minWindowSamples   = 10

	// Fallback when limits.memory_threshold_ratio is absent.
	defaultMemoryThreshold = 0.85
)

type sample struct {
	ok bool
	ms float64
}

// window is a fixed-size ring over the most recent task outcomes.
type window struct {
	mu      sync.Mutex
	samples []sample
	next    int
	filled  bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 50
	}
	return &window{samples: make([]sample, size)}
}

func (w *window) add(ok bool, ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = sample{ok: ok, ms: ms}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *window) snapshot() (count int, successRate, avgMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	count = w.next
	if w.filled {
		count = len(w.samples)
	}
	if count == 0 {
		return 0, 1, 0
	}
	oks := 0
	var total float64
	for i := 0; i < count; i++ {
		if w.samples[i].ok {
			oks++
		}
		total += w.samples[i].ms
	}
	return count, float64(oks) / float64(count), total / float64(count)
}

func (g *Governor) controllerLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.GetAdjustInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.adjust()
		case <-g.stop:
			return
		}
	}
}

// adjust applies one controller decision. Fixed modes only shed load when
// memory exceeds the configured threshold; adaptive mode also raises and
// lowers from the outcome window. Adjustments are spaced by the cooldown so
// a single bad tick cannot thrash the limit.
func (g *Governor) adjust() {
	mem := g.probe.MemoryRatio()
	cpu := g.probe.CPURatio()
	count, success, avg := g.window.snapshot()

	g.mu.Lock()
	if !g.lastAdjust.IsZero() && time.Since(g.lastAdjust) < g.cfg.GetCooldown() {
		g.mu.Unlock()
		return
	}
	limit := g.limit
	queued := g.queued
	g.mu.Unlock()

	memSoft := mem > memHighWater
	memHard := mem > g.memThreshold
	if g.mode != ModeAdaptive {
		if memHard && limit > g.floor {
			g.applyLimit(limit-1, "memory_pressure", mem, cpu, success, avg)
			g.bus.Publish(events.Counter("governor", events.MetricMemoryPressureHandled, nil))
		}
		return
	}

	haveSignal := count >= minWindowSamples
	lower := memSoft || cpu > cpuHighWater ||
		(haveSignal && (success < successLowWater || avg > latencyHighWaterMs))
	raise := haveSignal &&
		success > successHighWater && avg < latencyLowWaterMs &&
		mem < memLowWater && cpu < cpuLowWater &&
		queued > queueBacklogMin

	switch {
	case lower && limit > g.floor:
		reason := "window_degraded"
		if memSoft {
			reason = "memory_pressure"
		} else if cpu > cpuHighWater {
			reason = "cpu_pressure"
		}
		g.applyLimit(limit-1, reason, mem, cpu, success, avg)
		if memHard {
			g.bus.Publish(events.Counter("governor", events.MetricMemoryPressureHandled, nil))
		}
	case raise && limit < g.ceiling:
		g.applyLimit(limit+1, "backlog_healthy", mem, cpu, success, avg)
	}
}

func (g *Governor) applyLimit(newLimit int, reason string, mem, cpu, success, avg float64) {
	g.mu.Lock()
	old := g.limit
	g.limit = newLimit
	g.lastAdjust = time.Now()
	g.mu.Unlock()
	g.wake()

	direction := "up"
	if newLimit < old {
		direction = "down"
	}
	log.Info().
		Int("from", old).
		Int("to", newLimit).
		Str("reason", reason).
		Float64("success_rate", success).
		Float64("avg_ms", avg).
		Float64("mem_ratio", mem).
		Float64("cpu_ratio", cpu).
		Msg("governor concurrency adjusted")

	g.bus.Publish(events.Gauge("governor", events.MetricConcurrencyAdjusted, float64(newLimit), map[string]string{
		"direction": direction,
		"reason":    reason,
	}))
}
