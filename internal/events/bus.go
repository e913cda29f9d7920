package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Metric names emitted by the caching core.
const (
	MetricCacheGetSuccess       = "cache_get_success"
	MetricCacheGetFailed        = "cache_get_failed"
	MetricCacheSetFailed        = "cache_set_failed"
	MetricDecompressionFailed   = "decompression_failed"
	MetricBackgroundScheduled   = "background_update_scheduled"
	MetricBackgroundCompleted   = "background_update_completed"
	MetricBackgroundFailed      = "background_update_failed"
	MetricConcurrencyAdjusted   = "concurrency_adjusted"
	MetricMemoryPressureHandled = "memory_pressure_handled"
	MetricCapacityWarning       = "capacity_warning"
	MetricSymbolTransformDone   = "symbol_transformation_completed"
	MetricSymbolTransformFailed = "symbol_transformation_failed"
	MetricError                 = "error"
)

// Gauge names published on the periodic collection tick.
const (
	MetricHitRate       = "cache_hit_rate"
	MetricAvgGetLatency = "avg_get_latency_ms"
	MetricGoroutines    = "goroutines"
	MetricHeapAllocMB   = "heap_alloc_mb"
)

// Metric types carried on the METRIC_COLLECTED channel.
const (
	TypeCounter = "counter"
	TypeGauge   = "gauge"
	TypeTimer   = "timer"
)

// Event is the fire-and-forget metric record shared with external consumers.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	MetricType  string            `json:"metricType"`
	MetricName  string            `json:"metricName"`
	MetricValue float64           `json:"metricValue"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Bus delivers metric events off the hot path. Publish must never block.
type Bus interface {
	Publish(ev Event)
}

// NopBus discards every event.
type NopBus struct{}

// Publish implements Bus.
func (NopBus) Publish(Event) {}

// Handler consumes delivered events.
type Handler func(ev Event)

// AsyncBus buffers events on a channel and dispatches them on a single
// goroutine. When the buffer is full the newest event is dropped and
// counted; publishers are never blocked.
type AsyncBus struct {
	ch       chan Event
	handlers []Handler
	dropped  atomic.Int64
	closed   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewAsyncBus starts the dispatch goroutine. A zero buffer falls back to 256.
func NewAsyncBus(buffer int, handlers ...Handler) *AsyncBus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &AsyncBus{
		ch:       make(chan Event, buffer),
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues the event without blocking; full buffer drops it.
func (b *AsyncBus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		n := b.dropped.Add(1)
		if n%1000 == 1 {
			log.Warn().Int64("dropped", n).Msg("Event bus buffer full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (b *AsyncBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the dispatcher after draining buffered events. Idempotent.
func (b *AsyncBus) Close() {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.ch)
		<-b.done
	})
}

func (b *AsyncBus) dispatch() {
	defer close(b.done)
	for ev := range b.ch {
		for _, h := range b.handlers {
			h(ev)
		}
	}
}

// Counter builds a counter-typed event with value 1.
func Counter(source, name string, tags map[string]string) Event {
	return Event{
		Timestamp:   time.Now(),
		Source:      source,
		MetricType:  TypeCounter,
		MetricName:  name,
		MetricValue: 1,
		Tags:        tags,
	}
}

// Gauge builds a gauge-typed event.
func Gauge(source, name string, value float64, tags map[string]string) Event {
	return Event{
		Timestamp:   time.Now(),
		Source:      source,
		MetricType:  TypeGauge,
		MetricName:  name,
		MetricValue: value,
		Tags:        tags,
	}
}

// Timer builds a timer-typed event with a millisecond value.
func Timer(source, name string, elapsed time.Duration, tags map[string]string) Event {
	return Event{
		Timestamp:   time.Now(),
		Source:      source,
		MetricType:  TypeTimer,
		MetricName:  name,
		MetricValue: float64(elapsed.Milliseconds()),
		Tags:        tags,
	}
}
