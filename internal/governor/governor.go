package governor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/events"
)

// Priority orders queued work. Interactive reads run before batch refills.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Mode selects how the concurrency limit is derived from configuration.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeAdaptive     Mode = "adaptive"
)

func (m Mode) multiplier() float64 {
	switch m {
	case ModeConservative:
		return 0.5
	case ModeAggressive:
		return 1.5
	default:
		return 1.0
	}
}

var (
	// ErrQueueFull rejects new work when the backlog is at capacity.
	ErrQueueFull = errors.New("governor: queue full")
	// ErrClosed rejects work submitted after Close.
	ErrClosed = errors.New("governor: closed")
)

type task struct {
	id       string
	ctx      context.Context
	priority Priority
	fn       func(ctx context.Context) error
	done     chan error
	enqueued time.Time
}

// Governor bounds concurrent decompression work. Callers submit closures
// through Do; a dispatcher admits them in priority order up to the current
// concurrency limit, which the adaptive controller tunes at runtime.
type Governor struct {
	cfg   config.GovernorConfig
	mode  Mode
	bus   events.Bus
	probe Probe

	mu      sync.Mutex
	queues  [3][]*task // indexed by Priority, FIFO within each
	queued  int
	running int
	limit   int
	closed  bool

	initial      int
	floor        int
	ceiling      int
	memThreshold float64

	lastAdjust time.Time
	window     *window

	completed int64
	failed    int64
	rejected  int64
	retried   int64

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of governor state.
type Stats struct {
	Mode          Mode    `json:"mode"`
	Limit         int     `json:"limit"`
	Ceiling       int     `json:"ceiling"`
	Running       int     `json:"running"`
	Queued        int     `json:"queued"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Rejected      int64   `json:"rejected"`
	Retried       int64   `json:"retried"`
	WindowSamples int     `json:"windowSamples"`
	SuccessRate   float64 `json:"successRate"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
}

// New builds a governor and starts its dispatcher and controller. The
// effective starting limit is the configured max scaled by the mode
// multiplier; adaptive mode starts at the configured value and tunes from
// there, never above max(initial*2, 50). limits supplies the memory
// threshold above which every mode sheds concurrency.
func New(cfg config.GovernorConfig, limits config.LimitsConfig, bus events.Bus, probe Probe) *Governor {
	if bus == nil {
		bus = events.NopBus{}
	}
	if probe == nil {
		probe = NewRuntimeProbe(0)
	}

	mode := Mode(cfg.Mode)
	initial := int(math.Round(float64(cfg.MaxConcurrent) * mode.multiplier()))
	if initial < 1 {
		initial = 1
	}
	ceiling := initial * 2
	if ceiling < 50 {
		ceiling = 50
	}
	memThreshold := limits.MemoryThresholdRatio
	if memThreshold <= 0 {
		memThreshold = defaultMemoryThreshold
	}

	g := &Governor{
		cfg:          cfg,
		mode:         mode,
		bus:          bus,
		probe:        probe,
		limit:        initial,
		initial:      initial,
		floor:        1,
		ceiling:      ceiling,
		memThreshold: memThreshold,
		window:       newWindow(cfg.WindowSize),
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}

	g.wg.Add(2)
	go g.dispatch()
	go g.controllerLoop()

	log.Debug().
		Str("mode", string(mode)).
		Int("limit", initial).
		Int("ceiling", ceiling).
		Msg("decompression governor started")
	return g
}

// Do runs fn under the concurrency limit, blocking until it finishes or ctx
// is cancelled. Failed runs are retried up to the configured attempts before
// the final error is returned. A full queue fails fast with ErrQueueFull.
func (g *Governor) Do(ctx context.Context, priority Priority, fn func(ctx context.Context) error) error {
	t := &task{
		id:       uuid.NewString(),
		ctx:      ctx,
		priority: priority,
		fn:       fn,
		done:     make(chan error, 1),
		enqueued: time.Now(),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.queued >= g.cfg.MaxQueueSize {
		g.rejected++
		g.mu.Unlock()
		g.bus.Publish(events.Counter("governor", events.MetricCapacityWarning, map[string]string{
			"reason": "queue_full",
		}))
		return ErrQueueFull
	}
	g.queues[priority] = append(g.queues[priority], t)
	g.queued++
	g.mu.Unlock()
	g.wake()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Governor) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// dispatch admits queued tasks whenever a slot is free, draining high
// priority before normal before low.
func (g *Governor) dispatch() {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		var next *task
		for g.running < g.limit {
			next = g.pop()
			if next == nil {
				break
			}
			if next.ctx.Err() != nil {
				next.done <- next.ctx.Err()
				next = nil
				continue
			}
			g.running++
			g.wg.Add(1)
			go g.run(next)
			next = nil
		}
		closed := g.closed
		g.mu.Unlock()

		if closed {
			return
		}
		select {
		case <-g.notify:
		case <-g.stop:
			return
		}
	}
}

// pop removes the oldest task from the highest non-empty priority class.
// Caller holds g.mu.
func (g *Governor) pop() *task {
	for p := PriorityHigh; p >= PriorityLow; p-- {
		q := g.queues[p]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		g.queues[p] = q[1:]
		g.queued--
		return t
	}
	return nil
}

func (g *Governor) run(t *task) {
	defer g.wg.Done()

	start := time.Now()
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if t.ctx.Err() != nil {
			err = t.ctx.Err()
			break
		}
		err = t.fn(t.ctx)
		if err == nil {
			break
		}
		if attempt < g.cfg.MaxRetries {
			g.mu.Lock()
			g.retried++
			g.mu.Unlock()
			log.Debug().
				Str("task", t.id).
				Int("attempt", attempt+1).
				Err(err).
				Msg("decompression attempt failed, retrying")
		}
	}
	elapsed := time.Since(start)

	g.mu.Lock()
	g.running--
	if err == nil {
		g.completed++
	} else {
		g.failed++
	}
	g.mu.Unlock()
	g.window.add(err == nil, float64(elapsed.Milliseconds()))

	t.done <- err
	g.wake()
}

// Stats snapshots counters and the sliding success window.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	s := Stats{
		Mode:      g.mode,
		Limit:     g.limit,
		Ceiling:   g.ceiling,
		Running:   g.running,
		Queued:    g.queued,
		Completed: g.completed,
		Failed:    g.failed,
		Rejected:  g.rejected,
		Retried:   g.retried,
	}
	g.mu.Unlock()
	s.WindowSamples, s.SuccessRate, s.AvgLatencyMs = g.window.snapshot()
	return s
}

// Limit returns the current concurrency limit. The background refresh pool
// sizes itself from this so decompression and refresh pressure move together.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// Close stops admitting work, fails everything still queued with ErrClosed
// and waits for running tasks and background loops to finish.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var pending []*task
	for p := PriorityLow; p <= PriorityHigh; p++ {
		pending = append(pending, g.queues[p]...)
		g.queues[p] = nil
	}
	g.queued = 0
	g.mu.Unlock()

	for _, t := range pending {
		t.done <- ErrClosed
	}
	close(g.stop)
	g.wake()
	g.wg.Wait()

	log.Debug().Msg("decompression governor stopped")
}
