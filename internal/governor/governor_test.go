package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/events"
)

// testCfg returns a governor config whose controller ticker stays quiet so
// tests drive adjustments by hand.
func testCfg() config.GovernorConfig {
	return config.GovernorConfig{
		Mode:             string(ModeBalanced),
		MaxConcurrent:    2,
		MaxQueueSize:     8,
		AdjustIntervalMS: 3_600_000,
		CooldownMS:       3_600_000,
		WindowSize:       50,
		MaxRetries:       0,
	}
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{MemoryThresholdRatio: 0.85}
}

// recordBus captures published events for assertions.
type recordBus struct {
	mu  sync.Mutex
	evs []events.Event
}

func (b *recordBus) Publish(ev events.Event) {
	b.mu.Lock()
	b.evs = append(b.evs, ev)
	b.mu.Unlock()
}

func (b *recordBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.evs))
	for i, ev := range b.evs {
		out[i] = ev.MetricName
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDo_RunsWorkAndCounts(t *testing.T) {
	g := New(testCfg(), testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	ran := 0
	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), PriorityNormal, func(context.Context) error {
			ran++
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 5, ran)
	st := g.Stats()
	assert.Equal(t, int64(5), st.Completed)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, 5, st.WindowSamples)
	assert.Equal(t, 1.0, st.SuccessRate)
}

func TestDo_PriorityOrderUnderSingleSlot(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrent = 1
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Do(context.Background(), PriorityNormal, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started // the single slot is now held

	var mu sync.Mutex
	var order []string
	submit := func(name string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), p, func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
	}
	submit("low", PriorityLow)
	submit("normal", PriorityNormal)
	submit("high", PriorityHigh)
	waitFor(t, func() bool { return g.Stats().Queued == 3 }, "tasks never queued")

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestDo_QueueFullRejects(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrent = 1
	cfg.MaxQueueSize = 1
	bus := &recordBus{}
	g := New(cfg, testLimits(), bus, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Do(context.Background(), PriorityNormal, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started
	go func() {
		defer wg.Done()
		g.Do(context.Background(), PriorityNormal, func(context.Context) error { return nil })
	}()
	waitFor(t, func() bool { return g.Stats().Queued == 1 }, "second task never queued")

	err := g.Do(context.Background(), PriorityHigh, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), g.Stats().Rejected)
	assert.Contains(t, bus.names(), events.MetricCapacityWarning)

	close(gate)
	wg.Wait()
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 2
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	attempts := 0
	err := g.Do(context.Background(), PriorityNormal, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	st := g.Stats()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(2), st.Retried)
}

func TestDo_RetriesExhausted(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 1
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	boom := errors.New("corrupt payload")
	err := g.Do(context.Background(), PriorityNormal, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	st := g.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Retried)
	assert.Equal(t, int64(0), st.Completed)
}

func TestDo_CancelledContext(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrent = 1
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Do(context.Background(), PriorityNormal, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, PriorityNormal, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(gate)
	wg.Wait()
}

func TestClose_FailsQueuedAndRejectsNew(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrent = 1
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})

	gate := make(chan struct{})
	started := make(chan struct{})
	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- g.Do(context.Background(), PriorityNormal, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- g.Do(context.Background(), PriorityNormal, func(context.Context) error { return nil })
	}()
	waitFor(t, func() bool { return g.Stats().Queued == 1 }, "task never queued")

	closeDone := make(chan struct{})
	go func() {
		g.Close()
		close(closeDone)
	}()

	// Close fails the backlog immediately, then waits for the runner.
	require.ErrorIs(t, <-queuedErr, ErrClosed)
	close(gate)
	require.NoError(t, <-runnerErr)
	<-closeDone

	err := g.Do(context.Background(), PriorityNormal, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestAdaptive_RaisesOnlyWithHealthyBacklogAndSamples(t *testing.T) {
	cfg := testCfg()
	cfg.Mode = string(ModeAdaptive)
	cfg.MaxConcurrent = 4
	cfg.MaxQueueSize = 32
	bus := &recordBus{}
	g := New(cfg, testLimits(), bus, FixedProbe{Mem: 0.1, CPU: 0.1})

	// Hold every slot and build a backlog above the raise threshold.
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4+6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), PriorityNormal, func(context.Context) error {
				<-gate
				return nil
			})
		}()
	}
	waitFor(t, func() bool {
		st := g.Stats()
		return st.Running == 4 && st.Queued == 6
	}, "backlog never formed")

	// Healthy window, but too few samples: no adjustment.
	for i := 0; i < minWindowSamples-1; i++ {
		g.window.add(true, 50)
	}
	g.adjust()
	assert.Equal(t, 4, g.Stats().Limit, "short window must not raise")

	g.window.add(true, 50)
	g.adjust()
	assert.Equal(t, 5, g.Stats().Limit)
	assert.Contains(t, bus.names(), events.MetricConcurrencyAdjusted)

	// Cooldown gates back-to-back raises.
	g.adjust()
	assert.Equal(t, 5, g.Stats().Limit, "cooldown must block the second raise")

	close(gate)
	wg.Wait()
	g.Close()
}

func TestAdaptive_LowersOnDegradedWindow(t *testing.T) {
	cfg := testCfg()
	cfg.Mode = string(ModeAdaptive)
	cfg.MaxConcurrent = 4
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.1, CPU: 0.1})
	defer g.Close()

	for i := 0; i < minWindowSamples; i++ {
		g.window.add(false, 5000)
	}
	g.adjust()
	assert.Equal(t, 3, g.Stats().Limit)
}

func TestAdjust_MemoryPressureShedsInFixedModes(t *testing.T) {
	bus := &recordBus{}
	g := New(testCfg(), testLimits(), bus, FixedProbe{Mem: 0.95, CPU: 0.1})
	defer g.Close()

	require.Equal(t, 2, g.Stats().Limit)
	g.adjust()
	assert.Equal(t, 1, g.Stats().Limit)
	assert.Contains(t, bus.names(), events.MetricMemoryPressureHandled)
}

func TestAdjust_MemoryBelowThresholdKeepsFixedLimit(t *testing.T) {
	bus := &recordBus{}
	g := New(testCfg(), testLimits(), bus, FixedProbe{Mem: 0.82, CPU: 0.1})
	defer g.Close()

	g.adjust()
	assert.Equal(t, 2, g.Stats().Limit, "fixed mode holds until the hard threshold")
	assert.NotContains(t, bus.names(), events.MetricMemoryPressureHandled)
}

func TestAdaptive_SoftMemoryLowersWithoutPressureEvent(t *testing.T) {
	bus := &recordBus{}
	cfg := testCfg()
	cfg.Mode = string(ModeAdaptive)
	cfg.MaxConcurrent = 4
	g := New(cfg, testLimits(), bus, FixedProbe{Mem: 0.82, CPU: 0.1})
	defer g.Close()

	g.adjust()
	assert.Equal(t, 3, g.Stats().Limit)
	assert.Contains(t, bus.names(), events.MetricConcurrencyAdjusted)
	assert.NotContains(t, bus.names(), events.MetricMemoryPressureHandled)
}

func TestAdjust_NeverBelowFloor(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrent = 1
	g := New(cfg, testLimits(), nil, FixedProbe{Mem: 0.95, CPU: 0.1})
	defer g.Close()

	g.adjust()
	assert.Equal(t, 1, g.Stats().Limit)
}

func TestNew_ModeScalingAndCeiling(t *testing.T) {
	cases := []struct {
		mode    Mode
		max     int
		limit   int
		ceiling int
	}{
		{ModeConservative, 10, 5, 50},
		{ModeBalanced, 10, 10, 50},
		{ModeAggressive, 10, 15, 50},
		{ModeAdaptive, 30, 30, 60},
	}
	for _, tc := range cases {
		cfg := testCfg()
		cfg.Mode = string(tc.mode)
		cfg.MaxConcurrent = tc.max
		g := New(cfg, testLimits(), nil, FixedProbe{})
		st := g.Stats()
		assert.Equal(t, tc.limit, st.Limit, "mode %s", tc.mode)
		assert.Equal(t, tc.ceiling, st.Ceiling, "mode %s", tc.mode)
		g.Close()
	}
}

func TestWindow_RingOverwrite(t *testing.T) {
	w := newWindow(4)
	for i := 0; i < 4; i++ {
		w.add(true, 100)
	}
	w.add(false, 500)
	w.add(false, 500)

	count, success, avg := w.snapshot()
	assert.Equal(t, 4, count)
	assert.Equal(t, 0.5, success)
	assert.Equal(t, 300.0, avg)
}

func TestRuntimeProbe_Bounds(t *testing.T) {
	p := NewRuntimeProbe(0)
	mem := p.MemoryRatio()
	cpu := p.CPURatio()
	assert.GreaterOrEqual(t, mem, 0.0)
	assert.LessOrEqual(t, mem, 1.0)
	assert.GreaterOrEqual(t, cpu, 0.0)
	assert.LessOrEqual(t, cpu, 1.0)
}
