package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// RefreshStats snapshots the background refresh pool.
type RefreshStats struct {
	Tracked   int   `json:"tracked"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// refreshEntry is one tracked key. lastAt spaces refreshes per key; inFlight
// keeps the scanner from double-dispatching while a refresh runs.
type refreshEntry struct {
	key        string
	strategy   Strategy
	ttlSeconds int64
	fetch      FetchFunc
	lastAt     time.Time
	inFlight   bool
}

// refreshPool keeps strong- and weak-timeliness keys warm. A heartbeat scan
// probes the tracked keys' remaining TTL in one pipeline and re-fetches the
// ones that crossed their strategy's refresh ratio, paced by a global rate
// limiter and capped by the governor's current concurrency limit so refresh
// pressure backs off together with decompression pressure.
type refreshPool struct {
	orch *Orchestrator
	gov  *governor.Governor
	rdb  *redisclient.Client

	mu      sync.Mutex
	entries map[string]*refreshEntry

	strongRatio  float64
	weakRatio    float64
	minInterval  time.Duration
	maxTracked   int
	scanInterval time.Duration
	opTimeout    time.Duration
	drainBudget  time.Duration
	limiter      *rate.Limiter

	inflight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newRefreshPool(o *Orchestrator, gov *governor.Governor, cfg *config.Config) *refreshPool {
	rps := cfg.Orchestrator.RefreshRatePerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	p := &refreshPool{
		orch:         o,
		gov:          gov,
		rdb:          o.rdb,
		entries:      make(map[string]*refreshEntry),
		strongRatio:  cfg.Orchestrator.StrongUpdateRatio,
		weakRatio:    cfg.Orchestrator.WeakUpdateRatio,
		minInterval:  cfg.Orchestrator.GetMinUpdateInterval(),
		maxTracked:   cfg.Orchestrator.RefreshQueueSize,
		scanInterval: cfg.Intervals.GetHeartbeatInterval(),
		opTimeout:    cfg.Performance.GetOperationTimeout(),
		drainBudget:  cfg.Orchestrator.GetGracefulShutdownTimeout(),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
		stop:         make(chan struct{}),
	}

	p.wg.Add(1)
	go p.loop()
	return p
}

// track registers a key for proactive refresh. Only the strong and weak
// timeliness strategies participate; everything else ages out naturally.
// When the registry is full the newest key is the one dropped.
func (p *refreshPool) track(key string, strategy Strategy, ttlSeconds int64, fetch FetchFunc) {
	if strategy != StrategyStrongTimeliness && strategy != StrategyWeakTimeliness {
		return
	}
	if fetch == nil || ttlSeconds <= 0 {
		return
	}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.strategy = strategy
		e.ttlSeconds = ttlSeconds
		e.fetch = fetch
		p.mu.Unlock()
		return
	}
	if len(p.entries) >= p.maxTracked {
		p.mu.Unlock()
		p.dropped.Add(1)
		p.orch.bus.Publish(events.Counter("orchestrator", events.MetricCapacityWarning, map[string]string{
			"reason": "refresh_registry_full",
		}))
		log.Warn().Str("key", key).Int("tracked", p.maxTracked).
			Msg("refresh registry full, key will not be refreshed")
		return
	}
	p.entries[key] = &refreshEntry{
		key:        key,
		strategy:   strategy,
		ttlSeconds: ttlSeconds,
		fetch:      fetch,
		lastAt:     time.Now(),
	}
	p.mu.Unlock()
}

// untrack stops refreshing a key, typically after an explicit delete.
func (p *refreshPool) untrack(key string) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

func (p *refreshPool) tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *refreshPool) stats() RefreshStats {
	return RefreshStats{
		Tracked:   p.tracked(),
		InFlight:  int(p.inflight.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *refreshPool) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.scan()
		case <-p.stop:
			return
		}
	}
}

// scan probes every idle tracked key's PTTL in one pipeline and dispatches
// refreshes for the eligible ones. Dispatch stops once the in-flight count
// reaches the governor's current limit; the rest wait for the next heartbeat.
func (p *refreshPool) scan() {
	p.mu.Lock()
	idle := make([]string, 0, len(p.entries))
	for k, e := range p.entries {
		if !e.inFlight {
			idle = append(idle, k)
		}
	}
	p.mu.Unlock()
	if len(idle) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(p.rootCtx, p.opTimeout)
	pttls, err := p.rdb.PttlPipeline(ctx, idle)
	cancel()
	if err != nil {
		log.Debug().Err(err).Int("keys", len(idle)).Msg("refresh ttl probe failed, skipping scan")
		return
	}

	budget := int64(p.gov.Limit())
	now := time.Now()
	for i, key := range idle {
		if p.inflight.Load() >= budget {
			break
		}
		if !p.eligible(pttls[i], key, now) {
			continue
		}
		p.dispatch(key)
	}
}

// eligible applies the strategy refresh ratio and the per-key spacing. A
// missing key counts as fully drained and is refreshed; a key without expiry
// has nothing to refresh.
func (p *refreshPool) eligible(pttlMs int64, key string, now time.Time) bool {
	if pttlMs == redisclient.TTLNoExpiry {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok || e.inFlight {
		return false
	}
	if now.Sub(e.lastAt) < p.minInterval {
		return false
	}

	remaining := float64(pttlMs)
	if pttlMs == redisclient.TTLKeyMissing || pttlMs < 0 {
		remaining = 0
	}
	ratio := remaining / (float64(e.ttlSeconds) * 1000)

	threshold := p.weakRatio
	if e.strategy == StrategyStrongTimeliness {
		threshold = p.strongRatio
	}
	return ratio < threshold
}

// dispatch marks the entry in flight and spawns the refresh goroutine. The
// goroutine works on a snapshot so a concurrent re-track cannot race the
// fields mid-refresh.
func (p *refreshPool) dispatch(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.inFlight {
		p.mu.Unlock()
		return
	}
	e.inFlight = true
	snap := *e
	p.mu.Unlock()

	p.inflight.Add(1)
	p.orch.reg.RefreshScheduled.Inc()
	p.orch.bus.Publish(events.Counter("orchestrator", events.MetricBackgroundScheduled, map[string]string{
		"strategy": string(snap.strategy),
		"key":      key,
	}))

	p.wg.Add(1)
	go p.refreshOne(&snap)
}

func (p *refreshPool) refreshOne(e *refreshEntry) {
	defer p.wg.Done()
	defer p.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(p.rootCtx, p.opTimeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		// Shutdown or deadline while waiting for a slot; leave the entry
		// for the next scan.
		p.settle(e.key, false)
		return
	}

	start := time.Now()
	payload, err := p.orch.runFetch(ctx, e.fetch)
	if err == nil {
		// Skip the write if the key was untracked while we fetched, so a
		// deleted key is not resurrected.
		if p.has(e.key) {
			err = p.orch.cache.SetPayload(ctx, e.key, payload, e.ttlSeconds)
		}
	}

	if err != nil {
		p.failed.Add(1)
		p.orch.reg.RefreshFailed.Inc()
		p.orch.bus.Publish(events.Counter("orchestrator", events.MetricBackgroundFailed, map[string]string{
			"strategy": string(e.strategy),
			"key":      e.key,
		}))
		log.Debug().Str("key", e.key).Err(err).Msg("background refresh failed")
	} else {
		p.completed.Add(1)
		p.orch.reg.RefreshCompleted.Inc()
		p.orch.bus.Publish(events.Timer("orchestrator", events.MetricBackgroundCompleted, time.Since(start), map[string]string{
			"strategy": string(e.strategy),
			"key":      e.key,
		}))
	}

	p.settle(e.key, true)
}

// settle clears the in-flight mark. touch restamps lastAt so failed and
// completed refreshes both respect the per-key spacing before retrying.
func (p *refreshPool) settle(key string, touch bool) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.inFlight = false
		if touch {
			e.lastAt = time.Now()
		}
	}
	p.mu.Unlock()
}

func (p *refreshPool) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// close stops the scanner and drains in-flight refreshes within the
// shutdown budget; refreshes still running after that are cancelled.
func (p *refreshPool) close() {
	p.stopOnce.Do(func() {
		close(p.stop)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.drainBudget):
			log.Warn().Int64("in_flight", p.inflight.Load()).
				Msg("refresh drain budget exceeded, cancelling stragglers")
		}
		p.rootCancel()
	})
}
