// Package orchestrator is the strategy-driven entry point of the caching
// core. It resolves a TTL per request strategy, de-duplicates concurrent
// fetches per key with single-flight, writes results back through the common
// cache, and keeps strong/weak keys fresh with a background refresh pool.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/market"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/redisclient"
	"github.com/quotelab/smartcache/internal/symbols"
	"github.com/quotelab/smartcache/internal/ttl"
)

var (
	// ErrNoFetch rejects requests that miss the cache without a way to load.
	ErrNoFetch = errors.New("orchestrator: request has no fetch function")
	// ErrInvalidStrategy rejects requests with an unknown strategy.
	ErrInvalidStrategy = errors.New("orchestrator: unknown strategy")
	// ErrEmptyCacheKey rejects requests without a logical key.
	ErrEmptyCacheKey = errors.New("orchestrator: cache key cannot be empty")
	// ErrNoData reports a result without a payload to decode.
	ErrNoData = errors.New("orchestrator: result has no data")
	// ErrClosed rejects requests after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// FetchFunc loads a value from the upstream provider on a cache miss. The
// context carries the operation deadline; implementations must honor it.
type FetchFunc func(ctx context.Context) (any, error)

// RequestMeta carries optional request context. Zero values mean
// "not specified".
type RequestMeta struct {
	// Provider selects the symbol transformation table.
	Provider string
	// APIType is an opaque tag (for example "rest" or "stream") folded into
	// the key params so both forms cache independently.
	APIType string
	// Freshness refines MARKET_AWARE TTLs through the TTL calculator.
	Freshness ttl.Freshness
	// TTLSeconds overrides the strategy TTL outright. Clamped into bounds.
	TTLSeconds int64
}

// Request is one orchestration call. CacheKey is the logical prefix; the
// storage key is derived from it plus the (normalized) symbols and params.
type Request struct {
	CacheKey string
	Strategy Strategy
	Symbols  []string
	Params   map[string]string
	DataType string
	Market   string
	Fetch    FetchFunc
	Metadata *RequestMeta
}

// Result is the unified orchestration outcome. On error Data is nil and Err
// carries the cause; cache misbehavior never lands here, only fetch and
// validation failures do.
type Result struct {
	Data         json.RawMessage `json:"data,omitempty"`
	Hit          bool            `json:"hit"`
	TTLRemaining int64           `json:"ttlRemainingSeconds"`
	DynamicTTL   int64           `json:"dynamicTtlSeconds"`
	Strategy     Strategy        `json:"strategy"`
	StorageKey   string          `json:"storageKey"`
	Timestamp    time.Time       `json:"timestamp"`
	Err          error           `json:"-"`
}

// Stats counts orchestration outcomes since construction.
type Stats struct {
	Requests          int64        `json:"requests"`
	Hits              int64        `json:"hits"`
	Misses            int64        `json:"misses"`
	HitRate           float64      `json:"hit_rate"`
	Fetches           int64        `json:"fetches"`
	FetchFailures     int64        `json:"fetch_failures"`
	SingleFlightJoins int64        `json:"single_flight_joins"`
	Refresh           RefreshStats `json:"refresh"`
}

// Health reports the orchestrator's view of its dependencies.
type Health struct {
	Status         string    `json:"status"` // healthy|degraded|unhealthy
	RedisConnected bool      `json:"redis_connected"`
	BreakerState   string    `json:"breaker_state"`
	RefreshTracked int       `json:"refresh_tracked"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Option customizes optional collaborators at construction.
type Option func(*Orchestrator)

// WithMarketProvider wires the market status source used by MARKET_AWARE.
func WithMarketProvider(p market.Provider) Option {
	return func(o *Orchestrator) { o.market = p }
}

// WithTransformer wires symbol normalization ahead of key construction.
func WithTransformer(t symbols.Transformer) Option {
	return func(o *Orchestrator) { o.xform = t }
}

// Orchestrator coordinates strategy dispatch, single-flight fetching and
// background refresh. Instances are safe for concurrent use.
type Orchestrator struct {
	cache  *cache.Cache
	rdb    *redisclient.Client
	kb     *keys.Builder
	bus    events.Bus
	reg    *metrics.Registry
	market market.Provider
	xform  symbols.Transformer

	ttlCfg          config.TTLConfig
	bounds          ttl.Bounds
	namespace       string
	opTimeout       time.Duration
	batchPar        int
	noExpireDefault int64

	flights singleflight.Group
	refresh *refreshPool
	closed  atomic.Bool

	requests      atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	fetches       atomic.Int64
	fetchFailures atomic.Int64
	joins         atomic.Int64
}

// New wires an orchestrator and starts its background refresh pool. A nil
// bus or registry falls back to no-op implementations.
func New(c *cache.Cache, rdb *redisclient.Client, kb *keys.Builder, gov *governor.Governor, bus events.Bus, reg *metrics.Registry, cfg *config.Config, opts ...Option) *Orchestrator {
	if bus == nil {
		bus = events.NopBus{}
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	o := &Orchestrator{
		cache:           c,
		rdb:             rdb,
		kb:              kb,
		bus:             bus,
		reg:             reg,
		ttlCfg:          cfg.TTL,
		namespace:       keys.PrefixSmartCache,
		opTimeout:       cfg.Performance.GetOperationTimeout(),
		batchPar:        cfg.Performance.MaxConcurrentOperations,
		noExpireDefault: cfg.Cache.NoExpireDefaultSeconds,
		bounds: ttl.Bounds{
			MinSeconds:     cfg.Cache.MinTTLSeconds,
			MaxSeconds:     cfg.Cache.MaxTTLSeconds,
			DefaultSeconds: cfg.Cache.DefaultTTLSeconds,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.refresh = newRefreshPool(o, gov, cfg)
	return o
}

// Orchestrate runs one request through strategy dispatch, the cache, and the
// single-flight barrier. It never panics and never returns nil; fetch and
// validation failures are carried in Result.Err.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *Request) *Result {
	timer := o.reg.StartOpTimer("orchestrator", "orchestrate")
	o.requests.Add(1)

	res := &Result{Strategy: req.Strategy, Timestamp: time.Now()}
	if o.closed.Load() {
		res.Err = ErrClosed
		o.finish(timer, req, res, "closed")
		return res
	}
	if err := validate(req); err != nil {
		res.Err = err
		o.finish(timer, req, res, "invalid")
		return res
	}

	syms := o.normalizeSymbols(ctx, req)
	key, err := o.storageKey(req, syms)
	if err != nil {
		res.Err = err
		o.finish(timer, req, res, "invalid")
		return res
	}
	res.StorageKey = key

	ttlSeconds := o.resolveTTL(ctx, req)
	res.DynamicTTL = ttlSeconds

	// NO_CACHE bypasses both the read and the write; every caller pays for
	// its own fetch.
	if ttlSeconds <= 0 {
		payload, err := o.runFetch(ctx, req.Fetch)
		if err != nil {
			res.Err = err
			o.fetchFailures.Add(1)
			o.finish(timer, req, res, "fetch_error")
			return res
		}
		res.Data = payload
		o.fetches.Add(1)
		o.finish(timer, req, res, "fetch")
		return res
	}

	if hit, ok := o.cache.Get(ctx, key); ok {
		res.Data = hit.Data
		res.Hit = true
		res.TTLRemaining = hit.TTLRemainingSeconds
		o.hits.Add(1)
		o.finish(timer, req, res, "hit")
		return res
	}
	o.misses.Add(1)

	o.execute(ctx, req, res, key, ttlSeconds)
	switch {
	case res.Err != nil:
		o.finish(timer, req, res, "fetch_error")
	case res.Hit:
		o.finish(timer, req, res, "joined")
	default:
		o.finish(timer, req, res, "fetch")
	}
	return res
}

// execute runs the single-flight fetch for key. The winning caller executes
// the closure (fetch, write-back, refresh tracking) and reports Hit=false;
// every concurrent joiner shares the same payload or error and reports
// Hit=true. The flight runs on a context detached from the winner so one
// caller's cancellation cannot starve the others.
func (o *Orchestrator) execute(ctx context.Context, req *Request, res *Result, key string, ttlSeconds int64) {
	var won bool
	ch := o.flights.DoChan(key, func() (any, error) {
		won = true
		fctx, cancel := o.flightContext(ctx)
		defer cancel()

		payload, err := o.runFetch(fctx, req.Fetch)
		if err != nil {
			return nil, err
		}
		// A failed write-back only costs freshness bookkeeping; the payload
		// is still good for every waiter. The cache has already logged it.
		if err := o.cache.SetPayload(fctx, key, payload, ttlSeconds); err == nil {
			o.refresh.track(key, req.Strategy, ttlSeconds, req.Fetch)
		}
		return payload, nil
	})

	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case flight := <-ch:
		if flight.Err != nil {
			res.Err = flight.Err
			o.fetchFailures.Add(1)
			return
		}
		res.Data = flight.Val.(json.RawMessage)
		res.TTLRemaining = ttlSeconds
		if won {
			o.fetches.Add(1)
			return
		}
		res.Hit = true
		o.joins.Add(1)
	}
}

// BatchOrchestrate runs every request concurrently, bounded by the
// configured parallelism. The result slice is index-aligned with reqs; the
// requests share one single-flight map, so duplicate keys inside a batch
// fetch once.
func (o *Orchestrator) BatchOrchestrate(ctx context.Context, reqs []*Request) []*Result {
	out := make([]*Result, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	g := new(errgroup.Group)
	g.SetLimit(o.batchPar)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			out[i] = o.Orchestrate(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// validate checks the request shape. Strategy and key problems are caller
// bugs and fail fast; everything downstream degrades instead.
func validate(req *Request) error {
	if req.CacheKey == "" {
		return ErrEmptyCacheKey
	}
	switch req.Strategy {
	case StrategyStrongTimeliness, StrategyWeakTimeliness, StrategyMarketAware,
		StrategyNoCache, StrategyAdaptive:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}
	if req.Fetch == nil {
		return ErrNoFetch
	}
	return nil
}

// normalizeSymbols maps request symbols to their standard form when a
// transformer is configured. Transformation failures fall back to the raw
// symbols: a degraded key is better than a failed read.
func (o *Orchestrator) normalizeSymbols(ctx context.Context, req *Request) []string {
	if o.xform == nil || len(req.Symbols) == 0 {
		return req.Symbols
	}
	provider := ""
	if req.Metadata != nil {
		provider = req.Metadata.Provider
	}

	tr, err := o.xform.Transform(ctx, provider, req.Symbols, symbols.ToStandard)
	if err != nil {
		o.bus.Publish(events.Counter("orchestrator", events.MetricSymbolTransformFailed, map[string]string{
			"provider": provider,
		}))
		log.Warn().Str("provider", provider).Err(err).Msg("symbol transformation failed, using raw symbols")
		return req.Symbols
	}

	o.bus.Publish(events.Timer("orchestrator", events.MetricSymbolTransformDone,
		time.Duration(tr.Metadata.ProcessingTimeMs)*time.Millisecond, map[string]string{
			"provider": provider,
		}))

	// Unmapped symbols keep their raw form so the key still covers the full
	// request.
	if len(tr.FailedSymbols) == 0 {
		return tr.MappedSymbols
	}
	out := make([]string, 0, len(tr.MappedSymbols)+len(tr.FailedSymbols))
	out = append(out, tr.MappedSymbols...)
	out = append(out, tr.FailedSymbols...)
	return out
}

// storageKey derives the namespaced warm-tier key. Requests without symbols
// use CacheKey verbatim as the sub-key; params (and the apiType tag) only
// apply on the built path.
func (o *Orchestrator) storageKey(req *Request, syms []string) (string, error) {
	if len(syms) == 0 {
		return keys.Namespaced(o.namespace, req.CacheKey), nil
	}

	params := req.Params
	if req.Metadata != nil && req.Metadata.APIType != "" {
		params = make(map[string]string, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		params["api"] = req.Metadata.APIType
	}

	built, err := o.kb.Build(req.CacheKey, syms, params)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build key: %w", err)
	}
	return keys.Namespaced(o.namespace, built), nil
}

// runFetch executes the caller's fetch under the operation deadline and
// normalizes the result to a JSON payload.
func (o *Orchestrator) runFetch(ctx context.Context, fetch FetchFunc) (json.RawMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	value, err := fetch(fctx)
	if err != nil {
		return nil, err
	}
	return encodePayload(value)
}

// encodePayload converts a fetch result to its stored JSON form without
// re-encoding values that already are JSON.
func encodePayload(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode fetch result: %w", err)
	}
	return payload, nil
}

// flightContext detaches the winner's fetch from its caller. Values survive
// for tracing; cancellation does not, so joiners are not killed by the
// winner's disappearance. The operation timeout still applies.
func (o *Orchestrator) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(detachedCtx{ctx}, o.opTimeout)
}

type detachedCtx struct{ context.Context }

func (detachedCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedCtx) Done() <-chan struct{}       { return nil }
func (detachedCtx) Err() error                  { return nil }

// finish stamps metrics for one orchestration outcome.
func (o *Orchestrator) finish(timer *metrics.OpTimer, req *Request, res *Result, outcome string) {
	timer.Stop(outcome)
	o.reg.OrchestrateRequests.WithLabelValues(string(req.Strategy), outcome).Inc()
	if res.Err != nil {
		log.Debug().
			Str("strategy", string(req.Strategy)).
			Str("key", res.StorageKey).
			Err(res.Err).
			Msg("orchestration failed")
	}
}

// ResultAs decodes a result payload into T.
func ResultAs[T any](res *Result) (T, error) {
	var out T
	if res.Err != nil {
		return out, res.Err
	}
	if len(res.Data) == 0 {
		return out, ErrNoData
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, fmt.Errorf("orchestrator: decode result: %w", err)
	}
	return out, nil
}

// OrchestrateAs orchestrates and decodes the payload into T in one call.
func OrchestrateAs[T any](ctx context.Context, o *Orchestrator, req *Request) (T, *Result) {
	res := o.Orchestrate(ctx, req)
	decoded, err := ResultAs[T](res)
	if err != nil && res.Err == nil {
		res.Err = err
	}
	return decoded, res
}

// GetStats snapshots the orchestration counters.
func (o *Orchestrator) GetStats() Stats {
	s := Stats{
		Requests:          o.requests.Load(),
		Hits:              o.hits.Load(),
		Misses:            o.misses.Load(),
		Fetches:           o.fetches.Load(),
		FetchFailures:     o.fetchFailures.Load(),
		SingleFlightJoins: o.joins.Load(),
		Refresh:           o.refresh.stats(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// ResetStats zeroes the orchestration counters. Refresh bookkeeping and
// Prometheus series are cumulative and stay untouched.
func (o *Orchestrator) ResetStats() {
	o.requests.Store(0)
	o.hits.Store(0)
	o.misses.Store(0)
	o.fetches.Store(0)
	o.fetchFailures.Store(0)
	o.joins.Store(0)
	o.cache.ResetStats()
}

// GetHealth probes Redis and reports the dependency view.
func (o *Orchestrator) GetHealth(ctx context.Context) *Health {
	h := &Health{
		BreakerState:   o.rdb.BreakerState().String(),
		RefreshTracked: o.refresh.tracked(),
		CheckedAt:      time.Now(),
	}
	h.RedisConnected = o.rdb.Ping(ctx) == nil
	switch {
	case h.RedisConnected:
		h.Status = "healthy"
	case o.rdb.Available():
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

// Ping verifies warm-tier connectivity end to end.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.rdb.Ping(ctx)
}

// Close stops the background refresh pool, draining in-flight refreshes
// within the graceful shutdown budget. Idempotent.
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.refresh.close()
}
