// Package cache implements the warm-tier cache over the Redis facade: an
// envelope codec on the write path, governed decompression on the read path,
// and batch operations that preserve request order. Read operations never
// return transport errors; failures degrade to misses and surface through
// events and metrics instead.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/redisclient"
)

var (
	// ErrBatchTooLarge rejects batches over the configured hard limit.
	ErrBatchTooLarge = errors.New("cache: batch too large")
	// ErrValueTooLarge rejects values whose serialized form exceeds the
	// configured size limit.
	ErrValueTooLarge = errors.New("cache: value exceeds size limit")
)

// FallbackFunc loads a value from origin when the cache misses.
type FallbackFunc func(ctx context.Context) (interface{}, error)

// GetResult is a successful read. Data is always well-formed JSON; after a
// decompression downgrade it carries the raw stored payload and DegradedRead
// is set.
type GetResult struct {
	Key                 string          `json:"key"`
	Data                json.RawMessage `json:"data"`
	TTLRemainingSeconds int64           `json:"ttlRemainingSeconds"`
	StoredAtMs          int64           `json:"storedAtMs,omitempty"`
	AgeMs               int64           `json:"ageMs,omitempty"`
	Compressed          bool            `json:"compressed"`
	DegradedRead        bool            `json:"degradedRead,omitempty"`
}

// Stats counts cache outcomes since construction.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	ReadErrors  int64   `json:"read_errors"`
	Sets        int64   `json:"sets"`
	SetFailures int64   `json:"set_failures"`
	HitRate     float64 `json:"hit_rate"`
	SlowOps     int64   `json:"slow_ops"`
}

// Cache is the common warm-tier cache. Instances are safe for concurrent
// use; all state lives on the instance, nothing is process-global.
type Cache struct {
	rdb   *redisclient.Client
	codec *envelope.Codec
	gov   *governor.Governor
	bus   events.Bus
	reg   *metrics.Registry

	maxBatchSize    int
	chunkSize       int
	pipelineSize    int
	maxValueSize    int
	maxParallel     int
	noExpireDefault int64
	ttlBounds       config.CacheConfig
	opTimeout       time.Duration
	slowThreshold   time.Duration

	hits        atomic.Int64
	misses      atomic.Int64
	readErrors  atomic.Int64
	sets        atomic.Int64
	setFailures atomic.Int64
	slowOps     atomic.Int64
}

// New wires a cache from its dependencies. A nil bus or registry falls back
// to no-op implementations so library callers can opt out of observability.
func New(rdb *redisclient.Client, codec *envelope.Codec, gov *governor.Governor, bus events.Bus, reg *metrics.Registry, cfg *config.Config) *Cache {
	if bus == nil {
		bus = events.NopBus{}
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Cache{
		rdb:             rdb,
		codec:           codec,
		gov:             gov,
		bus:             bus,
		reg:             reg,
		maxBatchSize:    cfg.Limits.MaxBatchSize,
		chunkSize:       cfg.Performance.DefaultBatchSize,
		pipelineSize:    cfg.Limits.PipelineMaxSize,
		maxValueSize:    cfg.Limits.MaxValueSizeBytes,
		maxParallel:     cfg.Performance.MaxConcurrentOperations,
		noExpireDefault: cfg.Cache.NoExpireDefaultSeconds,
		ttlBounds:       cfg.Cache,
		opTimeout:       cfg.Performance.GetOperationTimeout(),
		slowThreshold:   time.Duration(cfg.Performance.SlowOperationThresholdMS) * time.Millisecond,
	}
}

// Get reads one key, issuing GET and PTTL concurrently. The bool reports a
// hit. Transport failures, unparsable entries whose raw form is unusable,
// and cancellation all degrade to a miss; the read path never returns an
// error to callers.
func (c *Cache) Get(ctx context.Context, key string) (*GetResult, bool) {
	timer := c.reg.StartOpTimer("cache", "get")

	var raw []byte
	var found bool
	var pttlMs int64 = redisclient.TTLKeyMissing

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, ok, err := c.rdb.Get(gctx, key)
		if err != nil {
			return err
		}
		raw, found = b, ok
		return nil
	})
	g.Go(func() error {
		// A failed PTTL only costs the TTL detail, not the read.
		ms, err := c.rdb.Pttl(gctx, key)
		if err == nil {
			pttlMs = ms
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.recordReadError(timer, key, "get", err)
		return nil, false
	}
	if !found {
		c.recordMiss(timer, key)
		return nil, false
	}

	res := c.buildResult(ctx, key, raw, pttlMs, governor.PriorityHigh)
	elapsed := timer.Stop("hit")
	c.observeSlow("get", elapsed)
	c.hits.Add(1)
	c.reg.RecordHit("warm")
	c.bus.Publish(events.Timer("cache", events.MetricCacheGetSuccess, elapsed, map[string]string{
		"hit": "true",
	}))
	return res, true
}

// buildResult parses the stored envelope and extracts the payload under the
// governor. Any failure downgrades to the raw stored bytes.
func (c *Cache) buildResult(ctx context.Context, key string, raw []byte, pttlMs int64, priority governor.Priority) *GetResult {
	res := &GetResult{
		Key:                 key,
		TTLRemainingSeconds: MapPttlToSeconds(pttlMs, c.noExpireDefault),
	}

	parsed, err := c.codec.Parse(raw)
	if err != nil {
		// Entry predates the envelope format or is corrupt; serve it as-is.
		res.Data = envelope.RawJSON(raw)
		res.DegradedRead = true
		c.recordDecompressFailure(key, &envelope.DecompressError{Kind: envelope.FailureJSON, Err: err})
		return res
	}

	res.StoredAtMs = parsed.StoredAtMs
	if parsed.StoredAtMs > 0 {
		res.AgeMs = parsed.Age(time.Now()).Milliseconds()
	}
	res.Compressed = parsed.Compressed

	payload, degraded := c.extract(ctx, key, parsed, priority)
	res.Data = envelope.RawJSON(payload)
	res.DegradedRead = degraded
	return res
}

// extract runs decompression under the governor. Saturation falls back to
// inline decompression: a full queue must not turn reads into misses.
func (c *Cache) extract(ctx context.Context, key string, parsed *envelope.Parsed, priority governor.Priority) ([]byte, bool) {
	if !parsed.Compressed {
		return []byte(parsed.Data), false
	}

	var payload []byte
	var derr *envelope.DecompressError
	err := c.gov.Do(ctx, priority, func(context.Context) error {
		payload, derr = c.codec.Decompress(parsed)
		if derr != nil {
			return derr
		}
		return nil
	})

	if errors.Is(err, governor.ErrQueueFull) || errors.Is(err, governor.ErrClosed) {
		payload, derr = c.codec.Decompress(parsed)
	} else if err != nil && derr == nil {
		// Cancelled before the task ran; the raw form is all we have.
		payload = []byte(parsed.Data)
		derr = &envelope.DecompressError{Kind: envelope.FailureUnknown, Err: err}
	}

	if derr != nil {
		c.recordDecompressFailure(key, derr)
		return payload, true
	}
	return payload, false
}

// Set serializes value, enforces the size limit, clamps the TTL into bounds
// and writes with SETEX. Unlike reads, writes report their errors; callers
// on the read path swallow them.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttlSeconds int64) error {
	timer := c.reg.StartOpTimer("cache", "set")

	blob, compressed, err := c.codec.Serialize(value)
	if err != nil {
		return c.recordSetFailure(timer, key, err)
	}
	if len(blob) > c.maxValueSize {
		err := fmt.Errorf("%w: %d bytes > %d", ErrValueTooLarge, len(blob), c.maxValueSize)
		return c.recordSetFailure(timer, key, err)
	}

	ttl := c.ttlBounds.ClampTTL(ttlSeconds)
	if err := c.rdb.SetEx(ctx, key, time.Duration(ttl)*time.Second, blob); err != nil {
		return c.recordSetFailure(timer, key, err)
	}

	outcome := "raw"
	if compressed {
		outcome = "compressed"
	}
	c.reg.SerializedWrites.WithLabelValues(outcome).Inc()
	c.sets.Add(1)
	elapsed := timer.Stop("ok")
	c.observeSlow("set", elapsed)
	return nil
}

// SetPayload writes an already-encoded JSON payload, bypassing the marshal
// step. The orchestrator uses it to store fetch results verbatim.
func (c *Cache) SetPayload(ctx context.Context, key string, payload json.RawMessage, ttlSeconds int64) error {
	timer := c.reg.StartOpTimer("cache", "set")

	blob, compressed, err := c.codec.SerializePayload(payload)
	if err != nil {
		return c.recordSetFailure(timer, key, err)
	}
	if len(blob) > c.maxValueSize {
		err := fmt.Errorf("%w: %d bytes > %d", ErrValueTooLarge, len(blob), c.maxValueSize)
		return c.recordSetFailure(timer, key, err)
	}

	ttl := c.ttlBounds.ClampTTL(ttlSeconds)
	if err := c.rdb.SetEx(ctx, key, time.Duration(ttl)*time.Second, blob); err != nil {
		return c.recordSetFailure(timer, key, err)
	}

	outcome := "raw"
	if compressed {
		outcome = "compressed"
	}
	c.reg.SerializedWrites.WithLabelValues(outcome).Inc()
	c.sets.Add(1)
	elapsed := timer.Stop("ok")
	c.observeSlow("set", elapsed)
	return nil
}

// Delete removes keys and reports how many existed.
func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...)
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetWithFallback reads key and, on a miss, loads the value from fallback,
// caches it with ttlSeconds and returns it. The bool reports whether the
// value came from cache. Only fallback failures are returned as errors; a
// failed cache write after a successful load is logged and swallowed.
func (c *Cache) GetWithFallback(ctx context.Context, key string, ttlSeconds int64, fallback FallbackFunc) (json.RawMessage, bool, error) {
	if res, ok := c.Get(ctx, key); ok {
		return res.Data, true, nil
	}

	fctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	value, err := fallback(fctx)
	if err != nil {
		return nil, false, fmt.Errorf("fallback for %q: %w", key, err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("encode fallback value for %q: %w", key, err)
	}
	if err := c.SetPayload(ctx, key, payload, ttlSeconds); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("failed to cache fallback value")
	}
	return payload, false, nil
}

// GetStats snapshots the outcome counters.
func (c *Cache) GetStats() Stats {
	s := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		ReadErrors:  c.readErrors.Load(),
		Sets:        c.sets.Load(),
		SetFailures: c.setFailures.Load(),
		SlowOps:     c.slowOps.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// ResetStats zeroes the outcome counters. Prometheus series are cumulative
// by contract and stay untouched.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.readErrors.Store(0)
	c.sets.Store(0)
	c.setFailures.Store(0)
	c.slowOps.Store(0)
}

func (c *Cache) recordMiss(timer *metrics.OpTimer, key string) {
	elapsed := timer.Stop("miss")
	c.observeSlow("get", elapsed)
	c.misses.Add(1)
	c.reg.RecordMiss("warm")
	c.bus.Publish(events.Timer("cache", events.MetricCacheGetSuccess, elapsed, map[string]string{
		"hit": "false",
	}))
	log.Debug().Str("key", key).Msg("cache miss")
}

func (c *Cache) recordReadError(timer *metrics.OpTimer, key, op string, err error) {
	timer.Stop("error")
	c.readErrors.Add(1)
	code := errorCode(err)
	c.reg.RecordError("warm", code)
	c.bus.Publish(events.Counter("cache", events.MetricCacheGetFailed, map[string]string{
		"code": code,
	}))
	log.Warn().Str("key", key).Str("op", op).Err(err).Msg("cache read degraded to miss")
}

func (c *Cache) recordSetFailure(timer *metrics.OpTimer, key string, err error) error {
	timer.Stop("error")
	c.setFailures.Add(1)
	code := errorCode(err)
	c.reg.RecordError("warm", code)
	c.bus.Publish(events.Counter("cache", events.MetricCacheSetFailed, map[string]string{
		"code": code,
	}))
	log.Warn().Str("key", key).Err(err).Msg("cache set failed")
	return err
}

func (c *Cache) recordDecompressFailure(key string, derr *envelope.DecompressError) {
	c.reg.DecompressFailures.WithLabelValues(string(derr.Kind)).Inc()
	c.bus.Publish(events.Counter("cache", events.MetricDecompressionFailed, map[string]string{
		"kind": string(derr.Kind),
	}))
	log.Warn().Str("key", key).Str("kind", string(derr.Kind)).Err(derr.Err).
		Msg("decompression failed, serving raw payload")
}

func (c *Cache) observeSlow(op string, elapsed time.Duration) {
	if c.slowThreshold > 0 && elapsed > c.slowThreshold {
		c.slowOps.Add(1)
		c.reg.RecordSlowOp("cache", op, elapsed)
	}
}

// errorCode extracts the facade classification, or a generic bucket.
func errorCode(err error) string {
	var re *redisclient.Error
	if errors.As(err, &re) {
		return string(re.Code)
	}
	if errors.Is(err, ErrValueTooLarge) {
		return "VALUE_TOO_LARGE"
	}
	if errors.Is(err, ErrBatchTooLarge) {
		return "BATCH_TOO_LARGE"
	}
	return "OPERATION_FAILED"
}

// itoa keeps tag construction allocation-light on hot paths.
func itoa(n int) string { return strconv.Itoa(n) }
