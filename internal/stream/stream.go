package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// Write priorities. PriorityHot pins the symbol into the hot tier; auto
// admits it only when the payload is small enough to be worth the memory.
const (
	PriorityHot  = "hot"
	PriorityAuto = "auto"
)

// Auto-admission bounds for the hot tier.
const (
	hotMaxPayloadBytes = 10000
	hotMaxPoints       = 100
)

// Level identifies which tier served a read.
type Level string

const (
	LevelHot  Level = "hot"
	LevelWarm Level = "warm"
)

// ErrNoPoints rejects writes with an empty point set.
var ErrNoPoints = errors.New("stream: no points to store")

// Result is a stream read: the points plus which tier supplied them.
type Result struct {
	Symbol string  `json:"symbol"`
	Points []Point `json:"points"`
	Count  int     `json:"count"`
	Level  Level   `json:"level"`
	AgeMs  int64   `json:"ageMs"`
}

// Performance summarizes observed tier latencies and the compression mix of
// warm hits.
type Performance struct {
	AvgHotHitMicros  float64 `json:"avgHotHitMicros"`
	AvgWarmHitMicros float64 `json:"avgWarmHitMicros"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// Health reports the state of both tiers.
type Health struct {
	Status         string      `json:"status"` // healthy|degraded|unhealthy
	HotCacheSize   int         `json:"hotCacheSize"`
	HotHitRate     float64     `json:"hotHitRate"`
	RedisConnected bool        `json:"redisConnected"`
	WarmPingMs     float64     `json:"warmPingMs"`
	LastError      string      `json:"lastError,omitempty"`
	Performance    Performance `json:"performance"`
	CheckedAt      time.Time   `json:"checkedAt"`
}

// perfTracker accumulates per-tier hit latencies and the share of warm hits
// that were stored compressed.
type perfTracker struct {
	hotHits        atomic.Int64
	hotNanos       atomic.Int64
	warmHits       atomic.Int64
	warmNanos      atomic.Int64
	warmCompressed atomic.Int64
	lastErr        atomic.Value // string
}

func (p *perfTracker) noteHot(elapsed time.Duration) {
	p.hotHits.Add(1)
	p.hotNanos.Add(elapsed.Nanoseconds())
}

func (p *perfTracker) noteWarm(elapsed time.Duration, compressed bool) {
	p.warmHits.Add(1)
	p.warmNanos.Add(elapsed.Nanoseconds())
	if compressed {
		p.warmCompressed.Add(1)
	}
}

func (p *perfTracker) noteError(err error) {
	if err != nil {
		p.lastErr.Store(err.Error())
	}
}

func (p *perfTracker) lastError() string {
	if v, ok := p.lastErr.Load().(string); ok {
		return v
	}
	return ""
}

func (p *perfTracker) snapshot() Performance {
	out := Performance{}
	if hits := p.hotHits.Load(); hits > 0 {
		out.AvgHotHitMicros = float64(p.hotNanos.Load()) / float64(hits) / 1e3
	}
	if hits := p.warmHits.Load(); hits > 0 {
		out.AvgWarmHitMicros = float64(p.warmNanos.Load()) / float64(hits) / 1e3
		out.CompressionRatio = float64(p.warmCompressed.Load()) / float64(hits)
	}
	return out
}

// Cache is the two-tier stream cache. Reads try the hot tier first and
// promote warm hits; writes always land in the warm tier and optionally in
// the hot tier depending on priority.
type Cache struct {
	hot  *HotCache
	warm *cache.Cache
	rdb  *redisclient.Client
	kb   *keys.Builder
	bus  events.Bus
	reg  *metrics.Registry
	perf perfTracker

	batchSize      int
	warmTTLSeconds int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the stream cache and starts the hot-tier janitor.
func New(hot *HotCache, warm *cache.Cache, rdb *redisclient.Client, kb *keys.Builder, bus events.Bus, reg *metrics.Registry, cfg *config.Config) *Cache {
	if bus == nil {
		bus = events.NopBus{}
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	s := &Cache{
		hot:            hot,
		warm:           warm,
		rdb:            rdb,
		kb:             kb,
		bus:            bus,
		reg:            reg,
		batchSize:      cfg.Stream.StreamBatchSize,
		warmTTLSeconds: cfg.Stream.WarmCacheTTLSeconds,
		stop:           make(chan struct{}),
	}
	hot.OnEvict(func() { s.reg.HotCacheEvictions.Inc() })
	s.wg.Add(1)
	go s.janitor(cfg.Intervals.GetCleanupInterval())
	return s
}

// warmKey derives the warm-tier storage key for a symbol.
func (s *Cache) warmKey(symbol string) (string, error) {
	return s.kb.Build(keys.PrefixStreamCache, []string{symbol}, nil)
}

// Set stores points for a symbol, ordering them by timestamp first. The
// warm tier always receives the write; the hot tier receives it when
// priority is hot, or under auto when the payload is small. The hot tier is
// updated even if the warm write fails so local readers keep the freshest
// data.
func (s *Cache) Set(ctx context.Context, symbol string, points []Point, priority string) error {
	if symbol == "" {
		return fmt.Errorf("stream: symbol cannot be empty")
	}
	if len(points) == 0 {
		return ErrNoPoints
	}
	key, err := s.warmKey(symbol)
	if err != nil {
		return fmt.Errorf("stream key for %q: %w", symbol, err)
	}

	pts := SortPoints(points)
	payload, err := EncodePoints(pts)
	if err != nil {
		return err
	}

	admitHot := priority == PriorityHot ||
		(priority == PriorityAuto && len(payload) < hotMaxPayloadBytes && len(pts) < hotMaxPoints)
	if admitHot {
		s.hot.Set(symbol, pts)
		s.reg.HotCacheEntries.Set(float64(s.hot.Len()))
	}

	if err := s.warm.SetPayload(ctx, key, payload, s.warmTTLSeconds); err != nil {
		s.perf.noteError(err)
		s.bus.Publish(events.Counter("stream", events.MetricCacheSetFailed, map[string]string{
			"symbol": symbol,
		}))
		return fmt.Errorf("warm write for %q: %w", symbol, err)
	}
	return nil
}

// SetData compacts verbose feed points and stores them.
func (s *Cache) SetData(ctx context.Context, symbol string, data []DataPoint, priority string) error {
	return s.Set(ctx, symbol, CompactPoints(data), priority)
}

// Get reads a symbol, trying hot then warm. Warm hits are promoted into the
// hot tier. A false return means neither tier had the symbol.
func (s *Cache) Get(ctx context.Context, symbol string) (*Result, bool) {
	start := time.Now()
	if points, age, ok := s.hot.Get(symbol); ok {
		s.reg.RecordHit("hot")
		s.perf.noteHot(time.Since(start))
		return &Result{
			Symbol: symbol,
			Points: points,
			Count:  len(points),
			Level:  LevelHot,
			AgeMs:  age.Milliseconds(),
		}, true
	}
	s.reg.RecordMiss("hot")

	key, err := s.warmKey(symbol)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("stream key build failed")
		return nil, false
	}
	res, ok := s.warm.Get(ctx, key)
	if !ok {
		return nil, false
	}

	points, err := DecodePoints(res.Data)
	if err != nil {
		s.perf.noteError(err)
		s.bus.Publish(events.Counter("stream", events.MetricCacheGetFailed, map[string]string{
			"symbol": symbol,
			"reason": "decode",
		}))
		log.Warn().Str("symbol", symbol).Err(err).Msg("warm stream entry not decodable")
		return nil, false
	}
	s.perf.noteWarm(time.Since(start), res.Compressed)

	s.hot.Set(symbol, points)
	s.reg.HotCacheEntries.Set(float64(s.hot.Len()))
	return &Result{
		Symbol: symbol,
		Points: points,
		Count:  len(points),
		Level:  LevelWarm,
		AgeMs:  res.AgeMs,
	}, true
}

// GetSince reads a symbol and keeps only points strictly newer than
// sinceMs. When no point qualifies the read reports a miss, matching the
// full-miss case; callers treat both as "nothing new".
func (s *Cache) GetSince(ctx context.Context, symbol string, sinceMs int64) (*Result, bool) {
	res, ok := s.Get(ctx, symbol)
	if !ok {
		return nil, false
	}
	res.Points = FilterSince(res.Points, sinceMs)
	res.Count = len(res.Points)
	if res.Count == 0 {
		return nil, false
	}
	return res, true
}

// BatchGet reads many symbols, serving what it can from the hot tier and
// pipelining the rest through the warm tier in one pass. If the pipelined
// path fails outright it falls back to per-symbol reads. Every requested
// symbol has an entry in the returned map; misses are nil.
func (s *Cache) BatchGet(ctx context.Context, symbols []string) map[string]*Result {
	out := make(map[string]*Result, len(symbols))
	if len(symbols) == 0 {
		return out
	}

	type pending struct {
		symbol string
		key    string
	}
	var misses []pending

	for _, symbol := range symbols {
		if _, done := out[symbol]; done {
			continue
		}
		start := time.Now()
		if points, age, ok := s.hot.Get(symbol); ok {
			s.reg.RecordHit("hot")
			s.perf.noteHot(time.Since(start))
			out[symbol] = &Result{
				Symbol: symbol,
				Points: points,
				Count:  len(points),
				Level:  LevelHot,
				AgeMs:  age.Milliseconds(),
			}
			continue
		}
		s.reg.RecordMiss("hot")
		out[symbol] = nil

		key, err := s.warmKey(symbol)
		if err != nil {
			log.Warn().Str("symbol", symbol).Err(err).Msg("stream key build failed")
			continue
		}
		misses = append(misses, pending{symbol: symbol, key: key})
	}
	if len(misses) == 0 {
		return out
	}

	for start := 0; start < len(misses); start += s.batchSize {
		end := start + s.batchSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		chunkKeys := make([]string, len(chunk))
		for i, p := range chunk {
			chunkKeys[i] = p.key
		}
		slots, err := s.warm.MGetWithMetadata(ctx, chunkKeys)
		if err != nil {
			// Pipelined path unavailable; degrade to per-symbol reads.
			s.perf.noteError(err)
			log.Warn().Int("keys", len(chunkKeys)).Err(err).Msg("stream batch pipeline failed, using per-key reads")
			for _, p := range chunk {
				if res, ok := s.Get(ctx, p.symbol); ok {
					out[p.symbol] = res
				}
			}
			continue
		}

		for i, p := range chunk {
			slot := slots[i]
			if slot == nil || !slot.Hit {
				continue
			}
			points, derr := DecodePoints(slot.Data)
			if derr != nil {
				s.perf.noteError(derr)
				log.Warn().Str("symbol", p.symbol).Err(derr).Msg("warm stream entry not decodable")
				continue
			}
			s.perf.noteWarm(0, slot.Compressed)
			s.hot.Set(p.symbol, points)
			out[p.symbol] = &Result{
				Symbol: p.symbol,
				Points: points,
				Count:  len(points),
				Level:  LevelWarm,
				AgeMs:  slot.AgeMs,
			}
		}
	}
	s.reg.HotCacheEntries.Set(float64(s.hot.Len()))
	return out
}

// Delete removes a symbol from both tiers.
func (s *Cache) Delete(ctx context.Context, symbol string) error {
	s.hot.Delete(symbol)
	key, err := s.warmKey(symbol)
	if err != nil {
		return err
	}
	_, err = s.warm.Delete(ctx, key)
	if err != nil {
		s.perf.noteError(err)
	}
	return err
}

// HealthCheck probes both tiers.
func (s *Cache) HealthCheck(ctx context.Context) *Health {
	hotStats := s.hot.Stats()
	h := &Health{
		HotCacheSize: hotStats.Entries,
		HotHitRate:   hotStats.HitRate,
		LastError:    s.perf.lastError(),
		Performance:  s.perf.snapshot(),
		CheckedAt:    time.Now(),
	}

	start := time.Now()
	if err := s.rdb.Ping(ctx); err == nil {
		h.RedisConnected = true
		h.WarmPingMs = float64(time.Since(start).Microseconds()) / 1000
	} else {
		s.perf.noteError(err)
		h.LastError = s.perf.lastError()
	}

	switch {
	case h.RedisConnected:
		h.Status = "healthy"
	case hotStats.Entries > 0:
		// Warm tier down but the hot tier still answers for recent symbols.
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

// Stats exposes hot-tier counters for the stats surface.
func (s *Cache) Stats() HotStats {
	return s.hot.Stats()
}

// janitor sweeps expired hot entries on the cleanup interval.
func (s *Cache) janitor(interval time.Duration) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.hot.Sweep(); removed > 0 {
				s.reg.HotCacheEntries.Set(float64(s.hot.Len()))
				log.Debug().Int("removed", removed).Msg("hot cache sweep")
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the janitor. Idempotent.
func (s *Cache) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}
