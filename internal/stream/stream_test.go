package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// testStream wires a two-tier stream cache against miniredis.
func testStream(t *testing.T, mutate func(cfg *config.Config)) (*Cache, *HotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	if mutate != nil {
		mutate(cfg)
	}

	rdb := redisclient.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	t.Cleanup(func() { _ = rdb.Close() })
	gov := governor.New(cfg.Governor, cfg.Limits, events.NopBus{}, governor.FixedProbe{Mem: 0.1, CPU: 0.1})
	t.Cleanup(gov.Close)
	codec := envelope.NewCodec(cfg.Cache.CompressionThresholdBytes, cfg.Cache.CompressionEnabled)
	warm := cache.New(rdb, codec, gov, nil, metrics.NewRegistry(), cfg)
	kb := keys.NewBuilder(cfg.Limits.MaxKeyLength)
	hot := NewHotCache(cfg.Stream.MaxHotCacheSize, cfg.Stream.GetHotCacheTTL())

	s := New(hot, warm, rdb, kb, nil, metrics.NewRegistry(), cfg)
	t.Cleanup(s.Close)
	return s, hot, mr
}

func tick(symbol string, tsMs int64, price float64) Point {
	return Point{Symbol: symbol, Price: price, Volume: 1000, TimestampMs: tsMs}
}

func TestSetGet_HotHit(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	pts := []Point{tick("AAPL", 1000, 190.1), tick("AAPL", 2000, 190.2)}
	require.NoError(t, s.Set(ctx, "AAPL", pts, PriorityHot))

	res, ok := s.Get(ctx, "AAPL")
	require.True(t, ok)
	assert.Equal(t, LevelHot, res.Level)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "AAPL", res.Symbol)
	assert.GreaterOrEqual(t, res.AgeMs, int64(0))
}

func TestGet_WarmHitPromotesToHot(t *testing.T) {
	s, hot, _ := testStream(t, nil)
	ctx := context.Background()

	pts := []Point{tick("NVDA", 1000, 900.0)}
	require.NoError(t, s.Set(ctx, "NVDA", pts, PriorityHot))
	hot.Delete("NVDA") // simulate hot-tier expiry

	res, ok := s.Get(ctx, "NVDA")
	require.True(t, ok)
	assert.Equal(t, LevelWarm, res.Level)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 900.0, res.Points[0].Price)

	// The warm hit was promoted; the next read is local.
	res, ok = s.Get(ctx, "NVDA")
	require.True(t, ok)
	assert.Equal(t, LevelHot, res.Level)
}

func TestSet_OrdersPointsByTimestamp(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	pts := []Point{tick("AAPL", 3000, 3), tick("AAPL", 1000, 1), tick("AAPL", 2000, 2)}
	require.NoError(t, s.Set(ctx, "AAPL", pts, PriorityHot))

	res, ok := s.Get(ctx, "AAPL")
	require.True(t, ok)
	require.Len(t, res.Points, 3)
	assert.Equal(t, int64(1000), res.Points[0].TimestampMs)
	assert.Equal(t, int64(2000), res.Points[1].TimestampMs)
	assert.Equal(t, int64(3000), res.Points[2].TimestampMs)
}

func TestSet_AutoAdmission(t *testing.T) {
	s, hot, _ := testStream(t, nil)
	ctx := context.Background()

	// Small payloads are worth hot-tier memory.
	small := []Point{tick("SMALL", 1000, 1)}
	require.NoError(t, s.Set(ctx, "SMALL", small, PriorityAuto))
	_, _, ok := hot.Get("SMALL")
	assert.True(t, ok, "small auto write should land in the hot tier")

	// A large point set stays warm-only under auto.
	large := make([]Point, 150)
	for i := range large {
		large[i] = tick("LARGE", int64(i)*1000, float64(i))
	}
	require.NoError(t, s.Set(ctx, "LARGE", large, PriorityAuto))
	_, _, ok = hot.Get("LARGE")
	assert.False(t, ok, "large auto write must skip the hot tier")

	res, ok := s.Get(ctx, "LARGE")
	require.True(t, ok)
	assert.Equal(t, LevelWarm, res.Level)
	assert.Equal(t, 150, res.Count)
}

func TestSet_Validation(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	err := s.Set(ctx, "AAPL", nil, PriorityHot)
	require.ErrorIs(t, err, ErrNoPoints)

	err = s.Set(ctx, "", []Point{tick("", 1000, 1)}, PriorityHot)
	require.Error(t, err)
}

func TestSetData_CompactsVerboseForm(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	chg := 1.5
	data := []DataPoint{{Symbol: "AAPL", Price: 190.5, Volume: 2000, TimestampMs: 1000, Change: &chg}}
	require.NoError(t, s.SetData(ctx, "AAPL", data, PriorityHot))

	res, ok := s.Get(ctx, "AAPL")
	require.True(t, ok)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 190.5, res.Points[0].Price)
	require.NotNil(t, res.Points[0].Change)
	assert.Equal(t, 1.5, *res.Points[0].Change)
}

func TestGetSince_StrictlyNewer(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	pts := []Point{tick("AAPL", 1000, 1), tick("AAPL", 2000, 2), tick("AAPL", 3000, 3)}
	require.NoError(t, s.Set(ctx, "AAPL", pts, PriorityHot))

	res, ok := s.GetSince(ctx, "AAPL", 2000)
	require.True(t, ok)
	require.Len(t, res.Points, 1)
	assert.Equal(t, int64(3000), res.Points[0].TimestampMs)

	// Nothing newer than the last point reads as a miss.
	_, ok = s.GetSince(ctx, "AAPL", 3000)
	assert.False(t, ok)

	_, ok = s.GetSince(ctx, "UNKNOWN", 0)
	assert.False(t, ok)
}

func TestBatchGet_MixedTiers(t *testing.T) {
	s, hot, _ := testStream(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "HOT", []Point{tick("HOT", 1000, 1)}, PriorityHot))
	require.NoError(t, s.Set(ctx, "WARM", []Point{tick("WARM", 1000, 2)}, PriorityHot))
	hot.Delete("WARM")

	out := s.BatchGet(ctx, []string{"HOT", "WARM", "MISSING"})
	require.Len(t, out, 3)

	require.NotNil(t, out["HOT"])
	assert.Equal(t, LevelHot, out["HOT"].Level)

	require.NotNil(t, out["WARM"])
	assert.Equal(t, LevelWarm, out["WARM"].Level)

	assert.Nil(t, out["MISSING"])

	// The warm hit was promoted during the batch.
	_, _, ok := hot.Get("WARM")
	assert.True(t, ok)
}

func TestBatchGet_DuplicatesAndEmpty(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	out := s.BatchGet(ctx, nil)
	assert.Empty(t, out)

	require.NoError(t, s.Set(ctx, "AAPL", []Point{tick("AAPL", 1000, 1)}, PriorityHot))
	out = s.BatchGet(ctx, []string{"AAPL", "AAPL"})
	assert.Len(t, out, 1)
	assert.NotNil(t, out["AAPL"])
}

func TestDelete_RemovesBothTiers(t *testing.T) {
	s, hot, mr := testStream(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "AAPL", []Point{tick("AAPL", 1000, 1)}, PriorityHot))
	require.True(t, mr.Exists("stream-cache:AAPL"))

	require.NoError(t, s.Delete(ctx, "AAPL"))

	_, _, ok := hot.Get("AAPL")
	assert.False(t, ok)
	assert.False(t, mr.Exists("stream-cache:AAPL"))
	_, found := s.Get(ctx, "AAPL")
	assert.False(t, found)
}

func TestHealthCheck_States(t *testing.T) {
	s, hot, mr := testStream(t, func(cfg *config.Config) {
		cfg.Retry.MaxRetryAttempts = 0
	})
	ctx := context.Background()

	h := s.HealthCheck(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.RedisConnected)

	// Warm tier down, hot tier still has answers: degraded.
	require.NoError(t, s.Set(ctx, "AAPL", []Point{tick("AAPL", 1000, 1)}, PriorityHot))
	mr.Close()
	h = s.HealthCheck(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.RedisConnected)
	assert.NotEmpty(t, h.LastError)

	// Nothing hot either: unhealthy.
	hot.Clear()
	h = s.HealthCheck(ctx)
	assert.Equal(t, "unhealthy", h.Status)
}

func TestStats_TracksHotTier(t *testing.T) {
	s, _, _ := testStream(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "AAPL", []Point{tick("AAPL", 1000, 1)}, PriorityHot))
	s.Get(ctx, "AAPL")
	s.Get(ctx, "MISS")

	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}
