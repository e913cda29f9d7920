package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// testCache wires a cache against miniredis with a quiet governor.
func testCache(t *testing.T, mutate func(cfg *config.Config)) (*Cache, *miniredis.Miniredis) {
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

	return New(rdb, codec, gov, nil, metrics.NewRegistry(), cfg), mr
}

func TestSetGet_RoundTrip(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()

	value := map[string]interface{}{"symbol": "AAPL", "price": 190.5}
	require.NoError(t, c.Set(ctx, "quote:AAPL", value, 600))

	res, ok := c.Get(ctx, "quote:AAPL")
	require.True(t, ok)
	assert.Equal(t, "quote:AAPL", res.Key)
	assert.JSONEq(t, `{"symbol":"AAPL","price":190.5}`, string(res.Data))
	assert.False(t, res.Compressed)
	assert.False(t, res.DegradedRead)
	assert.Equal(t, int64(600), res.TTLRemainingSeconds)
	assert.Greater(t, res.StoredAtMs, int64(0))
	assert.GreaterOrEqual(t, res.AgeMs, int64(0))

	st := c.GetStats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, 1.0, st.HitRate)
}

func TestSetGet_CompressedRoundTrip(t *testing.T) {
	c, _ := testCache(t, func(cfg *config.Config) {
		cfg.Cache.CompressionThresholdBytes = 64
	})
	ctx := context.Background()

	series := make([]float64, 200)
	for i := range series {
		series[i] = 100.0
	}
	require.NoError(t, c.Set(ctx, "hist:AAPL", series, 3600))

	res, ok := c.Get(ctx, "hist:AAPL")
	require.True(t, ok)
	assert.True(t, res.Compressed)
	assert.False(t, res.DegradedRead)

	var out []float64
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, series, out)
}

func TestGet_MissIsNotAnError(t *testing.T) {
	c, _ := testCache(t, nil)

	res, ok := c.Get(context.Background(), "quote:NOPE")
	assert.False(t, ok)
	assert.Nil(t, res)

	st := c.GetStats()
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(0), st.ReadErrors)
}

func TestGet_TransportFailureDegradesToMiss(t *testing.T) {
	c, mr := testCache(t, func(cfg *config.Config) {
		cfg.Retry.MaxRetryAttempts = 0
	})
	mr.Close()

	res, ok := c.Get(context.Background(), "quote:AAPL")
	assert.False(t, ok)
	assert.Nil(t, res)

	st := c.GetStats()
	assert.Equal(t, int64(1), st.ReadErrors)
	assert.Equal(t, int64(0), st.Hits)
}

func TestGet_ForeignEntryServedRawAsDegraded(t *testing.T) {
	c, mr := testCache(t, nil)
	ctx := context.Background()

	// Entries written outside the envelope format stay readable.
	require.NoError(t, mr.Set("legacy:json", `{"old":true,"px":42}`))
	res, ok := c.Get(ctx, "legacy:json")
	require.True(t, ok)
	assert.True(t, res.DegradedRead)
	assert.JSONEq(t, `{"old":true,"px":42}`, string(res.Data))

	// Non-JSON payloads come back quoted so Data is always valid JSON.
	require.NoError(t, mr.Set("legacy:text", "plain text"))
	res, ok = c.Get(ctx, "legacy:text")
	require.True(t, ok)
	assert.True(t, res.DegradedRead)
	assert.Equal(t, `"plain text"`, string(res.Data))
}

func TestGet_DamagedCompressedEntryServesStoredForm(t *testing.T) {
	c, mr := testCache(t, nil)

	env := envelope.Envelope{
		Compressed: true,
		StoredAtMs: time.Now().UnixMilli(),
		Data:       "%%% not base64 %%%",
		Metadata:   &envelope.Metadata{OriginalSize: 100, CompressedSize: 50},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, mr.Set("hist:BROKEN", string(raw)))

	res, ok := c.Get(context.Background(), "hist:BROKEN")
	require.True(t, ok, "a damaged entry is still a hit")
	assert.True(t, res.DegradedRead)
	assert.Equal(t, `"%%% not base64 %%%"`, string(res.Data))
}

func TestSet_ValueTooLarge(t *testing.T) {
	c, _ := testCache(t, func(cfg *config.Config) {
		cfg.Limits.MaxValueSizeBytes = 128
		cfg.Cache.CompressionEnabled = false
	})

	big := make([]int, 200)
	err := c.Set(context.Background(), "huge", big, 300)
	require.ErrorIs(t, err, ErrValueTooLarge)
	assert.Equal(t, int64(1), c.GetStats().SetFailures)
}

func TestSet_ClampsTTLIntoBounds(t *testing.T) {
	c, mr := testCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v", 1))       // below min 5
	require.NoError(t, c.Set(ctx, "k2", "v", 9999999)) // above max 86400

	assert.Equal(t, 5*time.Second, mr.TTL("k1"))
	assert.Equal(t, 86400*time.Second, mr.TTL("k2"))
}

func TestSetPayload_StoresVerbatim(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()

	payload := json.RawMessage(`{"bid":10,"ask":11}`)
	require.NoError(t, c.SetPayload(ctx, "book:AAPL", payload, 60))

	res, ok := c.Get(ctx, "book:AAPL")
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(res.Data))
}

func TestGetWithFallback(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (interface{}, error) {
		calls++
		return map[string]string{"src": "origin"}, nil
	}

	data, fromCache, err := c.GetWithFallback(ctx, "quote:TSLA", 300, load)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.JSONEq(t, `{"src":"origin"}`, string(data))
	assert.Equal(t, 1, calls)

	// The loaded value was written back, so the next read hits.
	data, fromCache, err = c.GetWithFallback(ctx, "quote:TSLA", 300, load)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.JSONEq(t, `{"src":"origin"}`, string(data))
	assert.Equal(t, 1, calls, "fallback must not run on a hit")
}

func TestGetWithFallback_LoadFailure(t *testing.T) {
	c, _ := testCache(t, nil)

	boom := errors.New("origin down")
	_, fromCache, err := c.GetWithFallback(context.Background(), "quote:TSLA", 300, func(context.Context) (interface{}, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, fromCache)
}

func TestDeleteAndExists(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", 60))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.Delete(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStats_HitRateAndReset(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", 60))

	c.Get(ctx, "k")
	c.Get(ctx, "missing")

	st := c.GetStats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 0.5, st.HitRate)

	c.ResetStats()
	st = c.GetStats()
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.Misses)
	assert.Zero(t, st.Sets)
	assert.Zero(t, st.HitRate)
}
