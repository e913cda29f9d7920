package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/envelope"
)

func TestMGetWithMetadata_AlignedResults(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "m:AAPL", map[string]int{"px": 1}, 600))
	require.NoError(t, c.Set(ctx, "m:NVDA", map[string]int{"px": 3}, 60))

	out, err := c.MGetWithMetadata(ctx, []string{"m:AAPL", "m:MISS", "m:NVDA"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.True(t, out[0].Hit)
	assert.Equal(t, SourceCache, out[0].Source)
	assert.JSONEq(t, `{"px":1}`, string(out[0].Data))
	assert.Equal(t, int64(600), out[0].TTLRemainingSeconds)
	assert.Greater(t, out[0].StoredAtMs, int64(0))
	assert.GreaterOrEqual(t, out[0].AgeMs, int64(0))

	assert.False(t, out[1].Hit)
	assert.Equal(t, "m:MISS", out[1].Key)
	assert.Nil(t, out[1].Data)

	assert.True(t, out[2].Hit)
	assert.Equal(t, int64(60), out[2].TTLRemainingSeconds)
}

func TestMGetEnhanced_FreshHitSkipsFetch(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "e:AAPL", map[string]int{"px": 1}, 600))

	var fetched atomic.Bool
	out, err := c.MGetEnhanced(ctx, []GetRequest{{
		Key: "e:AAPL",
		Fetch: func(context.Context) (interface{}, error) {
			fetched.Store(true)
			return nil, nil
		},
		Options: GetOptions{MaxAgeSeconds: 300},
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, out[0].Hit)
	assert.Equal(t, SourceCache, out[0].Source)
	assert.JSONEq(t, `{"px":1}`, string(out[0].Data))
	assert.False(t, fetched.Load(), "fresh hits must not reach origin")
}

func TestMGetEnhanced_StaleHitRefetched(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "e:AAPL", map[string]int{"px": 1}, 60))

	out, err := c.MGetEnhanced(ctx, []GetRequest{{
		Key: "e:AAPL",
		Fetch: func(context.Context) (interface{}, error) {
			return map[string]int{"px": 2}, nil
		},
		TTLSeconds: 300,
		Options:    GetOptions{MaxAgeSeconds: 120}, // 60s remaining < 120s required
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, SourceFetch, out[0].Source)
	assert.JSONEq(t, `{"px":2}`, string(out[0].Data))

	// The re-fetched value is written back off the request path.
	require.Eventually(t, func() bool {
		res, ok := c.Get(ctx, "e:AAPL")
		return ok && strings.Contains(string(res.Data), `"px":2`)
	}, 2*time.Second, 10*time.Millisecond, "write-back never landed")
}

func TestMGetEnhanced_StaleServedWhenRefetchFails(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "e:AAPL", map[string]int{"px": 1}, 60))

	out, err := c.MGetEnhanced(ctx, []GetRequest{{
		Key: "e:AAPL",
		Fetch: func(context.Context) (interface{}, error) {
			return nil, errors.New("origin down")
		},
		Options: GetOptions{MaxAgeSeconds: 120},
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, out[0].Hit, "the stale entry is the fallback")
	assert.Equal(t, SourceCache, out[0].Source)
	assert.JSONEq(t, `{"px":1}`, string(out[0].Data))
}

func TestMGetEnhanced_MissWithoutFetchStaysMiss(t *testing.T) {
	c, _ := testCache(t, nil)

	out, err := c.MGetEnhanced(context.Background(), []GetRequest{{Key: "e:MISS"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Hit)
	assert.Equal(t, "e:MISS", out[0].Key)
}

func TestMGetEnhanced_MissWithFetchLoads(t *testing.T) {
	c, _ := testCache(t, nil)

	out, err := c.MGetEnhanced(context.Background(), []GetRequest{{
		Key: "e:NEW",
		Fetch: func(context.Context) (interface{}, error) {
			return map[string]bool{"loaded": true}, nil
		},
		TTLSeconds: 300,
	}})
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, out[0].Source)
	assert.JSONEq(t, `{"loaded":true}`, string(out[0].Data))
	assert.Equal(t, int64(300), out[0].TTLRemainingSeconds)
}

func TestMGetEnhanced_FetchFailureWithoutFallback(t *testing.T) {
	c, _ := testCache(t, nil)

	out, err := c.MGetEnhanced(context.Background(), []GetRequest{{
		Key: "e:GONE",
		Fetch: func(context.Context) (interface{}, error) {
			return nil, errors.New("origin down")
		},
	}})
	require.NoError(t, err)
	assert.False(t, out[0].Hit)
	assert.Equal(t, SourceError, out[0].Source)
	assert.Nil(t, out[0].Data)
}

func TestMGetEnhanced_BypassCache(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "e:AAPL", map[string]int{"px": 1}, 600))

	out, err := c.MGetEnhanced(ctx, []GetRequest{{
		Key: "e:AAPL",
		Fetch: func(context.Context) (interface{}, error) {
			return map[string]int{"px": 99}, nil
		},
		Options: GetOptions{BypassCache: true},
	}})
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, out[0].Source)
	assert.JSONEq(t, `{"px":99}`, string(out[0].Data))

	// Bypass reads do not write back.
	res, ok := c.Get(ctx, "e:AAPL")
	require.True(t, ok)
	assert.JSONEq(t, `{"px":1}`, string(res.Data))
}

func TestMGetEnhanced_MetadataStripping(t *testing.T) {
	c, _ := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "e:AAPL", map[string]int{"px": 1}, 600))

	out, err := c.MGetEnhanced(ctx, []GetRequest{
		{Key: "e:AAPL"},
		{Key: "e:AAPL", Options: GetOptions{IncludeMetadata: true}},
	})
	require.NoError(t, err)

	assert.Zero(t, out[0].StoredAtMs)
	assert.Zero(t, out[0].AgeMs)
	assert.Greater(t, out[1].StoredAtMs, int64(0))
}

func TestMSetEnhanced_ExistenceConditions(t *testing.T) {
	c, mr := testCache(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "c:EXISTS", "old", 600))

	report, err := c.MSetEnhanced(ctx, []EnhancedEntry{
		{Key: "c:EXISTS", Value: "new", TTLSeconds: 60, SkipIfExists: true},
		{Key: "c:FRESH", Value: "v", TTLSeconds: 60, SkipIfExists: true},
		{Key: "c:ABSENT", Value: "v", TTLSeconds: 60, OnlyIfExists: true},
		{Key: "c:EXISTS", Value: "updated", TTLSeconds: 60, OnlyIfExists: true},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	require.Len(t, report.Details, 4)
	assert.Equal(t, SetStatusSkipped, report.Details[0].Status)
	assert.Equal(t, "exists", report.Details[0].Reason)
	assert.Equal(t, SetStatusStored, report.Details[1].Status)
	assert.Equal(t, SetStatusSkipped, report.Details[2].Status)
	assert.Equal(t, "absent", report.Details[2].Reason)
	assert.Equal(t, SetStatusStored, report.Details[3].Status)

	assert.True(t, mr.Exists("c:FRESH"))
	assert.False(t, mr.Exists("c:ABSENT"))
}

func TestMSetEnhanced_CompressionOverride(t *testing.T) {
	c, mr := testCache(t, nil) // default threshold 1024
	ctx := context.Background()

	force := true
	suppress := false
	compressible := strings.Repeat("ab", 300) // 600B: under threshold, compresses well
	large := strings.Repeat("cd", 1000)       // 2KB: over threshold

	report, err := c.MSetEnhanced(ctx, []EnhancedEntry{
		{Key: "o:forced", Value: compressible, TTLSeconds: 60, Compression: &force},
		{Key: "o:suppressed", Value: large, TTLSeconds: 60, Compression: &suppress},
		{Key: "o:policy", Value: large, TTLSeconds: 60},
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Successful)

	envOf := func(key string) envelope.Envelope {
		raw, err := mr.Get(key)
		require.NoError(t, err)
		var env envelope.Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		return env
	}
	assert.True(t, envOf("o:forced").Compressed)
	assert.False(t, envOf("o:suppressed").Compressed)
	assert.True(t, envOf("o:policy").Compressed)
}

func TestMSetEnhanced_FailedEntryDetail(t *testing.T) {
	c, _ := testCache(t, nil)

	report, err := c.MSetEnhanced(context.Background(), []EnhancedEntry{
		{Key: "f:ok", Value: "v", TTLSeconds: 60},
		{Key: "f:bad", Value: make(chan int), TTLSeconds: 60},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, SetStatusStored, report.Details[0].Status)
	assert.Equal(t, SetStatusFailed, report.Details[1].Status)
	assert.NotEmpty(t, report.Details[1].Reason)
}
