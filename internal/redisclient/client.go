package redisclient

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quotelab/smartcache/internal/config"
)

// TTL sentinels as returned by Redis: -1 for a key with no expiry, -2 for a
// missing key. The facade passes them through untouched.
const (
	TTLNoExpiry   = int64(-1)
	TTLKeyMissing = int64(-2)
)

// SetExEntry is one key/value/ttl triple for pipelined writes.
type SetExEntry struct {
	Key   string
	TTL   time.Duration
	Value []byte
}

// Client is the thin facade in front of go-redis. It owns connection
// pooling, per-call timeouts, retry of idempotent commands and a circuit
// breaker. Values never appear in logs, only keys.
type Client struct {
	rdb       *redis.Client
	breaker   *gobreaker.CircuitBreaker
	retry     retryPolicy
	callLimit time.Duration
}

// New connects to Redis and verifies the connection with a PING before
// returning. A facade that cannot reach Redis at construction is useless to
// every layer above it.
func New(cfg *config.Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		DialTimeout:     cfg.Redis.GetDialTimeout(),
		ReadTimeout:     cfg.Redis.GetReadTimeout(),
		WriteTimeout:    cfg.Redis.GetWriteTimeout(),
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	c := newWithClient(rdb, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.GetDialTimeout())
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, classify("ping", err)
	}

	log.Info().
		Str("addr", cfg.Redis.Addr).
		Int("db", cfg.Redis.DB).
		Int("pool_size", cfg.Redis.PoolSize).
		Msg("redis client connected")
	return c, nil
}

// NewFromClient wraps an existing go-redis client. Tests use it to point the
// facade at miniredis without going through option plumbing.
func NewFromClient(rdb *redis.Client, cfg *config.Config) *Client {
	return newWithClient(rdb, cfg)
}

func newWithClient(rdb *redis.Client, cfg *config.Config) *Client {
	return &Client{
		rdb:       rdb,
		callLimit: cfg.Performance.GetConnectionTimeout(),
		retry: retryPolicy{
			enabled:     cfg.Retry.MaxRetryAttempts > 0,
			exponential: cfg.Retry.ExponentialBackoffEnabled,
			maxAttempts: cfg.Retry.MaxRetryAttempts,
			baseDelay:   cfg.Retry.GetBaseRetryDelay(),
			maxDelay:    cfg.Retry.GetMaxRetryDelay(),
			multiplier:  cfg.Retry.RetryDelayMultiplier,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= 5 {
					return true
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 10 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("redis circuit breaker state change")
			},
		}),
	}
}

// do runs one command through the breaker, with the per-call timeout and,
// for idempotent commands, the retry policy.
func (c *Client) do(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callLimit)
	defer cancel()

	attempt := func() error { return fn(callCtx) }
	run := attempt
	if idempotent {
		run = func() error { return c.retry.run(callCtx, op, attempt) }
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, run()
	})
	return classify(op, err)
}

// Get returns the value for key. The bool reports whether the key existed;
// a miss is not an error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := c.do(ctx, "get", true, func(ctx context.Context) error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// SetEx writes value under key with the given TTL. TTLs at or below zero are
// rejected upstream; the facade passes them through so Redis reports the
// protocol error.
func (c *Client) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	return c.do(ctx, "setex", false, func(ctx context.Context) error {
		return c.rdb.SetEx(ctx, key, value, ttl).Err()
	})
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := c.do(ctx, "del", false, func(ctx context.Context) error {
		res, err := c.rdb.Del(ctx, keys...).Result()
		n = res
		return err
	})
	return n, err
}

// Unlink removes keys asynchronously on the server side. Preferred for bulk
// clears so large values do not block Redis.
func (c *Client) Unlink(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := c.do(ctx, "unlink", false, func(ctx context.Context) error {
		res, err := c.rdb.Unlink(ctx, keys...).Result()
		n = res
		return err
	})
	return n, err
}

// Exists returns how many of the given keys exist.
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := c.do(ctx, "exists", true, func(ctx context.Context) error {
		res, err := c.rdb.Exists(ctx, keys...).Result()
		n = res
		return err
	})
	return n, err
}

// Expire sets a fresh TTL on key. Returns false when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "expire", false, func(ctx context.Context) error {
		res, err := c.rdb.Expire(ctx, key, ttl).Result()
		ok = res
		return err
	})
	return ok, err
}

// Ttl returns the remaining lifetime of key in whole seconds, preserving the
// Redis sentinels (-1 no expiry, -2 missing key).
func (c *Client) Ttl(ctx context.Context, key string) (int64, error) {
	var secs int64
	err := c.do(ctx, "ttl", true, func(ctx context.Context) error {
		d, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		secs = durationToSeconds(d)
		return nil
	})
	return secs, err
}

// Pttl returns the remaining lifetime of key in milliseconds, preserving the
// Redis sentinels (-1 no expiry, -2 missing key).
func (c *Client) Pttl(ctx context.Context, key string) (int64, error) {
	var ms int64
	err := c.do(ctx, "pttl", true, func(ctx context.Context) error {
		d, err := c.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		ms = durationToMillis(d)
		return nil
	})
	return ms, err
}

// MGet fetches several keys in one round trip. Missing keys yield nil slots;
// slot order matches key order.
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(keys))
	err := c.do(ctx, "mget", true, func(ctx context.Context) error {
		vals, err := c.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			if s, ok := v.(string); ok {
				out[i] = []byte(s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetPipeline issues one GET per key in a pipeline. Missing keys yield nil
// slots. The returned error means the pipeline itself failed; per-key misses
// never surface as errors.
func (c *Client) GetPipeline(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(keys))
	err := c.do(ctx, "pipeline_get", true, func(ctx context.Context) error {
		cmds := make([]*redis.StringCmd, len(keys))
		pipe := c.rdb.Pipeline()
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			b, err := cmd.Bytes()
			if err != nil {
				continue
			}
			out[i] = b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PttlPipeline issues one PTTL per key in a pipeline, returning milliseconds
// with sentinels preserved.
func (c *Client) PttlPipeline(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]int64, len(keys))
	err := c.do(ctx, "pipeline_pttl", true, func(ctx context.Context) error {
		cmds := make([]*redis.DurationCmd, len(keys))
		pipe := c.rdb.Pipeline()
		for i, key := range keys {
			cmds[i] = pipe.PTTL(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			d, err := cmd.Result()
			if err != nil {
				out[i] = TTLKeyMissing
				continue
			}
			out[i] = durationToMillis(d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TtlPipeline issues one TTL per key in a pipeline, returning whole seconds
// with sentinels preserved.
func (c *Client) TtlPipeline(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]int64, len(keys))
	err := c.do(ctx, "pipeline_ttl", true, func(ctx context.Context) error {
		cmds := make([]*redis.DurationCmd, len(keys))
		pipe := c.rdb.Pipeline()
		for i, key := range keys {
			cmds[i] = pipe.TTL(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			d, err := cmd.Result()
			if err != nil {
				out[i] = TTLKeyMissing
				continue
			}
			out[i] = durationToSeconds(d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExistsPipeline issues one EXISTS per key in a pipeline.
func (c *Client) ExistsPipeline(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]bool, len(keys))
	err := c.do(ctx, "pipeline_exists", true, func(ctx context.Context) error {
		cmds := make([]*redis.IntCmd, len(keys))
		pipe := c.rdb.Pipeline()
		for i, key := range keys {
			cmds[i] = pipe.Exists(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for i, cmd := range cmds {
			n, err := cmd.Result()
			out[i] = err == nil && n > 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetExPipeline writes all entries in one pipeline. The per-entry error
// slice lines up with entries; individual failures do not abort the rest.
// The second return is non-nil only when the pipeline itself failed, in
// which case every entry failed.
func (c *Client) SetExPipeline(ctx context.Context, entries []SetExEntry) ([]error, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	perEntry := make([]error, len(entries))
	err := c.do(ctx, "pipeline_setex", false, func(ctx context.Context) error {
		cmds := make([]*redis.StatusCmd, len(entries))
		pipe := c.rdb.Pipeline()
		for i, e := range entries {
			cmds[i] = pipe.SetEx(ctx, e.Key, e.Value, e.TTL)
		}
		// Exec reports the first command error; a server-side reply to one
		// entry must not mask the entries that succeeded.
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) && !isProtocol(err) {
			return err
		}
		for i, cmd := range cmds {
			perEntry[i] = cmd.Err()
		}
		return nil
	})
	if err != nil {
		for i := range perEntry {
			perEntry[i] = err
		}
		return perEntry, err
	}
	return perEntry, nil
}

// Scan returns one page of keys matching pattern, plus the next cursor.
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	err := c.do(ctx, "scan", true, func(ctx context.Context) error {
		k, cur, err := c.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		keys, next = k, cur
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

// ScanAll walks the keyspace for pattern until the cursor wraps or maxKeys
// is reached (0 means unbounded). SCAN is used instead of KEYS so large
// keyspaces never block the server.
func (c *Client) ScanAll(ctx context.Context, pattern string, count int64, maxKeys int) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := c.Scan(ctx, cursor, pattern, count)
		if err != nil {
			return keys, err
		}
		keys = append(keys, page...)
		if maxKeys > 0 && len(keys) >= maxKeys {
			return keys[:maxKeys], nil
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping verifies the connection end to end.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", true, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// DbSize reports the number of keys in the selected database.
func (c *Client) DbSize(ctx context.Context) (int64, error) {
	var out int64
	err := c.do(ctx, "dbsize", true, func(ctx context.Context) error {
		res, err := c.rdb.DBSize(ctx).Result()
		out = res
		return err
	})
	return out, err
}

// Info returns the raw INFO output for the given sections.
func (c *Client) Info(ctx context.Context, sections ...string) (string, error) {
	var out string
	err := c.do(ctx, "info", true, func(ctx context.Context) error {
		res, err := c.rdb.Info(ctx, sections...).Result()
		out = res
		return err
	})
	return out, err
}

// PoolStats exposes connection pool counters for the stats surface.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}

// BreakerState reports the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Available reports whether the breaker currently admits traffic.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// durationToSeconds converts a TTL reply to whole seconds, preserving the
// negative sentinels go-redis passes through as -1ns and -2ns.
func durationToSeconds(d time.Duration) int64 {
	if d < 0 {
		return int64(d)
	}
	return int64(d / time.Second)
}

func durationToMillis(d time.Duration) int64 {
	if d < 0 {
		return int64(d)
	}
	return d.Milliseconds()
}
