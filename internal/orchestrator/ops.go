package orchestrator

import (
	"context"
	"time"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/keys"
)

// Key-level operations on the orchestrator namespace. Callers pass the
// sub-key; the smart-cache prefix is applied here so ad-hoc access and
// orchestrated storage land on the same keys.

// Get reads one namespaced key through the common cache.
func (o *Orchestrator) Get(ctx context.Context, key string) (*cache.GetResult, bool) {
	return o.cache.Get(ctx, o.namespaced(key))
}

// Set writes value under the namespaced key with a clamped TTL.
func (o *Orchestrator) Set(ctx context.Context, key string, value any, ttlSeconds int64) error {
	return o.cache.Set(ctx, o.namespaced(key), value, ttlSeconds)
}

// Delete removes namespaced keys and stops refreshing them.
func (o *Orchestrator) Delete(ctx context.Context, subKeys ...string) (int64, error) {
	full := make([]string, len(subKeys))
	for i, k := range subKeys {
		full[i] = o.namespaced(k)
		o.refresh.untrack(full[i])
	}
	return o.cache.Delete(ctx, full...)
}

// Exists reports whether the namespaced key is present.
func (o *Orchestrator) Exists(ctx context.Context, key string) (bool, error) {
	return o.cache.Exists(ctx, o.namespaced(key))
}

// Ttl reports the remaining lifetime in whole seconds with the facade
// sentinels normalized: 0 for a missing key, the configured no-expiry
// default for a persistent one.
func (o *Orchestrator) Ttl(ctx context.Context, key string) (int64, error) {
	pttlMs, err := o.rdb.Pttl(ctx, o.namespaced(key))
	if err != nil {
		return 0, err
	}
	return cache.MapPttlToSeconds(pttlMs, o.noExpireDefault), nil
}

// Expire resets the lifetime of the namespaced key. The bool reports whether
// the key existed.
func (o *Orchestrator) Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	ttl := o.bounds.Clamp(ttlSeconds)
	return o.rdb.Expire(ctx, o.namespaced(key), time.Duration(ttl)*time.Second)
}

func (o *Orchestrator) namespaced(key string) string {
	return keys.Namespaced(o.namespace, key)
}
