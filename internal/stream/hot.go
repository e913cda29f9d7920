package stream

import (
	"sync"
	"time"
)

type hotEntry struct {
	points      []Point
	storedAt    time.Time
	accessCount int64
}

// HotStats counts hot-tier outcomes since construction.
type HotStats struct {
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"max_entries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

// HotCache is the in-process tier. Entries expire after a fixed TTL; when
// the cache is full the entry with the fewest accesses is evicted, oldest
// first on ties. All methods are safe for concurrent use.
type HotCache struct {
	mu      sync.Mutex
	entries map[string]*hotEntry
	ttl     time.Duration
	maxSize int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	onEvict func()

	now func() time.Time
}

// NewHotCache builds an empty hot cache with the given capacity and TTL.
func NewHotCache(maxSize int, ttl time.Duration) *HotCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &HotCache{
		entries: make(map[string]*hotEntry, maxSize),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the points for symbol and their age. Expired entries are
// removed on contact and reported as misses.
func (h *HotCache) Get(symbol string) ([]Point, time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[symbol]
	if !ok {
		h.misses++
		return nil, 0, false
	}
	age := h.now().Sub(e.storedAt)
	if age > h.ttl {
		delete(h.entries, symbol)
		h.expirations++
		h.misses++
		return nil, 0, false
	}
	e.accessCount++
	h.hits++
	return e.points, age, true
}

// Set stores points under symbol, resetting its age and access count. When
// the cache is full and symbol is new, one victim is evicted first.
func (h *HotCache) Set(symbol string, points []Point) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.entries[symbol]; !exists && len(h.entries) >= h.maxSize {
		h.evictOne()
	}
	h.entries[symbol] = &hotEntry{
		points:   points,
		storedAt: h.now(),
	}
}

// OnEvict registers a callback fired after each capacity eviction. The
// callback runs under the cache lock and must not call back into the cache.
func (h *HotCache) OnEvict(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvict = fn
}

// evictOne removes the entry with the lowest access count, breaking ties by
// oldest stored time. Caller holds h.mu.
func (h *HotCache) evictOne() {
	var victim string
	var victimEntry *hotEntry
	for symbol, e := range h.entries {
		if victimEntry == nil ||
			e.accessCount < victimEntry.accessCount ||
			(e.accessCount == victimEntry.accessCount && e.storedAt.Before(victimEntry.storedAt)) {
			victim, victimEntry = symbol, e
		}
	}
	if victimEntry != nil {
		delete(h.entries, victim)
		h.evictions++
		if h.onEvict != nil {
			h.onEvict()
		}
	}
}

// Delete removes symbol if present.
func (h *HotCache) Delete(symbol string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[symbol]; !ok {
		return false
	}
	delete(h.entries, symbol)
	return true
}

// Clear empties the cache and returns how many entries were dropped.
func (h *HotCache) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	h.entries = make(map[string]*hotEntry, h.maxSize)
	return n
}

// Sweep removes every expired entry and returns the count. The stream cache
// janitor calls this on its cleanup interval so idle entries do not linger
// until the next Get.
func (h *HotCache) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for symbol, e := range h.entries {
		if now.Sub(e.storedAt) > h.ttl {
			delete(h.entries, symbol)
			h.expirations++
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (h *HotCache) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Stats snapshots the outcome counters.
func (h *HotCache) Stats() HotStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HotStats{
		Entries:     len(h.entries),
		MaxEntries:  h.maxSize,
		Hits:        h.hits,
		Misses:      h.misses,
		Evictions:   h.evictions,
		Expirations: h.expirations,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
