package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// Result sources for enhanced reads.
const (
	SourceCache = "cache"
	SourceFetch = "fetch"
	SourceError = "error"
)

// GetOptions tunes one enhanced read. The zero value reads through the cache
// with no freshness requirement and no metadata.
type GetOptions struct {
	// BypassCache skips both the cache read and the write-back; the fetch
	// result is returned directly.
	BypassCache bool
	// MaxAgeSeconds re-fetches a hit whose remaining TTL dropped below this
	// value; the stale entry is kept as a fallback if the re-fetch fails.
	// Zero accepts any remaining TTL.
	MaxAgeSeconds int64
	// IncludeMetadata keeps storedAtMs, age and compression details on the
	// result instead of stripping them.
	IncludeMetadata bool
}

// GetRequest is one slot of an MGetEnhanced call. Fetch is optional; without
// it a miss stays a miss.
type GetRequest struct {
	Key        string
	Fetch      FallbackFunc
	TTLSeconds int64
	Options    GetOptions
}

// EnhancedResult is one slot of an enhanced or metadata read. Misses keep
// their position with Hit=false so callers can zip results back to request
// order.
type EnhancedResult struct {
	Key                 string          `json:"key"`
	Hit                 bool            `json:"hit"`
	Data                json.RawMessage `json:"data,omitempty"`
	TTLRemainingSeconds int64           `json:"ttlRemainingSeconds,omitempty"`
	StoredAtMs          int64           `json:"storedAtMs,omitempty"`
	AgeMs               int64           `json:"ageMs,omitempty"`
	Compressed          bool            `json:"compressed,omitempty"`
	DegradedRead        bool            `json:"degradedRead,omitempty"`
	Source              string          `json:"source,omitempty"`
}

// BatchSetReport summarizes a plain batch write.
type BatchSetReport struct {
	Total      int      `json:"total"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failedKeys,omitempty"`
	ElapsedMs  int64    `json:"elapsedMs"`
}

// EnhancedEntry is one slot of an MSetEnhanced call. Compression overrides
// the codec policy when non-nil. SkipIfExists and OnlyIfExists gate the write
// on a pipelined EXISTS pre-check.
type EnhancedEntry struct {
	Key          string
	Value        interface{}
	TTLSeconds   int64
	Compression  *bool
	SkipIfExists bool
	OnlyIfExists bool
}

// Write statuses reported per entry by MSetEnhanced.
const (
	SetStatusStored  = "stored"
	SetStatusSkipped = "skipped"
	SetStatusFailed  = "failed"
)

// SetDetail is the per-entry outcome of an enhanced batch write.
type SetDetail struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EnhancedSetReport summarizes an enhanced batch write. Details is
// index-aligned with the request entries.
type EnhancedSetReport struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Details    []SetDetail `json:"details"`
	ElapsedMs  int64       `json:"elapsedMs"`
}

// MGetWithMetadata fetches keys with per-key TTL, age and compression
// metadata. Each chunk runs its GET pipeline and PTTL pipeline concurrently.
// Chunk failures degrade to misses; order is preserved. The orchestrator
// uses this to judge refresh eligibility without re-deserializing payloads.
func (c *Cache) MGetWithMetadata(ctx context.Context, keys []string) ([]*EnhancedResult, error) {
	if len(keys) == 0 {
		return []*EnhancedResult{}, nil
	}
	if len(keys) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d keys > %d", ErrBatchTooLarge, len(keys), c.maxBatchSize)
	}

	timer := c.reg.StartOpTimer("cache", "mget_metadata")
	out := make([]*EnhancedResult, len(keys))
	hitCount := 0

	for start := 0; start < len(keys); start += c.pipelineSize {
		end := start + c.pipelineSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		var vals [][]byte
		var pttls []int64
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			v, err := c.rdb.GetPipeline(gctx, chunk)
			if err != nil {
				return err
			}
			vals = v
			return nil
		})
		g.Go(func() error {
			// TTL detail is optional; its loss must not fail the chunk.
			p, err := c.rdb.PttlPipeline(gctx, chunk)
			if err == nil {
				pttls = p
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			c.readErrors.Add(1)
			c.reg.RecordError("warm", errorCode(err))
			log.Warn().Int("keys", len(chunk)).Err(err).Msg("metadata mget chunk degraded to misses")
			for i, key := range chunk {
				out[start+i] = &EnhancedResult{Key: key}
				c.misses.Add(1)
				c.reg.RecordMiss("warm")
			}
			continue
		}

		for i, key := range chunk {
			if vals[i] == nil {
				out[start+i] = &EnhancedResult{Key: key}
				c.misses.Add(1)
				c.reg.RecordMiss("warm")
				continue
			}
			pttlMs := redisclient.TTLKeyMissing
			if pttls != nil {
				pttlMs = pttls[i]
			}
			out[start+i] = c.buildEnhanced(ctx, key, vals[i], pttlMs)
			c.hits.Add(1)
			c.reg.RecordHit("warm")
			hitCount++
		}
	}

	elapsed := timer.Stop("ok")
	c.observeSlow("mget_metadata", elapsed)
	c.bus.Publish(events.Timer("cache", events.MetricCacheGetSuccess, elapsed, map[string]string{
		"op":   "mget_metadata",
		"keys": itoa(len(keys)),
		"hits": itoa(hitCount),
	}))
	return out, nil
}

func (c *Cache) buildEnhanced(ctx context.Context, key string, raw []byte, pttlMs int64) *EnhancedResult {
	res := &EnhancedResult{
		Key:                 key,
		Hit:                 true,
		TTLRemainingSeconds: MapPttlToSeconds(pttlMs, c.noExpireDefault),
		Source:              SourceCache,
	}

	parsed, err := c.codec.Parse(raw)
	if err != nil {
		c.recordDecompressFailure(key, &envelope.DecompressError{Kind: envelope.FailureJSON, Err: err})
		res.Data = envelope.RawJSON(raw)
		res.DegradedRead = true
		return res
	}

	res.StoredAtMs = parsed.StoredAtMs
	if parsed.StoredAtMs > 0 {
		res.AgeMs = parsed.Age(time.Now()).Milliseconds()
	}
	res.Compressed = parsed.Compressed

	payload, degraded := c.extract(ctx, key, parsed, governor.PriorityNormal)
	res.Data = envelope.RawJSON(payload)
	res.DegradedRead = degraded
	return res
}

// MGetEnhanced resolves each request against the cache and its optional
// fetch function. Hits fresher than MaxAgeSeconds are served as-is; stale
// hits are re-fetched in the foreground with the stale entry as a fallback;
// misses with a fetch function are loaded and written back asynchronously.
// Fetches run concurrently up to the configured parallelism. The result
// slice is index-aligned with reqs and the call fails only on batch-size
// misuse.
func (c *Cache) MGetEnhanced(ctx context.Context, reqs []GetRequest) ([]*EnhancedResult, error) {
	if len(reqs) == 0 {
		return []*EnhancedResult{}, nil
	}
	if len(reqs) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d requests > %d", ErrBatchTooLarge, len(reqs), c.maxBatchSize)
	}

	timer := c.reg.StartOpTimer("cache", "mget_enhanced")
	out := make([]*EnhancedResult, len(reqs))

	// Read the cacheable subset in one batched pass.
	idx := make([]int, 0, len(reqs))
	keys := make([]string, 0, len(reqs))
	for i := range reqs {
		if reqs[i].Options.BypassCache {
			continue
		}
		idx = append(idx, i)
		keys = append(keys, reqs[i].Key)
	}
	if len(keys) > 0 {
		cached, err := c.MGetWithMetadata(ctx, keys)
		if err != nil {
			timer.Stop("error")
			return nil, err
		}
		for j, i := range idx {
			out[i] = cached[j]
		}
	}

	// Resolve bypasses, misses and stale hits through their fetch functions.
	g := new(errgroup.Group)
	g.SetLimit(c.maxParallel)
	for i := range reqs {
		req := &reqs[i]
		res := out[i]

		var stale *EnhancedResult
		switch {
		case res == nil: // bypass
		case !res.Hit:
		case req.Options.MaxAgeSeconds > 0 && res.TTLRemainingSeconds < req.Options.MaxAgeSeconds:
			stale = res
		default:
			continue // fresh hit
		}
		if req.Fetch == nil {
			if res == nil {
				out[i] = &EnhancedResult{Key: req.Key}
			}
			continue
		}

		i := i
		g.Go(func() error {
			out[i] = c.resolveFetch(ctx, req, stale)
			return nil
		})
	}
	_ = g.Wait()

	for i := range reqs {
		if !reqs[i].Options.IncludeMetadata && out[i] != nil {
			out[i].StoredAtMs = 0
			out[i].AgeMs = 0
			out[i].Compressed = false
		}
	}

	elapsed := timer.Stop("ok")
	c.observeSlow("mget_enhanced", elapsed)
	return out, nil
}

// resolveFetch loads one request from origin. A non-nil stale result is the
// freshness-expired hit to fall back to when the re-fetch fails.
func (c *Cache) resolveFetch(ctx context.Context, req *GetRequest, stale *EnhancedResult) *EnhancedResult {
	fctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	value, err := req.Fetch(fctx)
	var payload json.RawMessage
	if err == nil {
		payload, err = json.Marshal(value)
	}
	if err != nil {
		if stale != nil {
			log.Debug().Str("key", req.Key).Err(err).Msg("re-fetch failed, serving stale entry")
			return stale
		}
		c.bus.Publish(events.Counter("cache", events.MetricCacheGetFailed, map[string]string{
			"code": "FETCH_FAILED",
		}))
		log.Warn().Str("key", req.Key).Err(err).Msg("enhanced get fetch failed")
		return &EnhancedResult{Key: req.Key, Source: SourceError}
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = c.ttlBounds.DefaultTTLSeconds
	}
	ttl = c.ttlBounds.ClampTTL(ttl)

	// Write-back happens off the request path; SetPayload logs its own
	// failures.
	if !req.Options.BypassCache {
		go func() {
			sctx, scancel := context.WithTimeout(context.Background(), c.opTimeout)
			defer scancel()
			_ = c.SetPayload(sctx, req.Key, payload, ttl)
		}()
	}

	return &EnhancedResult{
		Key:                 req.Key,
		Data:                payload,
		TTLRemainingSeconds: ttl,
		Source:              SourceFetch,
	}
}

// MSetEnhanced writes entries honoring per-entry compression overrides and
// existence conditions. Conditional entries are pre-checked with pipelined
// EXISTS calls; a failed pre-check fails those entries rather than writing
// them unconditionally. The report's Details slice is index-aligned with
// entries.
func (c *Cache) MSetEnhanced(ctx context.Context, entries []EnhancedEntry) (*EnhancedSetReport, error) {
	if len(entries) == 0 {
		return &EnhancedSetReport{}, nil
	}
	if len(entries) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d entries > %d", ErrBatchTooLarge, len(entries), c.maxBatchSize)
	}

	timer := c.reg.StartOpTimer("cache", "mset_enhanced")
	start := time.Now()
	report := &EnhancedSetReport{
		Total:   len(entries),
		Details: make([]SetDetail, len(entries)),
	}
	for i := range entries {
		report.Details[i].Key = entries[i].Key
	}

	exists, checkErr := c.precheckExists(ctx, entries)

	prepared := make([]redisclient.SetExEntry, 0, len(entries))
	preparedIdx := make([]int, 0, len(entries))
	for i := range entries {
		e := &entries[i]

		if e.SkipIfExists || e.OnlyIfExists {
			if checkErr[i] != nil {
				c.failDetail(report, i, checkErr[i])
				continue
			}
			if e.SkipIfExists && exists[i] {
				c.skipDetail(report, i, "exists")
				continue
			}
			if e.OnlyIfExists && !exists[i] {
				c.skipDetail(report, i, "absent")
				continue
			}
		}

		blob, compressed, err := c.codec.SerializeWith(e.Value, e.Compression)
		if err == nil && len(blob) > c.maxValueSize {
			err = fmt.Errorf("%w: %d bytes > %d", ErrValueTooLarge, len(blob), c.maxValueSize)
		}
		if err != nil {
			c.failDetail(report, i, err)
			continue
		}
		outcome := "raw"
		if compressed {
			outcome = "compressed"
		}
		c.reg.SerializedWrites.WithLabelValues(outcome).Inc()

		prepared = append(prepared, redisclient.SetExEntry{
			Key:   e.Key,
			TTL:   time.Duration(c.ttlBounds.ClampTTL(e.TTLSeconds)) * time.Second,
			Value: blob,
		})
		preparedIdx = append(preparedIdx, i)
	}

	for chunkStart := 0; chunkStart < len(prepared); chunkStart += c.pipelineSize {
		chunkEnd := chunkStart + c.pipelineSize
		if chunkEnd > len(prepared) {
			chunkEnd = len(prepared)
		}
		chunk := prepared[chunkStart:chunkEnd]

		perEntry, err := c.rdb.SetExPipeline(ctx, chunk)
		for i := range chunk {
			entryErr := err
			if entryErr == nil {
				entryErr = perEntry[i]
			}
			pos := preparedIdx[chunkStart+i]
			if entryErr != nil {
				c.failDetail(report, pos, entryErr)
				continue
			}
			report.Details[pos].Status = SetStatusStored
			report.Successful++
			c.sets.Add(1)
		}
	}

	report.ElapsedMs = time.Since(start).Milliseconds()
	elapsed := timer.Stop("ok")
	c.observeSlow("mset_enhanced", elapsed)
	return report, nil
}

// precheckExists runs the pipelined EXISTS pass over the conditional subset.
// Both returned slices are index-aligned with entries; unconditional slots
// stay false/nil.
func (c *Cache) precheckExists(ctx context.Context, entries []EnhancedEntry) ([]bool, []error) {
	exists := make([]bool, len(entries))
	errs := make([]error, len(entries))

	condIdx := make([]int, 0, len(entries))
	condKeys := make([]string, 0, len(entries))
	for i := range entries {
		if entries[i].SkipIfExists || entries[i].OnlyIfExists {
			condIdx = append(condIdx, i)
			condKeys = append(condKeys, entries[i].Key)
		}
	}

	for start := 0; start < len(condKeys); start += c.pipelineSize {
		end := start + c.pipelineSize
		if end > len(condKeys) {
			end = len(condKeys)
		}
		flags, err := c.rdb.ExistsPipeline(ctx, condKeys[start:end])
		for i := start; i < end; i++ {
			if err != nil {
				errs[condIdx[i]] = fmt.Errorf("exists pre-check: %w", err)
				continue
			}
			exists[condIdx[i]] = flags[i-start]
		}
	}
	return exists, errs
}

func (c *Cache) skipDetail(report *EnhancedSetReport, i int, reason string) {
	report.Details[i].Status = SetStatusSkipped
	report.Details[i].Reason = reason
	report.Skipped++
}

func (c *Cache) failDetail(report *EnhancedSetReport, i int, err error) {
	report.Details[i].Status = SetStatusFailed
	report.Details[i].Reason = err.Error()
	report.Failed++
	c.setFailures.Add(1)
	c.reg.RecordError("warm", errorCode(err))
	c.bus.Publish(events.Counter("cache", events.MetricCacheSetFailed, map[string]string{
		"code": errorCode(err),
	}))
	log.Warn().Str("key", report.Details[i].Key).Err(err).Msg("enhanced set entry failed")
}
