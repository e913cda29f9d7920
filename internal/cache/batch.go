package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/redisclient"
)

// Entry is one key/value/ttl triple for batch writes.
type Entry struct {
	Key        string
	Value      interface{}
	TTLSeconds int64
}

// MGet fetches keys with MGET in chunks of the configured batch size,
// preserving request order. Missing keys yield nil slots. A chunk whose
// round trip fails degrades all of its keys to misses; the only returned
// error is batch-size misuse.
func (c *Cache) MGet(ctx context.Context, keys []string) ([]json.RawMessage, error) {
	if len(keys) == 0 {
		return []json.RawMessage{}, nil
	}
	if len(keys) > c.maxBatchSize {
		return nil, fmt.Errorf("%w: %d keys > %d", ErrBatchTooLarge, len(keys), c.maxBatchSize)
	}

	timer := c.reg.StartOpTimer("cache", "mget")
	out := make([]json.RawMessage, len(keys))
	hitCount := 0

	for start := 0; start < len(keys); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		vals, err := c.rdb.MGet(ctx, chunk...)
		if err != nil {
			c.readErrors.Add(1)
			c.reg.RecordError("warm", errorCode(err))
			log.Warn().Int("keys", len(chunk)).Err(err).Msg("mget chunk degraded to misses")
			for range chunk {
				c.misses.Add(1)
				c.reg.RecordMiss("warm")
			}
			continue
		}
		for i, raw := range vals {
			if raw == nil {
				c.misses.Add(1)
				c.reg.RecordMiss("warm")
				continue
			}
			out[start+i] = c.payloadOf(ctx, chunk[i], raw, governor.PriorityNormal)
			c.hits.Add(1)
			c.reg.RecordHit("warm")
			hitCount++
		}
	}

	elapsed := timer.Stop("ok")
	c.observeSlow("mget", elapsed)
	c.bus.Publish(events.Timer("cache", events.MetricCacheGetSuccess, elapsed, map[string]string{
		"op":   "mget",
		"keys": itoa(len(keys)),
		"hits": itoa(hitCount),
	}))
	return out, nil
}

// payloadOf parses one stored value and extracts its payload, degrading to
// the raw bytes when the envelope is damaged.
func (c *Cache) payloadOf(ctx context.Context, key string, raw []byte, priority governor.Priority) json.RawMessage {
	parsed, err := c.codec.Parse(raw)
	if err != nil {
		c.recordDecompressFailure(key, &envelope.DecompressError{Kind: envelope.FailureJSON, Err: err})
		return envelope.RawJSON(raw)
	}
	payload, _ := c.extract(ctx, key, parsed, priority)
	return envelope.RawJSON(payload)
}

// MSet writes entries with pipelined SETEX in chunks. Per-entry failures
// are tolerated and logged; the call fails only when every entry failed or
// the batch exceeds the hard limit.
func (c *Cache) MSet(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > c.maxBatchSize {
		return fmt.Errorf("%w: %d entries > %d", ErrBatchTooLarge, len(entries), c.maxBatchSize)
	}

	timer := c.reg.StartOpTimer("cache", "mset")
	report := c.writeEntries(ctx, entries)
	elapsed := timer.Stop("ok")
	c.observeSlow("mset", elapsed)

	if report.Failed == report.Total {
		return fmt.Errorf("all %d entries failed", report.Total)
	}
	return nil
}

// writeEntries serializes and pipelines entries, tracking per-key outcomes.
func (c *Cache) writeEntries(ctx context.Context, entries []Entry) *BatchSetReport {
	report := &BatchSetReport{Total: len(entries)}

	prepared := make([]redisclient.SetExEntry, 0, len(entries))
	for _, e := range entries {
		blob, compressed, err := c.codec.Serialize(e.Value)
		if err == nil && len(blob) > c.maxValueSize {
			err = fmt.Errorf("%w: %d bytes > %d", ErrValueTooLarge, len(blob), c.maxValueSize)
		}
		if err != nil {
			c.noteBatchFailure(report, e.Key, err)
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
	}

	for start := 0; start < len(prepared); start += c.pipelineSize {
		end := start + c.pipelineSize
		if end > len(prepared) {
			end = len(prepared)
		}
		chunk := prepared[start:end]

		perEntry, err := c.rdb.SetExPipeline(ctx, chunk)
		if err != nil {
			for _, e := range chunk {
				c.noteBatchFailure(report, e.Key, err)
			}
			continue
		}
		for i, entryErr := range perEntry {
			if entryErr != nil {
				c.noteBatchFailure(report, chunk[i].Key, entryErr)
				continue
			}
			c.sets.Add(1)
			report.Succeeded++
		}
	}
	return report
}

func (c *Cache) noteBatchFailure(report *BatchSetReport, key string, err error) {
	report.Failed++
	report.FailedKeys = append(report.FailedKeys, key)
	c.setFailures.Add(1)
	c.reg.RecordError("warm", errorCode(err))
	c.bus.Publish(events.Counter("cache", events.MetricCacheSetFailed, map[string]string{
		"code": errorCode(err),
	}))
	log.Warn().Str("key", key).Err(err).Msg("batch set entry failed")
}
