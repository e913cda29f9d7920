package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/keys"
)

// Warm-clear tuning. Keyspaces at or under clearSmallKeyspace are unlinked
// in one shot; larger ones are walked page by page with a pause between
// pages so Redis keeps serving reads.
const (
	clearScanPageSize  = 500
	clearSmallKeyspace = 1000
	clearBatchPause    = 10 * time.Millisecond
)

// Clear strategies as applied, reported back to the caller.
const (
	clearStrategySmall    = "small"
	clearStrategyLarge    = "large"
	clearStrategyPreserve = "preserve_active"
)

// ClearOptions tunes a Clear run.
type ClearOptions struct {
	// Force deletes immediately without pacing, whatever the keyspace size.
	Force bool
	// PreserveActive keeps keys that are close to natural expiry and only
	// removes no-expiry keys and keys with more than MaxAgeSeconds left.
	PreserveActive bool
	// MaxAgeSeconds is the remaining-TTL threshold for PreserveActive.
	// Zero removes every key that has an expiry further out than "now".
	MaxAgeSeconds int64
}

// ClearReport summarizes a Clear run.
type ClearReport struct {
	Pattern     string `json:"pattern"`
	Strategy    string `json:"strategy"`
	HotRemoved  int    `json:"hotRemoved"`
	WarmRemoved int64  `json:"warmRemoved"`
	ElapsedMs   int64  `json:"elapsedMs"`
}

// Clear removes warm-tier keys matching pattern, and the whole hot tier
// when the pattern covers the full stream namespace. An empty pattern means
// the full namespace. The strategy is picked from the keyspace size: small
// keyspaces are unlinked at once, large ones page by page with pauses, and
// PreserveActive probes TTLs so soon-to-expire keys are left to lapse on
// their own. A partial failure returns the error with the progress made.
func (s *Cache) Clear(ctx context.Context, pattern string, opts ClearOptions) (*ClearReport, error) {
	start := time.Now()
	full := keys.Pattern(keys.PrefixStreamCache, "")
	if pattern == "" {
		pattern = full
	}
	report := &ClearReport{Pattern: pattern}

	if pattern == full {
		report.HotRemoved = s.hot.Clear()
		s.reg.HotCacheEntries.Set(0)
	}

	var removed int64
	var err error
	switch {
	case opts.PreserveActive:
		report.Strategy = clearStrategyPreserve
		removed, err = s.clearPreserving(ctx, pattern, opts.MaxAgeSeconds)
	case opts.Force:
		report.Strategy = clearStrategySmall
		removed, err = s.clearPaged(ctx, pattern, 0)
	default:
		report.Strategy, removed, err = s.clearSized(ctx, pattern)
	}
	report.WarmRemoved = removed
	report.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		s.perf.noteError(err)
		return report, err
	}

	log.Info().
		Str("pattern", pattern).
		Str("strategy", report.Strategy).
		Int("hot_removed", report.HotRemoved).
		Int64("warm_removed", report.WarmRemoved).
		Int64("elapsed_ms", report.ElapsedMs).
		Msg("stream cache cleared")
	return report, nil
}

// clearSized probes the keyspace size first. At or under the small
// threshold the probed keys are unlinked directly; beyond it the clear
// switches to the paced page walk.
func (s *Cache) clearSized(ctx context.Context, pattern string) (string, int64, error) {
	probe, err := s.rdb.ScanAll(ctx, pattern, clearScanPageSize, clearSmallKeyspace+1)
	if err != nil {
		return clearStrategySmall, 0, err
	}
	if len(probe) <= clearSmallKeyspace {
		if len(probe) == 0 {
			return clearStrategySmall, 0, nil
		}
		n, err := s.rdb.Unlink(ctx, probe...)
		return clearStrategySmall, n, err
	}
	n, err := s.clearPaged(ctx, pattern, clearBatchPause)
	return clearStrategyLarge, n, err
}

// clearPaged walks the keyspace with SCAN and unlinks each page, pausing
// between pages when pause is positive.
func (s *Cache) clearPaged(ctx context.Context, pattern string, pause time.Duration) (int64, error) {
	var removed int64
	var cursor uint64
	for {
		page, next, err := s.rdb.Scan(ctx, cursor, pattern, clearScanPageSize)
		if err != nil {
			return removed, err
		}
		if len(page) > 0 {
			n, err := s.rdb.Unlink(ctx, page...)
			removed += n
			if err != nil {
				return removed, err
			}
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
		if pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return removed, ctx.Err()
			}
		}
	}
}

// clearPreserving probes each page's TTLs and unlinks only keys that will
// not lapse soon by themselves: keys without an expiry and keys with more
// than maxAgeSeconds remaining. Everything else is left to expire.
func (s *Cache) clearPreserving(ctx context.Context, pattern string, maxAgeSeconds int64) (int64, error) {
	var removed int64
	var cursor uint64
	for {
		page, next, err := s.rdb.Scan(ctx, cursor, pattern, clearScanPageSize)
		if err != nil {
			return removed, err
		}
		if len(page) > 0 {
			ttls, err := s.rdb.TtlPipeline(ctx, page)
			if err != nil {
				return removed, err
			}
			doomed := page[:0:0]
			for i, ttl := range ttls {
				if ttl == redisNoExpiry || ttl > maxAgeSeconds {
					doomed = append(doomed, page[i])
				}
			}
			if len(doomed) > 0 {
				n, err := s.rdb.Unlink(ctx, doomed...)
				removed += n
				if err != nil {
					return removed, err
				}
			}
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
		select {
		case <-time.After(clearBatchPause):
		case <-ctx.Done():
			return removed, ctx.Err()
		}
	}
}

// redisNoExpiry is the TTL command's sentinel for a key without expiry.
const redisNoExpiry = -1
