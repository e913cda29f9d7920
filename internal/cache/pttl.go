package cache

import "github.com/quotelab/smartcache/internal/redisclient"

// MapPttlToSeconds converts a PTTL reply in milliseconds to whole seconds
// for callers. The Redis sentinels are normalized: -2 (missing key) maps to
// 0, and -1 (no expiry) maps to noExpireDefault so consumers always see a
// finite lifetime. Positive values truncate toward zero, so 1500ms reports
// as 1s and a key in its final second reports 0.
func MapPttlToSeconds(pttlMs, noExpireDefault int64) int64 {
	switch {
	case pttlMs == redisclient.TTLKeyMissing:
		return 0
	case pttlMs == redisclient.TTLNoExpiry:
		return noExpireDefault
	case pttlMs <= 0:
		return 0
	default:
		return pttlMs / 1000
	}
}
