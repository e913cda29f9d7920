package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/quotelab/smartcache/internal/market"
	"github.com/quotelab/smartcache/internal/ttl"
)

// Strategy selects how aggressively a request is cached.
type Strategy string

const (
	// StrategyStrongTimeliness caches for the real-time TTL class and is
	// refreshed proactively.
	StrategyStrongTimeliness Strategy = "STRONG_TIMELINESS"
	// StrategyWeakTimeliness caches for the batch-query TTL class and is
	// refreshed lazily.
	StrategyWeakTimeliness Strategy = "WEAK_TIMELINESS"
	// StrategyMarketAware derives the TTL from the market session state.
	StrategyMarketAware Strategy = "MARKET_AWARE"
	// StrategyNoCache fetches on every call and never stores.
	StrategyNoCache Strategy = "NO_CACHE"
	// StrategyAdaptive caches for the near-real-time TTL class.
	StrategyAdaptive Strategy = "ADAPTIVE"
)

// resolveTTL maps a request to the TTL its data will be stored with. Zero
// means do-not-cache. An explicit metadata TTL wins over the strategy class;
// either way the cache clamps the final value into bounds at write time.
func (o *Orchestrator) resolveTTL(ctx context.Context, req *Request) int64 {
	if req.Metadata != nil && req.Metadata.TTLSeconds > 0 {
		return o.bounds.Clamp(req.Metadata.TTLSeconds)
	}

	switch req.Strategy {
	case StrategyNoCache:
		return 0
	case StrategyStrongTimeliness:
		if o.ttlCfg.RealTimeTTLSeconds < 1 {
			return 1
		}
		return o.ttlCfg.RealTimeTTLSeconds
	case StrategyWeakTimeliness:
		return o.ttlCfg.BatchQueryTTLSeconds
	case StrategyMarketAware:
		return o.marketAwareTTL(ctx, req)
	default: // ADAPTIVE
		return o.ttlCfg.NearRealTimeTTLSeconds
	}
}

// marketAwareTTL asks the market provider for the current session and maps
// it to a TTL class. When the request names a data type the full calculator
// refines the class with freshness and session multipliers. Any provider
// problem falls back to the near-real-time class: serving slightly stale
// data beats failing the request.
func (o *Orchestrator) marketAwareTTL(ctx context.Context, req *Request) int64 {
	if o.market == nil {
		return o.ttlCfg.NearRealTimeTTLSeconds
	}

	st, err := o.market.GetMarketStatus(ctx, req.Market)
	if err != nil || st == nil {
		log.Debug().Str("market", req.Market).Err(err).
			Msg("market status unavailable, using near-real-time ttl")
		return o.ttlCfg.NearRealTimeTTLSeconds
	}

	if req.DataType != "" {
		in := ttl.Input{
			DataType:     req.DataType,
			MarketStatus: st,
		}
		if len(req.Symbols) > 0 {
			in.Symbol = req.Symbols[0]
		}
		if req.Metadata != nil {
			in.Freshness = req.Metadata.Freshness
		}
		dec := ttl.Calculate(in, o.bounds)
		log.Debug().
			Str("dataType", req.DataType).
			Str("strategy", dec.Strategy).
			Str("reasoning", dec.Reasoning).
			Msg("calculated market-aware ttl")
		return dec.TTLSeconds
	}

	if st.IsHoliday || st.Status == market.StatusHoliday {
		return o.ttlCfg.WeekendTTLSeconds
	}
	switch st.Status {
	case market.StatusTrading, market.StatusPreMarket:
		return o.ttlCfg.NearRealTimeTTLSeconds
	default:
		return o.ttlCfg.OffHoursTTLSeconds
	}
}
