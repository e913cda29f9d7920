// Package ttl computes market-aware cache lifetimes. Calculate is a pure
// function of its input so decisions are reproducible and cheap to test.
package ttl

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/quotelab/smartcache/internal/market"
)

// Strategy labels explaining which rule produced a TTL.
const (
	StrategyDataTypeBased      = "data_type_based"
	StrategyDefaultFallback    = "default_fallback"
	StrategyMarketAware        = "market_aware"
	StrategyFreshnessOptimized = "freshness_optimized"
)

// Freshness expresses how current the cached data must stay.
type Freshness string

const (
	FreshnessRealtime   Freshness = "realtime"
	FreshnessAnalytical Freshness = "analytical"
	FreshnessArchive    Freshness = "archive"
)

// Base TTLs per data type, in seconds.
var baseTTLByDataType = map[string]int64{
	"stock-quote": 300,
	"historical":  3600,
	"static":      86400,
}

// Multipliers applied per freshness requirement.
var freshnessMultiplier = map[Freshness]float64{
	FreshnessRealtime:   0.3,
	FreshnessAnalytical: 1.5,
	FreshnessArchive:    3.0,
}

// Multiplier constants for market state.
const (
	openMultiplier      = 0.5
	closedMultiplier    = 2.0
	maxClosedMultiplier = 4.0
	farStateChangeHours = 8
)

// Multipliers overrides individual factors. A zero field keeps the computed
// value; a non-zero field replaces it outright.
type Multipliers struct {
	Market    float64
	DataType  float64
	Freshness float64
}

// Bounds clamp the final TTL.
type Bounds struct {
	MinSeconds     int64
	MaxSeconds     int64
	DefaultSeconds int64
}

// Clamp forces seconds into [MinSeconds, MaxSeconds]. A zero MaxSeconds
// means unbounded above.
func (b Bounds) Clamp(seconds int64) int64 {
	if seconds < b.MinSeconds {
		return b.MinSeconds
	}
	if b.MaxSeconds > 0 && seconds > b.MaxSeconds {
		return b.MaxSeconds
	}
	return seconds
}

// Input feeds one TTL decision. MarketStatus and Freshness are optional.
// Now defaults to time.Now and exists for deterministic tests.
type Input struct {
	Symbol       string
	DataType     string
	MarketStatus *market.Status
	Freshness    Freshness
	Custom       *Multipliers
	Now          time.Time
}

// Decision is the computed TTL plus the trace of how it was derived.
type Decision struct {
	TTLSeconds          int64
	Strategy            string
	BaseTTL             int64
	MarketMultiplier    float64
	DataTypeMultiplier  float64
	FreshnessMultiplier float64
	Reasoning           string
}

// Calculate derives the optimal TTL for one request.
func Calculate(in Input, bounds Bounds) Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var trace []string

	base, ok := baseTTLByDataType[in.DataType]
	strategy := StrategyDataTypeBased
	if !ok {
		base = bounds.DefaultSeconds
		strategy = StrategyDefaultFallback
		trace = append(trace, fmt.Sprintf("base=%ds (default, unknown data type %q)", base, in.DataType))
	} else {
		trace = append(trace, fmt.Sprintf("base=%ds (%s)", base, in.DataType))
	}

	marketMul := 1.0
	if st := in.MarketStatus; st != nil {
		strategy = StrategyMarketAware
		if st.IsOpen {
			marketMul = openMultiplier
			trace = append(trace, fmt.Sprintf("market open x%.1f", marketMul))
		} else {
			marketMul = closedMultiplier
			if st.NextStateChange != nil {
				hoursAway := st.NextStateChange.Sub(now).Hours()
				if hoursAway > farStateChangeHours {
					marketMul = math.Min(maxClosedMultiplier, marketMul*2)
					trace = append(trace, fmt.Sprintf("market closed, next change %.1fh away x%.1f", hoursAway, marketMul))
				} else {
					trace = append(trace, fmt.Sprintf("market closed x%.1f", marketMul))
				}
			} else {
				trace = append(trace, fmt.Sprintf("market closed x%.1f", marketMul))
			}
		}
	}

	freshnessMul := 1.0
	if in.Freshness != "" {
		if m, ok := freshnessMultiplier[in.Freshness]; ok {
			freshnessMul = m
		}
		if strategy != StrategyDefaultFallback {
			strategy = StrategyFreshnessOptimized
		}
		trace = append(trace, fmt.Sprintf("freshness %s x%.1f", in.Freshness, freshnessMul))
	}

	dataTypeMul := 1.0
	if c := in.Custom; c != nil {
		if c.Market != 0 {
			marketMul = c.Market
			trace = append(trace, fmt.Sprintf("market override x%.2f", marketMul))
		}
		if c.DataType != 0 {
			dataTypeMul = c.DataType
			trace = append(trace, fmt.Sprintf("data type override x%.2f", dataTypeMul))
		}
		if c.Freshness != 0 {
			freshnessMul = c.Freshness
			trace = append(trace, fmt.Sprintf("freshness override x%.2f", freshnessMul))
		}
	}

	raw := int64(math.Round(float64(base) * marketMul * dataTypeMul * freshnessMul))
	ttl := bounds.Clamp(raw)
	if ttl != raw {
		trace = append(trace, fmt.Sprintf("clamped %ds -> %ds", raw, ttl))
	}
	trace = append(trace, fmt.Sprintf("ttl=%ds", ttl))

	return Decision{
		TTLSeconds:          ttl,
		Strategy:            strategy,
		BaseTTL:             base,
		MarketMultiplier:    marketMul,
		DataTypeMultiplier:  dataTypeMul,
		FreshnessMultiplier: freshnessMul,
		Reasoning:           strings.Join(trace, ", "),
	}
}
