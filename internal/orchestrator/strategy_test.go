package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/market"
	"github.com/quotelab/smartcache/internal/ttl"
)

func staticMarket(code market.StatusCode, open bool) *market.Static {
	return &market.Static{Current: market.Status{Status: code, IsOpen: open}}
}

func TestResolveTTL_StrategyClasses(t *testing.T) {
	o, _ := testOrchestrator(t, nil)
	ctx := context.Background()

	cases := []struct {
		strategy Strategy
		want     int64
	}{
		{StrategyStrongTimeliness, 5},
		{StrategyAdaptive, 30},
		{StrategyWeakTimeliness, 600},
		{StrategyNoCache, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			req := quoteReq(tc.strategy, fetchJSON(`{}`))
			assert.Equal(t, tc.want, o.resolveTTL(ctx, req))
		})
	}
}

func TestResolveTTL_StrongNeverBelowOneSecond(t *testing.T) {
	o, _ := testOrchestrator(t, func(cfg *config.Config) {
		cfg.TTL.RealTimeTTLSeconds = 0
	})

	req := quoteReq(StrategyStrongTimeliness, fetchJSON(`{}`))
	assert.Equal(t, int64(1), o.resolveTTL(context.Background(), req))
}

func TestResolveTTL_MetadataOverrideWinsAndClamps(t *testing.T) {
	o, _ := testOrchestrator(t, nil)
	ctx := context.Background()

	req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	req.Metadata = &RequestMeta{TTLSeconds: 120}
	assert.Equal(t, int64(120), o.resolveTTL(ctx, req))

	req.Metadata.TTLSeconds = 1
	assert.Equal(t, int64(5), o.resolveTTL(ctx, req), "override clamps to the minimum")

	req.Metadata.TTLSeconds = 9_999_999
	assert.Equal(t, int64(86400), o.resolveTTL(ctx, req), "override clamps to the maximum")
}

func TestMarketAwareTTL_SessionMapping(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		provider market.Provider
		want     int64
	}{
		{"trading", staticMarket(market.StatusTrading, true), 30},
		{"pre-market", staticMarket(market.StatusPreMarket, false), 30},
		{"closed", staticMarket(market.StatusClosed, false), 300},
		{"holiday", staticMarket(market.StatusHoliday, false), 3600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, _ := testOrchestrator(t, nil, WithMarketProvider(tc.provider))
			req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
			req.Market = "US"
			assert.Equal(t, tc.want, o.resolveTTL(ctx, req))
		})
	}
}

func TestMarketAwareTTL_HolidayFlagWins(t *testing.T) {
	provider := &market.Static{Current: market.Status{Status: market.StatusClosed, IsHoliday: true}}
	o, _ := testOrchestrator(t, nil, WithMarketProvider(provider))

	req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	assert.Equal(t, int64(3600), o.resolveTTL(context.Background(), req))
}

func TestMarketAwareTTL_NoProviderFallsBack(t *testing.T) {
	o, _ := testOrchestrator(t, nil)

	req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	assert.Equal(t, int64(30), o.resolveTTL(context.Background(), req))
}

type downMarket struct{}

func (downMarket) GetMarketStatus(context.Context, string) (*market.Status, error) {
	return nil, errors.New("schedule service down")
}

func TestMarketAwareTTL_ProviderErrorFallsBack(t *testing.T) {
	o, _ := testOrchestrator(t, nil, WithMarketProvider(downMarket{}))

	req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	assert.Equal(t, int64(30), o.resolveTTL(context.Background(), req))
}

func TestMarketAwareTTL_DataTypeUsesCalculator(t *testing.T) {
	ctx := context.Background()

	// stock-quote base 300s, halved while the market trades.
	o, _ := testOrchestrator(t, nil, WithMarketProvider(staticMarket(market.StatusTrading, true)))
	req := quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	req.DataType = "stock-quote"
	assert.Equal(t, int64(150), o.resolveTTL(ctx, req))

	// Doubled once the session closes.
	o, _ = testOrchestrator(t, nil, WithMarketProvider(staticMarket(market.StatusClosed, false)))
	req = quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	req.DataType = "stock-quote"
	assert.Equal(t, int64(600), o.resolveTTL(ctx, req))

	// A realtime freshness requirement shrinks the TTL further.
	o, _ = testOrchestrator(t, nil, WithMarketProvider(staticMarket(market.StatusTrading, true)))
	req = quoteReq(StrategyMarketAware, fetchJSON(`{}`))
	req.DataType = "stock-quote"
	req.Metadata = &RequestMeta{Freshness: ttl.FreshnessRealtime}
	assert.Equal(t, int64(45), o.resolveTTL(ctx, req))
}

func TestOrchestrate_MarketAwareEndToEnd(t *testing.T) {
	o, mr := testOrchestrator(t, nil, WithMarketProvider(staticMarket(market.StatusTrading, true)))

	req := quoteReq(StrategyMarketAware, fetchJSON(`{"px":1}`))
	req.Market = "US"
	res := o.Orchestrate(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(30), res.DynamicTTL)
	assert.Equal(t, 30*time.Second, mr.TTL(res.StorageKey))
}
