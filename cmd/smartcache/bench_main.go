package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/orchestrator"
	"github.com/quotelab/smartcache/internal/redisclient"
	"github.com/quotelab/smartcache/internal/stream"
)

// runBench measures read latency per tier against a live Redis.
func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	n, _ := cmd.Flags().GetInt("n")
	if n <= 0 {
		n = 2000
	}
	symbolList, _ := cmd.Flags().GetString("symbols")
	syms := splitSymbols(symbolList)
	if len(syms) == 0 {
		return fmt.Errorf("no symbols to benchmark")
	}

	reg := metrics.NewRegistry()
	bus := events.NopBus{}

	rdb, err := redisclient.New(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	codec := envelope.NewCodec(cfg.Cache.CompressionThresholdBytes, cfg.Cache.CompressionEnabled)
	gov := governor.New(cfg.Governor, cfg.Limits, bus, nil)
	defer gov.Close()
	warm := cache.New(rdb, codec, gov, bus, reg, cfg)
	kb := keys.NewBuilder(cfg.Limits.MaxKeyLength)

	hot := stream.NewHotCache(cfg.Stream.MaxHotCacheSize, cfg.Stream.GetHotCacheTTL())
	streams := stream.New(hot, warm, rdb, kb, bus, reg, cfg)
	defer streams.Close()

	orch := orchestrator.New(warm, rdb, kb, gov, bus, reg, cfg)
	defer orch.Close()

	ctx := context.Background()
	if err := seedBench(ctx, streams, warm, orch, syms); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	log.Info().Int("iterations", n).Int("symbols", len(syms)).Str("redis", cfg.Redis.Addr).Msg("benchmark starting")

	hotLat, err := benchPhase(n, func(i int) error {
		if _, ok := streams.Get(ctx, syms[i%len(syms)]); !ok {
			return fmt.Errorf("hot read missed %s", syms[i%len(syms)])
		}
		return nil
	})
	if err != nil {
		return err
	}

	warmLat, err := benchPhase(n, func(i int) error {
		if _, ok := warm.Get(ctx, benchKey(syms[i%len(syms)])); !ok {
			return fmt.Errorf("warm read missed %s", syms[i%len(syms)])
		}
		return nil
	})
	if err != nil {
		return err
	}

	orchLat, err := benchPhase(n, func(i int) error {
		res := orch.Orchestrate(ctx, benchRequest(syms[i%len(syms)]))
		if res.Err != nil {
			return res.Err
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%-14s %10s %10s %10s %10s\n", "phase", "ops/sec", "p50", "p95", "p99")
	reportPhase("hot", hotLat)
	reportPhase("warm", warmLat)
	reportPhase("orchestrated", orchLat)
	return nil
}

func splitSymbols(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func benchKey(symbol string) string {
	return "bench:quote:" + symbol
}

func benchRequest(symbol string) *orchestrator.Request {
	return &orchestrator.Request{
		CacheKey: "bench-quote",
		Strategy: orchestrator.StrategyWeakTimeliness,
		Symbols:  []string{symbol},
		Fetch: func(ctx context.Context) (any, error) {
			return map[string]any{"symbol": symbol, "price": 101.25}, nil
		},
	}
}

// seedBench loads each tier so every phase measures hits.
func seedBench(ctx context.Context, streams *stream.Cache, warm *cache.Cache, orch *orchestrator.Orchestrator, syms []string) error {
	points := make([]stream.Point, 0, 64)
	base := time.Now().Add(-time.Minute).UnixMilli()
	for i := 0; i < 64; i++ {
		points = append(points, stream.Point{
			Price:       100 + float64(i)*0.25,
			Volume:      float64(1000 + i),
			TimestampMs: base + int64(i)*1000,
		})
	}

	for _, sym := range syms {
		pts := make([]stream.Point, len(points))
		copy(pts, points)
		for i := range pts {
			pts[i].Symbol = sym
		}
		if err := streams.Set(ctx, sym, pts, stream.PriorityHot); err != nil {
			return err
		}
		if err := warm.Set(ctx, benchKey(sym), map[string]any{"symbol": sym, "price": 101.25}, 600); err != nil {
			return err
		}
		if res := orch.Orchestrate(ctx, benchRequest(sym)); res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// benchPhase runs fn n times and returns per-call latencies.
func benchPhase(n int, fn func(i int) error) ([]time.Duration, error) {
	lat := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := fn(i); err != nil {
			return nil, err
		}
		lat = append(lat, time.Since(start))
	}
	return lat, nil
}

func reportPhase(name string, lat []time.Duration) {
	if len(lat) == 0 {
		return
	}
	var total time.Duration
	for _, d := range lat {
		total += d
	}
	sorted := make([]time.Duration, len(lat))
	copy(sorted, lat)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	opsPerSec := float64(len(lat)) / total.Seconds()
	fmt.Printf("%-14s %10.0f %10s %10s %10s\n",
		name, opsPerSec,
		percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99))
}

// percentile reads the q-quantile from an ascending latency slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}
