package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	monitorhttp "github.com/quotelab/smartcache/internal/interfaces/http"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/market"
	"github.com/quotelab/smartcache/internal/metrics"
	"github.com/quotelab/smartcache/internal/orchestrator"
	"github.com/quotelab/smartcache/internal/redisclient"
	"github.com/quotelab/smartcache/internal/stream"
)

// runMonitor boots the full caching stack and serves the monitoring
// endpoints until SIGINT/SIGTERM.
func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Monitor.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Monitor.Port = port
	}

	log.Info().Str("version", version).Msg("starting smartcache monitor")

	// Observability plumbing first so every component lands on the same bus.
	reg := metrics.NewRegistry()
	collector := metrics.NewCollector()
	bus := events.NewAsyncBus(0, collector.HandleEvent, reg.EventHandler())

	rdb, err := redisclient.New(cfg)
	if err != nil {
		bus.Close()
		return fmt.Errorf("redis: %w", err)
	}

	codec := envelope.NewCodec(cfg.Cache.CompressionThresholdBytes, cfg.Cache.CompressionEnabled)
	gov := governor.New(cfg.Governor, cfg.Limits, bus, governor.NewRuntimeProbe(cfg.Performance.MaxMemoryMB))
	warm := cache.New(rdb, codec, gov, bus, reg, cfg)
	kb := keys.NewBuilder(cfg.Limits.MaxKeyLength)

	hot := stream.NewHotCache(cfg.Stream.MaxHotCacheSize, cfg.Stream.GetHotCacheTTL())
	streams := stream.New(hot, warm, rdb, kb, bus, reg, cfg)

	schedule := market.NewSchedule(market.DefaultSessions(), 0, time.Duration(cfg.TTL.NearRealTimeTTLSeconds)*time.Second)
	orch := orchestrator.New(warm, rdb, kb, gov, bus, reg, cfg, orchestrator.WithMarketProvider(schedule))

	collector.RegisterSource("cache", func() interface{} { return warm.GetStats() })
	collector.RegisterSource("orchestrator", func() interface{} { return orch.GetStats() })
	collector.RegisterSource("governor", func() interface{} { return gov.Stats() })
	collector.RegisterSource("stream", func() interface{} { return streams.Stats() })

	handlers := monitorhttp.NewHandlers(orch, streams, gov, collector, version)
	serverCfg := monitorhttp.DefaultServerConfig()
	serverCfg.Host = cfg.Monitor.Host
	serverCfg.Port = cfg.Monitor.Port
	server, err := monitorhttp.NewServer(serverCfg, handlers, reg.Handler())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.StartCollection(ctx, cfg.Intervals.GetMetricsCollectionInterval(), bus)
	go healthProbe(ctx, orch, collector, rdb, cfg)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("health", fmt.Sprintf("http://%s/health", server.Address())).
			Str("stats", fmt.Sprintf("http://%s/stats", server.Address())).
			Str("metrics", fmt.Sprintf("http://%s/metrics", server.Address())).
			Msg("monitor endpoints available")

		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	// Stop producers before their dependencies: orchestrator drains its
	// refresh pool through the governor, so the governor closes after it.
	cancel()
	orch.Close()
	streams.Close()
	gov.Close()
	bus.Close()
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("redis close error")
	}

	log.Info().Msg("monitor shutdown complete")
	return nil
}

// healthProbe logs the orchestrator's dependency health on a fixed cadence
// and raises alerts when the cache error rate or the keyspace size crosses
// the configured limits.
func healthProbe(ctx context.Context, orch *orchestrator.Orchestrator, collector *metrics.Collector, rdb *redisclient.Client, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Intervals.GetHealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			health := orch.GetHealth(probeCtx)
			keyCount, sizeErr := rdb.DbSize(probeCtx)
			cancel()

			evt := log.Info()
			if health.Status != "healthy" {
				evt = log.Warn()
			}
			evt.
				Str("status", health.Status).
				Bool("redis_connected", health.RedisConnected).
				Str("breaker", health.BreakerState).
				Int("refresh_tracked", health.RefreshTracked).
				Msg("health probe")

			snap := collector.Snapshot()
			reads := snap.Cache.Hits + snap.Cache.Misses + snap.Cache.GetFailures
			if reads > 0 {
				rate := float64(snap.Cache.GetFailures) / float64(reads)
				if rate > cfg.Limits.ErrorRateAlertThreshold {
					log.Warn().
						Float64("error_rate", rate).
						Float64("threshold", cfg.Limits.ErrorRateAlertThreshold).
						Int64("get_failures", snap.Cache.GetFailures).
						Msg("cache error rate above alert threshold")
				}
			}
			if sizeErr == nil && cfg.Limits.MaxCacheEntries > 0 && keyCount > int64(cfg.Limits.MaxCacheEntries) {
				log.Warn().
					Int64("keys", keyCount).
					Int("limit", cfg.Limits.MaxCacheEntries).
					Msg("keyspace size above configured limit")
			}
		}
	}
}
