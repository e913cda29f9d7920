package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotelab/smartcache/internal/config"
)

const (
	appName = "smartcache"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-tier caching core for market data",
		Version: version,
		Long: `smartcache is the caching layer that sits between market data consumers
and their upstream providers. It combines a per-process hot tier, a Redis
warm tier with transparent compression, strategy-driven TTLs and
single-flight fetch coalescing behind one orchestration API.

Subcommands expose the operational surface: a monitoring HTTP server,
an offline self-test of the core invariants, and a micro-benchmark.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file (defaults apply when empty)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start the monitoring HTTP server",
		Long:  "Starts the HTTP server with /health, /stats and /metrics endpoints and runs the periodic health probe and stats collection.",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().String("host", "", "Bind host (overrides config)")
	monitorCmd.Flags().Int("port", 0, "Bind port (overrides config)")

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run offline invariant checks",
		Long:  "Exercises key construction, the compression envelope, TTL resolution, PTTL mapping and governor backpressure without touching Redis. Exits non-zero when any check fails.",
		RunE:  runSelftest,
	}

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Micro-benchmark cache reads against a live Redis",
		Long:  "Measures hot-tier, warm-tier and orchestrated read latency, reporting ops/sec and p50/p95/p99 percentiles.",
		RunE:  runBench,
	}
	benchCmd.Flags().String("redis", "", "Redis address (overrides config)")
	benchCmd.Flags().Int("n", 2000, "Iterations per phase")
	benchCmd.Flags().String("symbols", "AAPL,MSFT,NVDA,AMZN", "Comma-separated symbols to load")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(benchCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the --config flag into a validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
