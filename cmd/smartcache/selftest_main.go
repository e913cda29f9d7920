package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotelab/smartcache/internal/cache"
	"github.com/quotelab/smartcache/internal/config"
	"github.com/quotelab/smartcache/internal/envelope"
	"github.com/quotelab/smartcache/internal/events"
	"github.com/quotelab/smartcache/internal/governor"
	"github.com/quotelab/smartcache/internal/keys"
	"github.com/quotelab/smartcache/internal/market"
	"github.com/quotelab/smartcache/internal/ttl"
)

type check struct {
	name string
	run  func() error
}

// runSelftest exercises the pure core invariants without touching Redis.
func runSelftest(cmd *cobra.Command, args []string) error {
	checks := []check{
		{"key determinism", checkKeyDeterminism},
		{"key hashing", checkKeyHashing},
		{"envelope round-trip", checkEnvelopeRoundTrip},
		{"envelope fallback", checkEnvelopeFallback},
		{"pttl mapping", checkPttlMapping},
		{"ttl table", checkTTLTable},
		{"governor backpressure", checkGovernorBackpressure},
	}

	failed := 0
	for _, c := range checks {
		if err := c.run(); err != nil {
			failed++
			fmt.Printf("FAIL  %-24s %v\n", c.name, err)
			continue
		}
		fmt.Printf("PASS  %-24s\n", c.name)
	}

	fmt.Printf("\n%d/%d checks passed\n", len(checks)-failed, len(checks))
	if failed > 0 {
		return fmt.Errorf("%d selftest checks failed", failed)
	}
	return nil
}

// checkKeyDeterminism verifies that symbol and parameter ordering never
// changes the produced key.
func checkKeyDeterminism() error {
	b := keys.NewBuilder(256)

	k1, err := b.Build("quote", []string{"MSFT", "AAPL", "NVDA"}, map[string]string{"period": "1d", "adjust": "split"})
	if err != nil {
		return err
	}
	k2, err := b.Build("quote", []string{"NVDA", "MSFT", "AAPL"}, map[string]string{"adjust": "split", "period": "1d"})
	if err != nil {
		return err
	}
	if k1 != k2 {
		return fmt.Errorf("reordered inputs produced different keys: %q vs %q", k1, k2)
	}
	if k1 != "quote:AAPL|MSFT|NVDA:adjust:split|period:1d" {
		return fmt.Errorf("unexpected key layout: %q", k1)
	}
	return nil
}

// checkKeyHashing verifies large symbol sets collapse to a stable digest.
func checkKeyHashing() error {
	b := keys.NewBuilder(256)
	many := []string{"aapl", "MSFT ", "nvda", "AMZN", "GOOG", "META", "AAPL"}

	k1, err := b.Build("quote", many, nil)
	if err != nil {
		return err
	}
	if !strings.Contains(k1, "hash:") {
		return fmt.Errorf("oversized symbol set was not hashed: %q", k1)
	}

	// Same set, different case/order/duplication.
	k2, err := b.Build("quote", []string{"GOOG", "META", "AMZN", "NVDA", "msft", "AAPL"}, nil)
	if err != nil {
		return err
	}
	if k1 != k2 {
		return fmt.Errorf("normalized sets hashed differently: %q vs %q", k1, k2)
	}
	return nil
}

// checkEnvelopeRoundTrip compresses a payload and gets the same bytes back.
func checkEnvelopeRoundTrip() error {
	codec := envelope.NewCodec(64, true)
	payload := []byte(`{"series":"` + strings.Repeat("0123456789", 50) + `"}`)

	stored, compressed, err := codec.SerializePayload(payload)
	if err != nil {
		return err
	}
	if !compressed {
		return errors.New("large repetitive payload was not compressed")
	}

	parsed, err := codec.Parse(stored)
	if err != nil {
		return err
	}
	out, derr := codec.Decompress(parsed)
	if derr != nil {
		return derr
	}
	if !bytes.Equal(out, payload) {
		return errors.New("round-trip payload mismatch")
	}
	return nil
}

// checkEnvelopeFallback damages a compressed envelope and expects the raw
// payload back with a classified error instead of a hard failure.
func checkEnvelopeFallback() error {
	codec := envelope.NewCodec(64, true)

	damaged, err := json.Marshal(envelope.Envelope{
		Compressed: true,
		StoredAtMs: time.Now().UnixMilli(),
		Data:       "%%% not base64 %%%",
		Metadata:   &envelope.Metadata{OriginalSize: 512, CompressedSize: 64},
	})
	if err != nil {
		return err
	}

	parsed, err := codec.Parse(damaged)
	if err != nil {
		return err
	}
	out, derr := codec.Decompress(parsed)
	if derr == nil {
		return errors.New("damaged envelope decompressed without error")
	}
	if derr.Kind != envelope.FailureBase64 {
		return fmt.Errorf("expected %s, got %s", envelope.FailureBase64, derr.Kind)
	}
	if string(out) != "%%% not base64 %%%" {
		return errors.New("fallback did not return the raw stored payload")
	}
	return nil
}

// checkPttlMapping verifies the Redis sentinel translation.
func checkPttlMapping() error {
	cases := []struct {
		pttlMs int64
		want   int64
	}{
		{-2, 0},
		{-1, 31536000},
		{1500, 1},
		{999, 0},
		{60000, 60},
	}
	for _, c := range cases {
		if got := cache.MapPttlToSeconds(c.pttlMs, 31536000); got != c.want {
			return fmt.Errorf("MapPttlToSeconds(%d) = %d, want %d", c.pttlMs, got, c.want)
		}
	}
	return nil
}

// checkTTLTable spot-checks the market-aware TTL multipliers.
func checkTTLTable() error {
	bounds := ttl.Bounds{MinSeconds: 5, MaxSeconds: 86400, DefaultSeconds: 300}

	open := ttl.Calculate(ttl.Input{
		Symbol:       "AAPL",
		DataType:     "stock-quote",
		MarketStatus: &market.Status{Status: market.StatusTrading, IsOpen: true},
	}, bounds)
	if open.TTLSeconds != 150 {
		return fmt.Errorf("open market stock-quote TTL = %d, want 150", open.TTLSeconds)
	}

	closed := ttl.Calculate(ttl.Input{
		Symbol:       "AAPL",
		DataType:     "stock-quote",
		MarketStatus: &market.Status{Status: market.StatusClosed, IsOpen: false},
	}, bounds)
	if closed.TTLSeconds != 600 {
		return fmt.Errorf("closed market stock-quote TTL = %d, want 600", closed.TTLSeconds)
	}

	clamped := ttl.Calculate(ttl.Input{
		Symbol:    "AAPL",
		DataType:  "static",
		Freshness: ttl.FreshnessArchive,
	}, bounds)
	if clamped.TTLSeconds != 86400 {
		return fmt.Errorf("archive static TTL = %d, want clamp to 86400", clamped.TTLSeconds)
	}
	return nil
}

// checkGovernorBackpressure fills the queue and expects fail-fast rejection.
func checkGovernorBackpressure() error {
	defaults := config.Default()
	cfg := defaults.Governor
	cfg.Mode = "balanced"
	cfg.MaxConcurrent = 1
	cfg.MaxQueueSize = 2
	cfg.MaxRetries = 0

	gov := governor.New(cfg, defaults.Limits, events.NopBus{}, governor.FixedProbe{Mem: 0.1, CPU: 0.1})
	defer gov.Close()

	gate := make(chan struct{})
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- gov.Do(context.Background(), governor.PriorityNormal, func(ctx context.Context) error {
				<-gate
				return nil
			})
		}()
	}

	// Wait for one runner and a full queue.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := gov.Stats()
		if st.Running == 1 && st.Queued == 2 {
			break
		}
		if time.Now().After(deadline) {
			close(gate)
			return fmt.Errorf("governor never reached running=1 queued=2 (got running=%d queued=%d)", st.Running, st.Queued)
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := gov.Do(context.Background(), governor.PriorityNormal, func(ctx context.Context) error { return nil })
	close(gate)
	for i := 0; i < 3; i++ {
		if e := <-results; e != nil {
			return fmt.Errorf("queued task failed: %w", e)
		}
	}

	if !errors.Is(err, governor.ErrQueueFull) {
		return fmt.Errorf("overflow submission returned %v, want ErrQueueFull", err)
	}
	return nil
}
