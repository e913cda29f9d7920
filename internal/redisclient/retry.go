package redisclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// retryPolicy retries idempotent commands with exponential backoff. Writes
// never pass through it; a replayed SETEX after an ambiguous failure could
// resurrect an entry the caller already overwrote.
type retryPolicy struct {
	enabled     bool
	exponential bool
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
}

func (p retryPolicy) run(ctx context.Context, op string, fn func() error) error {
	if !p.enabled || p.maxAttempts <= 0 {
		return fn()
	}

	var bo backoff.BackOff
	if p.exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.baseDelay
		eb.MaxInterval = p.maxDelay
		eb.Multiplier = p.multiplier
		eb.MaxElapsedTime = 0
		bo = eb
	} else {
		bo = backoff.NewConstantBackOff(p.baseDelay)
	}
	bo = backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.maxAttempts)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return backoff.Permanent(err)
		}
		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Err(err).
			Msg("retrying redis operation")
		return err
	}, bo)
}
