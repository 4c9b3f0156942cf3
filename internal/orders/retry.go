package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Default attempt bounds for order placement paths.
const (
	DefaultPrimaryAttempts = 5
	DefaultNestedAttempts  = 2
	DefaultRetryDelay      = 500 * time.Millisecond
)

// ErrRetriesExhausted wraps the last attempt error once a policy gives up.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy is a bounded retry loop shared by every order-placement path.
// The context is checked before each attempt so a session stop interrupts
// a retry sequence immediately.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// OnRetry, when set, runs between a failed attempt and the next one.
	// Paths use it to react to specific exchange codes: re-fetch the live
	// price, lower the symbol leverage. Returning an error aborts the loop.
	OnRetry func(ctx context.Context, attempt int, err error) error
}

// PrimaryPolicy returns the default policy for top-level placements.
func PrimaryPolicy() Policy {
	return Policy{MaxAttempts: DefaultPrimaryAttempts, Delay: DefaultRetryDelay}
}

// NestedPolicy returns the default policy for secondary requests made
// inside a placement path (price fetches, leverage changes).
func NestedPolicy() Policy {
	return Policy{MaxAttempts: DefaultNestedAttempts, Delay: DefaultRetryDelay}
}

// Run executes fn up to MaxAttempts times. Each failure is logged as a
// warning; exhaustion is logged as an error and returned wrapped in
// ErrRetriesExhausted. Context cancellation returns ctx.Err() directly.
func (p Policy) Run(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Err(lastErr).
			Msg("order request failed")

		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			if err := p.OnRetry(ctx, attempt, lastErr); err != nil {
				logger.Error().Str("op", op).Err(err).Msg("retry hook aborted the operation")
				return err
			}
		}
		if p.Delay > 0 {
			if err := sleepCtx(ctx, p.Delay); err != nil {
				return err
			}
		}
	}

	logger.Error().
		Str("op", op).
		Int("attempts", p.MaxAttempts).
		Err(lastErr).
		Msg("order request retries exhausted")
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, p.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
