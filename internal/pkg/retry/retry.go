// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"gavel.io/gavel/internal/pkg/logger"
)

// ErrExhausted is wrapped into the returned error when every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Initial  time.Duration
	Factor   float64
	Jitter   float64
	// Cap bounds a single sleep.
	Cap time.Duration
}

// DefaultPolicy is used for persistence writes.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Initial:  50 * time.Millisecond,
		Factor:   2,
		Jitter:   0.2,
		Cap:      2 * time.Second,
	}
}

func (p Policy) backoff() wait.Backoff {
	steps := p.Attempts
	if steps <= 0 {
		steps = 1
	}
	return wait.Backoff{
		Duration: p.Initial,
		Factor:   p.Factor,
		Jitter:   p.Jitter,
		Steps:    steps,
		Cap:      p.Cap,
	}
}

// Do calls op until it succeeds, returns an error that retryable rejects, the
// attempts are used up, or ctx ends. A nil retryable retries every error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	var (
		lastErr  error
		attempts int
	)
	err := wait.ExponentialBackoffWithContext(ctx, p.backoff(), func(ctx context.Context) (bool, error) {
		attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return true, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return false, lastErr
		}
		logger.Debug("Retrying after transient failure",
			zap.Int("attempt", attempts),
			zap.Error(lastErr),
		)
		return false, nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		if lastErr != nil {
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		}
		return ctx.Err()
	case wait.Interrupted(err) && lastErr != nil:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	default:
		return err
	}
}
