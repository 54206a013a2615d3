package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          // disabled means a single attempt
	MaxAttempts        int           // retries after the first attempt
	InitialDelay       time.Duration // delay before the first retry
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             bool    // +/-25% random variation
	RetryableErrors    []error // matched with errors.Is; empty means every error
	NonRetryableErrors []error // matched with errors.Is
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

var ErrMaxAttempts = errors.New("max retry attempts exceeded")

// Retry runs fn with exponential backoff until it succeeds, returns an error
// that must not be retried, or attempts run out.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if matches(err, cfg.NonRetryableErrors) {
			return zero, err
		}
		if len(cfg.RetryableErrors) > 0 && !matches(err, cfg.RetryableErrors) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(calculateDelay(cfg, attempt)):
		}
	}

	return zero, fmt.Errorf("%w (%d): %w", ErrMaxAttempts, cfg.MaxAttempts, lastErr)
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter && delay > 0 {
		spread := delay / 4
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
