package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrAttemptsExhausted wraps the last error once MaxAttempts tries failed.
var ErrAttemptsExhausted = errors.New("max attempts exceeded")

// Config holds backoff configuration
type Config struct {
	MaxAttempts        int           // Total number of tries, including the first one
	InitialDelay       time.Duration // Delay before the first try
	MaxDelay           time.Duration // Cap for the un-jittered delay
	Multiplier         float64       // Exponential backoff multiplier
	JitterFraction     float64       // Adds up to JitterFraction*delay of random extra wait
	NonRetryableErrors []error       // Errors (matched with errors.Is) that stop the loop immediately
}

// DefaultConfig mirrors telecom-style reconnection: 1s base, doubling, 30s cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Validate checks the policy once, at construction time.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("base_delay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay must be >= base_delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("jitter_fraction must be within [0,1]")
	}
	return nil
}

// Delay returns the un-jittered wait before the given zero-based attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Jittered adds a random extra in [0, JitterFraction*delay].
func (c Config) Jittered(delay time.Duration) time.Duration {
	if c.JitterFraction <= 0 || delay <= 0 {
		return delay
	}
	extra := rand.Float64() * c.JitterFraction * float64(delay)
	return delay + time.Duration(extra)
}

// Do waits the backoff delay, then calls fn, up to MaxAttempts times. The
// delay precedes every attempt, including the first. fn receives the
// zero-based attempt number.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(cfg.Jittered(cfg.Delay(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w (last error: %v)", attempt, ctx.Err(), lastErr)
			}
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, cfg.MaxAttempts, lastErr)
}

func isNonRetryable(err error, nonRetryable []error) bool {
	for _, target := range nonRetryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
