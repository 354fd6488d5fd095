// Package retry provides retry logic with exponential backoff for fetch operations.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/socaya/dhis2cache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial one)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors is the list of error codes that trigger a retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration. Remote 4xx
// responses and cancellations are deliberately absent: retrying either is
// wasted work against a rate-limited API.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeFetchNetwork,
			errors.ErrCodeFetchTimeout,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 200 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes the given function with retry logic and context support.
// Context cancellation stops immediately with the context error.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !r.shouldRetry(lastErr) || attempt == r.config.MaxAttempts {
			return lastErr
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}

// shouldRetry reports whether err warrants another attempt.
func (r *Retryer) shouldRetry(err error) bool {
	// Cancellation is terminal regardless of configuration.
	if errors.IsCanceled(err) {
		return false
	}

	if len(r.config.RetryableErrors) > 0 {
		code := errors.CodeOf(err)
		for _, retryable := range r.config.RetryableErrors {
			if code == retryable {
				return true
			}
		}
		return false
	}

	return errors.IsRetryable(err)
}

// delayFor computes the backoff delay for the given attempt number.
func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// Full jitter: anywhere between half and the full computed delay.
		delay = delay/2 + rand.Float64()*delay/2
	}

	return time.Duration(delay)
}
