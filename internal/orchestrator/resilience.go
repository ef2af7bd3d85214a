package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/autopilot/internal/persistence"
)

// RetryConfig configures exponential backoff for store writes.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 50ms)
	MaxInterval         time.Duration // Maximum retry interval (default 1s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 5s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration. A busy SQLite
// database clears within the busy timeout, so the total budget is short.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         time.Second,
		MaxElapsedTime:      5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the circuit breaker around the review service.
type BreakerConfig struct {
	MaxRequests uint32        // Test requests allowed while half-open (default 1)
	Timeout     time.Duration // Time spent open before testing recovery (default 1m)
	Trips       uint32        // Consecutive failures that open the circuit (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 1,
		Timeout:     time.Minute,
		Trips:       3,
	}
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Trips
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not a review service failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// callThroughBreaker runs fn unless the circuit is open.
func callThroughBreaker(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// withRetry runs op with exponential backoff. Missing rows and cancelled
// contexts are not retried.
func withRetry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrAmbiguousID) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
