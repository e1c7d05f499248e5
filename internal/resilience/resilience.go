// Package resilience wraps container-agent invocations with per-family
// circuit breakers and exponential backoff retry (spec §4.7): a burst of
// failures for one agent family trips that family's breaker without
// affecting the others, and a transient failure is retried with jitter
// before being surfaced as a task failure.
package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the retry configuration used when a Config
// does not override it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry hands out one circuit breaker per key (spec §4.7: "one
// circuit breaker per agent family, not a single global breaker").
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Get returns the circuit breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[key] = cb
	return cb
}

// Op is the unit of work retried and breaker-protected by Do: typically a
// container exec call. A nil error and zero value are both treated as
// success.
type Op func() error

// Do runs op through key's circuit breaker with exponential backoff retry.
// A context cancellation or an open breaker both abort retrying
// immediately rather than exhausting the backoff schedule.
func Do(ctx context.Context, registry *BreakerRegistry, key string, cfg RetryConfig, op Op) error {
	cb := registry.Get(key)

	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// Once runs op through key's circuit breaker without retrying — for
// invocations that must not be repeated on failure (spec.md §4.6: the
// final solver-role agent invocation is breaker-guarded but not retried,
// unlike the bounded-retry provisioning steps Do is used for).
func Once(registry *BreakerRegistry, key string, op Op) error {
	cb := registry.Get(key)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	return err
}
