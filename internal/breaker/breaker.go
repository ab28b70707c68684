// Package breaker wraps the Upload→Payment call with a circuit breaker,
// per spec §5: "threshold 50% failure over a 10s rolling window, open
// for 30s, half-open probe. When open, ingest returns 503 without
// blocking." sony/gobreaker implements exactly this state machine.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ar-permaweb/turbo/internal/apperr"
)

// Breaker wraps a fallible operation with the open/half-open/closed
// state machine described in spec §5.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker named name with spec §5's defaults: a 10s rolling
// window, trip at >=50% failures (min 5 requests to avoid tripping on
// noise), 30s open duration, single half-open probe.
func New(name string) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.5
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Do executes fn through the breaker. When the breaker is open, it
// returns an apperr.Unavailable without calling fn, matching spec §5's
// "ingest returns 503 without blocking."
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperr.Wrap(apperr.Unavailable, "payment service circuit open", err)
	}
	return result, err
}

// State exposes the current breaker state for health/metrics reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
