// Package retry provides a bounded retry policy value built on exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

// Policy bounds how often and how quickly an operation is retried. The zero
// value performs a single attempt.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64

	// MaxElapsed caps total time spent across attempts; zero leaves only MaxAttempts.
	MaxElapsed time.Duration

	// Retryable decides whether an error is worth another attempt. Nil uses
	// DefaultRetryable.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

// DefaultRetryable retries everything except caller mistakes, open circuits,
// and cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperr.ErrCircuitOpen),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrAuthentication),
		errors.Is(err, apperr.ErrInsufficientBalance),
		errors.Is(err, apperr.ErrTerminalTransaction):
		return false
	default:
		return true
	}
}

func (p Policy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(0))
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
