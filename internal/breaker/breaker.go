// Package breaker implements a per-dependency circuit breaker with a sliding
// failure window and bounded half-open probing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type Config struct {
	// FailureThreshold failures inside Window open the circuit.
	FailureThreshold int
	Window           time.Duration

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int

	// HalfOpenMaxCalls bounds concurrent probes while half open.
	HalfOpenMaxCalls int

	// IsFailure classifies a non-nil error. Errors it rejects count as a
	// response from the dependency. Nil counts every error.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// OpenError is returned without calling the dependency. It matches
// apperr.ErrCircuitOpen.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return apperr.ErrCircuitOpen }

type TransitionFunc func(name string, from, to State)

type transition struct{ from, to State }

type Breaker struct {
	name         string
	cfg          Config
	clock        clock.Clock
	logger       *slog.Logger
	onTransition []TransitionFunc

	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
	halfOpenInFlight  int
	generation        uint64
	pending           []transition
}

func New(name string, cfg Config, clk clock.Clock, logger *slog.Logger, hooks ...TransitionFunc) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:         name,
		cfg:          cfg.normalized(),
		clock:        clock.Or(clk),
		logger:       logger,
		onTransition: hooks,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	b.advanceLocked(b.clock.Now())
	st := b.state
	events := b.drainLocked()
	b.mu.Unlock()
	b.fire(events)
	return st
}

// setStateLocked must be called with b.mu held. Every transition starts a new
// generation so results of calls admitted earlier are ignored.
func (b *Breaker) setStateLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = b.failures[:0]
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	if to == StateOpen {
		b.openedAt = now
	}
	b.pending = append(b.pending, transition{from: from, to: to})
}

func (b *Breaker) advanceLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setStateLocked(StateHalfOpen, now)
	}
}

func (b *Breaker) drainLocked() []transition {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

func (b *Breaker) fire(events []transition) {
	for _, ev := range events {
		b.logger.Warn("circuit breaker state change", "breaker", b.name, "from", ev.from.String(), "to", ev.to.String())
		for _, h := range b.onTransition {
			h(b.name, ev.from, ev.to)
		}
	}
}

// Allow admits one call. The returned done func must be called exactly once
// with the call's result.
func (b *Breaker) Allow() (func(error), error) {
	b.mu.Lock()
	now := b.clock.Now()
	b.advanceLocked(now)
	var rejected error
	switch b.state {
	case StateOpen:
		rejected = &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - now.Sub(b.openedAt)}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			rejected = &OpenError{Name: b.name, RetryAfter: time.Second}
		} else {
			b.halfOpenInFlight++
		}
	}
	gen := b.generation
	events := b.drainLocked()
	b.mu.Unlock()
	b.fire(events)
	if rejected != nil {
		return nil, rejected
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, err) })
	}, nil
}

func (b *Breaker) isFailure(err error) (failure, ignored bool) {
	if err == nil {
		return false, false
	}
	if errors.Is(err, context.Canceled) {
		return false, true
	}
	if b.cfg.IsFailure == nil {
		return true, false
	}
	return b.cfg.IsFailure(err), false
}

func (b *Breaker) record(gen uint64, err error) {
	failure, ignored := b.isFailure(err)

	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		if failure {
			b.failures = append(b.failures, now)
			b.pruneLocked(now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				b.setStateLocked(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		switch {
		case ignored:
		case failure:
			b.setStateLocked(StateOpen, now)
		default:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.setStateLocked(StateClosed, now)
			}
		}
	}
	events := b.drainLocked()
	b.mu.Unlock()
	b.fire(events)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.setStateLocked(StateClosed, b.clock.Now())
	events := b.drainLocked()
	b.mu.Unlock()
	b.fire(events)
}

type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	RecentFailures   int       `json:"recent_failures"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	Generation       uint64    `json:"generation"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	now := b.clock.Now()
	b.advanceLocked(now)
	b.pruneLocked(now)
	s := Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		RecentFailures:   len(b.failures),
		HalfOpenInFlight: b.halfOpenInFlight,
		Generation:       b.generation,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	events := b.drainLocked()
	b.mu.Unlock()
	b.fire(events)
	return s
}

// Do runs fn through b. Open circuits fail fast with *OpenError.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	done, err := b.Allow()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	done(err)
	return v, err
}
