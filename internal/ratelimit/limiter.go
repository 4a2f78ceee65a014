// Package ratelimit enforces per-subject, global and burst request windows for
// the message, operation and payment actions.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
)

type Action string

const (
	ActionMessage   Action = "message"
	ActionOperation Action = "operation"
	ActionPayment   Action = "payment"
)

type Class string

const (
	ClassNew        Class = "new"
	ClassRegular    Class = "regular"
	ClassPremium    Class = "premium"
	ClassSuspicious Class = "suspicious"
)

const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
	ScopeBurst  = "burst"
)

type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

type ActionLimits struct {
	PerUser    int
	Global     int
	Burst      int
	NewAccount int
	OnFailure  FailureMode
}

type Config struct {
	Window            time.Duration
	BurstWindow       time.Duration
	PremiumMultiplier float64
	NewAccountAge     time.Duration
	Actions           map[Action]ActionLimits
}

func DefaultConfig() Config {
	return Config{
		Window:            time.Minute,
		BurstWindow:       10 * time.Second,
		PremiumMultiplier: 2,
		NewAccountAge:     24 * time.Hour,
		Actions: map[Action]ActionLimits{
			ActionMessage:   {PerUser: 30, Global: 1000, Burst: 10, NewAccount: 15, OnFailure: FailOpen},
			ActionOperation: {PerUser: 20, Global: 500, Burst: 5, NewAccount: 10, OnFailure: FailOpen},
			ActionPayment:   {PerUser: 5, Global: 100, Burst: 2, NewAccount: 5, OnFailure: FailClosed},
		},
	}
}

// Subject is the caller being limited.
type Subject struct {
	ID         string
	Premium    bool
	Suspicious bool
	CreatedAt  time.Time
}

// Decision describes an admitted or rejected request.
type Decision struct {
	Allowed    bool
	Action     Action
	Class      Class
	Scope      string
	RetryAfter time.Duration

	// Degraded is set when the counter store failed and the action fails open.
	Degraded bool
}

// FlagStore keeps per-subject flags with a TTL. cache.Store satisfies it.
type FlagStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Limiter struct {
	cfg     Config
	counter Counter
	flags   FlagStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option        { return func(l *Limiter) { l.clock = c } }
func WithLogger(lg *slog.Logger) Option     { return func(l *Limiter) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Limiter) { l.metrics = m } }
func WithFlags(f FlagStore) Option          { return func(l *Limiter) { l.flags = f } }

func New(cfg Config, counter Counter, opts ...Option) *Limiter {
	l := &Limiter{cfg: cfg, counter: counter}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.Or(l.clock)
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.cfg.Window <= 0 {
		l.cfg.Window = time.Minute
	}
	if l.cfg.BurstWindow <= 0 {
		l.cfg.BurstWindow = 10 * time.Second
	}
	if l.cfg.PremiumMultiplier < 1 {
		l.cfg.PremiumMultiplier = 1
	}
	return l
}

// Classify returns the subject's tier. Young accounts stay in the new tier
// even when premium.
func (l *Limiter) Classify(s Subject) Class {
	switch {
	case !s.CreatedAt.IsZero() && l.clock.Now().Sub(s.CreatedAt) < l.cfg.NewAccountAge:
		return ClassNew
	case s.Premium:
		return ClassPremium
	case s.Suspicious:
		return ClassSuspicious
	default:
		return ClassRegular
	}
}

// Limits returns the effective limits for a class.
func (l *Limiter) Limits(action Action, class Class) (ActionLimits, error) {
	base, ok := l.cfg.Actions[action]
	if !ok {
		return ActionLimits{}, apperr.Invalid("action", fmt.Sprintf("unknown action %q", action))
	}
	eff := base
	switch class {
	case ClassNew:
		if base.NewAccount > 0 && base.NewAccount < eff.PerUser {
			eff.PerUser = base.NewAccount
		}
		eff.Burst = max(1, base.Burst/2)
	case ClassPremium:
		eff.PerUser = int(math.Floor(float64(base.PerUser) * l.cfg.PremiumMultiplier))
		eff.Burst = int(math.Floor(float64(base.Burst) * l.cfg.PremiumMultiplier))
	case ClassSuspicious:
		eff.PerUser = max(1, base.PerUser/4)
		eff.Burst = 1
	}
	return eff, nil
}

var errNoFlagStore = apperr.Storage("rate limit flags", errors.New("no flag store configured"))

func suspiciousKey(subjectID string) string { return "rl:suspicious:" + subjectID }

// MarkSuspicious drops the subject to the suspicious tier for d.
func (l *Limiter) MarkSuspicious(ctx context.Context, subjectID string, d time.Duration) error {
	if l.flags == nil {
		return errNoFlagStore
	}
	if subjectID == "" || d <= 0 {
		return apperr.Invalid("subject", "subject id and a positive duration are required")
	}
	if err := l.flags.Set(ctx, suspiciousKey(subjectID), []byte("1"), d); err != nil {
		return apperr.Storage("rate limit flags", err)
	}
	l.logger.Warn("subject marked suspicious", "subject", subjectID, "for", d)
	return nil
}

func (l *Limiter) ClearSuspicious(ctx context.Context, subjectID string) error {
	if l.flags == nil {
		return errNoFlagStore
	}
	if err := l.flags.Delete(ctx, suspiciousKey(subjectID)); err != nil {
		return apperr.Storage("rate limit flags", err)
	}
	return nil
}

// flagged reports a stored suspicious flag. Flag store errors read as unflagged.
func (l *Limiter) flagged(ctx context.Context, subjectID string) bool {
	if l.flags == nil {
		return false
	}
	_, ok, err := l.flags.Get(ctx, suspiciousKey(subjectID))
	if err != nil {
		l.logger.Warn("rate limit flag lookup failed", "subject", subjectID, "error", err)
		return false
	}
	return ok
}

func (l *Limiter) windows(action Action, subjectID string, lim ActionLimits) []Window {
	out := []Window{
		{Scope: ScopeBurst, Key: fmt.Sprintf("rl:{%s}:burst:%s", action, subjectID), Limit: lim.Burst, TTL: l.cfg.BurstWindow},
		{Scope: ScopeUser, Key: fmt.Sprintf("rl:{%s}:user:%s", action, subjectID), Limit: lim.PerUser, TTL: l.cfg.Window},
		{Scope: ScopeGlobal, Key: fmt.Sprintf("rl:{%s}:global", action), Limit: lim.Global, TTL: l.cfg.Window},
	}
	// Keys share the action hash tag so one script call stays in one cluster
	// slot. Non-positive limits disable a window.
	kept := out[:0]
	for _, w := range out {
		if w.Limit > 0 {
			kept = append(kept, w)
		}
	}
	return kept
}

// Allow consumes one unit of every window for the subject and action, or none
// of them. A rejection returns *apperr.RateLimitedError.
func (l *Limiter) Allow(ctx context.Context, s Subject, action Action) (Decision, error) {
	if s.ID == "" {
		return Decision{}, apperr.Invalid("subject", "subject id is required")
	}
	if !s.Suspicious {
		s.Suspicious = l.flagged(ctx, s.ID)
	}
	class := l.Classify(s)
	lim, err := l.Limits(action, class)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Action: action, Class: class}

	res, err := l.counter.Acquire(ctx, l.windows(action, s.ID, lim))
	if err != nil {
		if lim.OnFailure == FailClosed {
			l.logger.Error("rate limit store unavailable, rejecting", "action", action, "subject", s.ID, "error", err)
			l.metrics.ObserveRateLimit(string(action), false, "store")
			return d, apperr.Storage("rate limit", err)
		}
		l.logger.Warn("rate limit store unavailable, admitting", "action", action, "subject", s.ID, "error", err)
		l.metrics.ObserveRateLimit(string(action), true, "store")
		d.Allowed = true
		d.Degraded = true
		return d, nil
	}
	if res.Allowed {
		l.metrics.ObserveRateLimit(string(action), true, "")
		d.Allowed = true
		return d, nil
	}

	d.Scope = res.Scope
	d.RetryAfter = res.RetryAfter
	l.metrics.ObserveRateLimit(string(action), false, res.Scope)
	l.logger.Info("rate limited", "action", action, "subject", s.ID, "class", class, "scope", res.Scope, "retry_after", res.RetryAfter)
	return d, &apperr.RateLimitedError{Scope: res.Scope, RetryAfter: res.RetryAfter}
}
