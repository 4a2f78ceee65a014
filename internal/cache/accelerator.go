package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
)

const (
	prefixBalance        = "balance:"
	prefixUser           = "user:"
	prefixSession        = "session:"
	prefixPaymentStatus  = "payment_status:"
	prefixPaymentDetails = "payment_details:"
)

type TTLs struct {
	Balance       time.Duration
	User          time.Duration
	PaymentStatus time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Balance:       5 * time.Minute,
		User:          30 * time.Minute,
		PaymentStatus: 15 * time.Minute,
	}
}

// Accelerator wraps a Store with typed entries. A nil *Accelerator behaves as
// an always-missing cache, and store errors are logged and reported as misses.
type Accelerator struct {
	store   Store
	ttl     TTLs
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAccelerator(store Store, ttl TTLs, logger *slog.Logger, m *metrics.Metrics) *Accelerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accelerator{store: store, ttl: ttl, logger: logger, metrics: m}
}

func (a *Accelerator) get(ctx context.Context, kind, key string) ([]byte, bool) {
	if a == nil || a.store == nil {
		return nil, false
	}
	v, ok, err := a.store.Get(ctx, key)
	a.metrics.ObserveCache(kind, ok, err)
	if err != nil {
		a.logger.WarnContext(ctx, "cache read failed, falling back to store", "key", key, "error", err)
		return nil, false
	}
	return v, ok
}

func (a *Accelerator) set(ctx context.Context, key string, v []byte, ttl time.Duration) {
	if a == nil || a.store == nil {
		return
	}
	if err := a.store.Set(ctx, key, v, ttl); err != nil {
		a.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

func (a *Accelerator) del(ctx context.Context, keys ...string) {
	if a == nil || a.store == nil {
		return
	}
	if err := a.store.Delete(ctx, keys...); err != nil {
		a.logger.WarnContext(ctx, "cache invalidation failed", "keys", keys, "error", err)
	}
}

func (a *Accelerator) Balance(ctx context.Context, userID string) (int64, bool) {
	raw, ok := a.get(ctx, "balance", prefixBalance+userID)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		a.del(ctx, prefixBalance+userID)
		return 0, false
	}
	return n, true
}

func (a *Accelerator) SetBalance(ctx context.Context, userID string, amount int64) {
	if a == nil {
		return
	}
	a.set(ctx, prefixBalance+userID, []byte(strconv.FormatInt(amount, 10)), a.ttl.Balance)
}

// InvalidateBalance deletes the entry rather than overwriting it so a racing
// reader can never re-populate a stale value after the write.
func (a *Accelerator) InvalidateBalance(ctx context.Context, userID string) {
	a.del(ctx, prefixBalance+userID)
}

// InvalidateUser drops every per-user entry.
func (a *Accelerator) InvalidateUser(ctx context.Context, userID string) {
	a.del(ctx, prefixBalance+userID, prefixUser+userID, prefixSession+userID)
}

// User decodes a cached JSON document into dst.
func (a *Accelerator) User(ctx context.Context, userID string, dst any) bool {
	raw, ok := a.get(ctx, "user", prefixUser+userID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		a.del(ctx, prefixUser+userID)
		return false
	}
	return true
}

func (a *Accelerator) SetUser(ctx context.Context, userID string, v any) {
	if a == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.set(ctx, prefixUser+userID, raw, a.ttl.User)
}

func (a *Accelerator) PaymentStatus(ctx context.Context, externalID string) (string, bool) {
	raw, ok := a.get(ctx, "payment_status", prefixPaymentStatus+externalID)
	if !ok {
		return "", false
	}
	return string(raw), true
}

func (a *Accelerator) SetPaymentStatus(ctx context.Context, externalID, status string) {
	if a == nil {
		return
	}
	a.set(ctx, prefixPaymentStatus+externalID, []byte(status), a.ttl.PaymentStatus)
}

func (a *Accelerator) InvalidatePayment(ctx context.Context, externalID string) {
	a.del(ctx, prefixPaymentStatus+externalID, prefixPaymentDetails+externalID)
}
