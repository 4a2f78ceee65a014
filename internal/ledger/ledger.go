// Package ledger owns every mutation of user balances.
//
// Apply is the single entry point that moves money. It is idempotent per
// external id: a transaction reaches completed at most once and only that
// transition changes the balance. Pending transactions created by gateway
// flows are completed through the same path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-balance-go/internal/cache"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
)

type Ledger struct {
	store    Store
	cache    *cache.Accelerator
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Recorder
	currency string

	// generations guards cache fills against a concurrent invalidation.
	genMu       sync.Mutex
	generations map[string]uint64
}

type Option func(*Ledger)

func WithCache(c *cache.Accelerator) Option { return func(l *Ledger) { l.cache = c } }
func WithClock(c clock.Clock) Option        { return func(l *Ledger) { l.clock = c } }
func WithLogger(lg *slog.Logger) Option     { return func(l *Ledger) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }
func WithAudit(r *audit.Recorder) Option    { return func(l *Ledger) { l.audit = r } }
func WithCurrency(code string) Option       { return func(l *Ledger) { l.currency = strings.ToUpper(code) } }

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		clock:       clock.RealClock{},
		logger:      slog.Default(),
		currency:    "TON",
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.Or(l.clock)
	return l
}

func (l *Ledger) now() time.Time { return l.clock.Now().UTC() }

func (l *Ledger) Currency() string { return l.currency }

// ApplyRequest describes one balance mutation. ExternalID is the idempotency
// key; an empty ExternalID makes the call non-idempotent.
type ApplyRequest struct {
	UserID     string
	Delta      int64
	Type       TxType
	ExternalID string
	Metadata   *structpb.Struct

	// Actor is recorded in the audit trail.
	Actor string
}

type ApplyResult struct {
	Transaction Transaction
	Balance     int64

	// Applied is true only for the call that moved the balance.
	Applied bool
}

func (r ApplyRequest) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return apperr.Invalid("user_id", "required")
	case r.Delta == 0:
		return apperr.Invalid("delta", "must be non-zero")
	case !r.Type.Valid():
		return apperr.Invalid("type", fmt.Sprintf("unknown transaction type %q", r.Type))
	}
	return nil
}

func (l *Ledger) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if err := req.validate(); err != nil {
		return ApplyResult{}, err
	}
	if req.ExternalID != "" {
		existing, err := l.store.TransactionByExternalID(ctx, req.ExternalID)
		switch {
		case err == nil:
			return l.resolveExisting(ctx, existing, req)
		case !errors.Is(err, apperr.ErrNotFound):
			l.metrics.ObserveLedgerApply(string(req.Type), "error")
			return ApplyResult{}, err
		}
	}

	id, err := newTransactionID()
	if err != nil {
		return ApplyResult{}, err
	}
	now := l.now()
	tx := Transaction{
		ID:          id,
		UserID:      req.UserID,
		Type:        req.Type,
		Status:      StatusCompleted,
		Delta:       req.Delta,
		Currency:    l.currency,
		ExternalID:  req.ExternalID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: now,
	}
	bal, err := l.store.InsertCompleted(ctx, tx)
	switch {
	case errors.Is(err, apperr.ErrDuplicateRequest) && req.ExternalID != "":
		// Lost an insert race on the same external id; the winner is authoritative.
		existing, lerr := l.store.TransactionByExternalID(ctx, req.ExternalID)
		if lerr != nil {
			return ApplyResult{}, lerr
		}
		return l.resolveExisting(ctx, existing, req)
	case errors.Is(err, apperr.ErrInsufficientBalance) && req.ExternalID != "":
		// A concurrent duplicate may have spent the funds first.
		if existing, lerr := l.store.TransactionByExternalID(ctx, req.ExternalID); lerr == nil {
			return l.resolveExisting(ctx, existing, req)
		}
		l.observeFailure(ctx, req, err)
		return ApplyResult{}, err
	case err != nil:
		l.observeFailure(ctx, req, err)
		return ApplyResult{}, err
	}
	l.afterCompletion(ctx, tx, bal, req.Actor)
	return ApplyResult{Transaction: tx, Balance: bal.Amount, Applied: true}, nil
}

func (l *Ledger) resolveExisting(ctx context.Context, existing Transaction, req ApplyRequest) (ApplyResult, error) {
	if existing.UserID != req.UserID {
		return ApplyResult{}, apperr.Invalid("external_id", "already used by another user")
	}
	switch {
	case existing.Status == StatusCompleted:
		l.metrics.ObserveLedgerApply(string(existing.Type), "duplicate")
		l.logger.InfoContext(ctx, "ledger apply duplicate", "transaction_id", existing.ID, "external_id", existing.ExternalID)
		bal, err := l.Balance(ctx, existing.UserID)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Transaction: existing, Balance: bal.Amount}, nil
	case existing.Status.Open():
		if req.Delta != existing.Delta {
			return ApplyResult{}, apperr.Invalid("delta", "does not match the pending transaction")
		}
		return l.completePending(ctx, existing, req)
	default:
		l.metrics.ObserveLedgerApply(string(existing.Type), "terminal")
		return ApplyResult{Transaction: existing}, fmt.Errorf("transaction %s is %s: %w", existing.ID, existing.Status, apperr.ErrTerminalTransaction)
	}
}

func (l *Ledger) completePending(ctx context.Context, pending Transaction, req ApplyRequest) (ApplyResult, error) {
	tx, bal, err := l.store.Complete(ctx, pending.ID, l.now())
	switch {
	case errors.Is(err, apperr.ErrDuplicateRequest):
		current, lerr := l.store.TransactionByID(ctx, pending.ID)
		if lerr != nil {
			return ApplyResult{}, lerr
		}
		return l.resolveExisting(ctx, current, req)
	case errors.Is(err, apperr.ErrTerminalTransaction):
		l.metrics.ObserveLedgerApply(string(pending.Type), "terminal")
		return ApplyResult{Transaction: tx}, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, err)
	case err != nil:
		l.observeFailure(ctx, req, err)
		return ApplyResult{}, err
	}
	l.afterCompletion(ctx, tx, bal, req.Actor)
	return ApplyResult{Transaction: tx, Balance: bal.Amount, Applied: true}, nil
}

func (l *Ledger) observeFailure(ctx context.Context, req ApplyRequest, err error) {
	outcome := "error"
	if errors.Is(err, apperr.ErrInsufficientBalance) {
		outcome = "insufficient_balance"
		l.logger.InfoContext(ctx, "ledger apply rejected", "user_id", req.UserID, "delta", req.Delta, "reason", apperr.Reason(err))
	} else {
		l.logger.ErrorContext(ctx, "ledger apply failed", "user_id", req.UserID, "external_id", req.ExternalID, "error", err)
	}
	l.metrics.ObserveLedgerApply(string(req.Type), outcome)
}

func (l *Ledger) afterCompletion(ctx context.Context, tx Transaction, bal Balance, actor string) {
	l.invalidateBalance(ctx, tx.UserID)
	l.metrics.ObserveLedgerApply(string(tx.Type), "applied")
	l.metrics.ObserveLedgerTransition(string(StatusCompleted))
	l.logger.InfoContext(ctx, "ledger transaction completed",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"type", tx.Type,
		"delta", tx.Delta,
		"external_id", tx.ExternalID,
		"balance", bal.Amount,
	)
	l.record(ctx, tx, actor, "complete", fmt.Sprintf(`{"balance":%d}`, bal.Amount-tx.Delta), fmt.Sprintf(`{"balance":%d}`, bal.Amount), "")
}

func (l *Ledger) record(ctx context.Context, tx Transaction, actor, action, before, after, reason string) {
	if actor == "" {
		actor = "system"
	}
	l.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		ActorType:  "service",
		ObjectType: "transaction",
		ObjectID:   tx.ID,
		Action:     action,
		Before:     []byte(before),
		After:      []byte(after),
		Reason:     reason,
	})
}

func (l *Ledger) bumpGeneration(userID string) {
	l.genMu.Lock()
	l.generations[userID]++
	l.genMu.Unlock()
}

func (l *Ledger) generation(userID string) uint64 {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	return l.generations[userID]
}

func (l *Ledger) invalidateBalance(ctx context.Context, userID string) {
	l.bumpGeneration(userID)
	l.cache.InvalidateBalance(ctx, userID)
}

// Balance reads through the cache. A fill is skipped when a mutation of the
// same user completed while the store read was in flight.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	if amount, ok := l.cache.Balance(ctx, userID); ok {
		return Balance{UserID: userID, Amount: amount, Currency: l.currency}, nil
	}
	gen := l.generation(userID)
	b, err := l.store.Balance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if l.generation(userID) == gen {
		l.cache.SetBalance(ctx, userID, b.Amount)
	}
	return b, nil
}

// EnsureUser registers the user on first interaction with a zero balance.
func (l *Ledger) EnsureUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return User{}, apperr.Invalid("user_id", "required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.now()
	}
	stored, created, err := l.store.EnsureUser(ctx, u, l.currency)
	if err != nil {
		return User{}, err
	}
	if created {
		l.logger.InfoContext(ctx, "user registered", "user_id", stored.ID, "premium", stored.Premium)
		l.audit.Record(ctx, audit.Event{ActorID: "system", ActorType: "service", ObjectType: "user", ObjectID: stored.ID, Action: "register"})
	}
	return stored, nil
}

func (l *Ledger) User(ctx context.Context, id string) (User, error) {
	var u User
	if l.cache.User(ctx, id, &u) {
		return u, nil
	}
	u, err := l.store.User(ctx, id)
	if err != nil {
		return User{}, err
	}
	l.cache.SetUser(ctx, id, u)
	return u, nil
}

func (l *Ledger) TransactionByID(ctx context.Context, id string) (Transaction, error) {
	return l.store.TransactionByID(ctx, id)
}

func (l *Ledger) TransactionByExternalID(ctx context.Context, externalID string) (Transaction, error) {
	return l.store.TransactionByExternalID(ctx, externalID)
}

func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.Transactions(ctx, userID, limit)
}

type PendingRequest struct {
	UserID     string
	Delta      int64
	Type       TxType
	ExternalID string
	Metadata   *structpb.Struct
}

// CreatePending records a transaction awaiting external confirmation. It is
// idempotent per ExternalID and never touches the balance.
func (l *Ledger) CreatePending(ctx context.Context, req PendingRequest) (Transaction, bool, error) {
	if err := (ApplyRequest{UserID: req.UserID, Delta: req.Delta, Type: req.Type}).validate(); err != nil {
		return Transaction{}, false, err
	}
	if req.ExternalID == "" {
		return Transaction{}, false, apperr.Invalid("external_id", "required for pending transactions")
	}
	id, err := newTransactionID()
	if err != nil {
		return Transaction{}, false, err
	}
	now := l.now()
	tx := Transaction{
		ID:         id,
		UserID:     req.UserID,
		Type:       req.Type,
		Status:     StatusPending,
		Delta:      req.Delta,
		Currency:   l.currency,
		ExternalID: req.ExternalID,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = l.store.InsertPending(ctx, tx)
	if errors.Is(err, apperr.ErrDuplicateRequest) {
		existing, lerr := l.store.TransactionByExternalID(ctx, req.ExternalID)
		if lerr != nil {
			return Transaction{}, false, lerr
		}
		if existing.UserID != req.UserID {
			return Transaction{}, false, apperr.Invalid("external_id", "already used by another user")
		}
		return existing, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	l.metrics.ObserveLedgerTransition(string(StatusPending))
	l.logger.InfoContext(ctx, "ledger transaction pending", "transaction_id", tx.ID, "user_id", tx.UserID, "external_id", tx.ExternalID, "delta", tx.Delta)
	l.record(ctx, tx, "", "create_pending", "{}", fmt.Sprintf(`{"status":%q}`, StatusPending), "")
	return tx, true, nil
}

var allowedSources = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCancelled:  {StatusPending, StatusProcessing},
	StatusExpired:    {StatusPending, StatusProcessing},
	StatusRefunded:   {StatusPending, StatusProcessing},
}

// Transition moves an open transaction to a non-completing status. It reports
// changed=false when the transaction already has the target status.
func (l *Ledger) Transition(ctx context.Context, txID string, to Status, reason string) (Transaction, bool, error) {
	from, ok := allowedSources[to]
	if !ok {
		return Transaction{}, false, apperr.Invalid("status", fmt.Sprintf("cannot transition to %q", to))
	}
	tx, err := l.store.Transition(ctx, txID, from, to, l.now())
	switch {
	case errors.Is(err, apperr.ErrDuplicateRequest):
		return tx, false, nil
	case errors.Is(err, apperr.ErrTerminalTransaction):
		return tx, false, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, err)
	case err != nil:
		return Transaction{}, false, err
	}
	l.metrics.ObserveLedgerTransition(string(to))
	l.logger.InfoContext(ctx, "ledger transaction transitioned", "transaction_id", tx.ID, "status", to, "reason", reason)
	l.record(ctx, tx, "", "transition", "{}", fmt.Sprintf(`{"status":%q}`, to), reason)
	return tx, true, nil
}

// RefundExternalID is the idempotency key of the compensating refund for txID.
func RefundExternalID(txID string) string { return "refund:" + txID }

// Refund books a compensating transaction that reverses a completed one. The
// original stays completed; repeated calls return the same refund.
func (l *Ledger) Refund(ctx context.Context, txID, reason, actor string) (ApplyResult, error) {
	orig, err := l.store.TransactionByID(ctx, txID)
	if err != nil {
		return ApplyResult{}, err
	}
	if orig.Status != StatusCompleted {
		return ApplyResult{}, fmt.Errorf("refund %s in status %s: %w", orig.ID, orig.Status, apperr.ErrTerminalTransaction)
	}
	if orig.Type == TypeRefund {
		return ApplyResult{}, apperr.Invalid("transaction_id", "refunds cannot be refunded")
	}
	md, err := NewMetadata(map[string]any{
		"original_transaction_id": orig.ID,
		"reason":                  reason,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return l.Apply(ctx, ApplyRequest{
		UserID:     orig.UserID,
		Delta:      -orig.Delta,
		Type:       TypeRefund,
		ExternalID: RefundExternalID(orig.ID),
		Metadata:   md,
		Actor:      actor,
	})
}

// ExpireStale expires open transactions older than maxAge, up to limit.
func (l *Ledger) ExpireStale(ctx context.Context, maxAge time.Duration, limit int) ([]Transaction, error) {
	now := l.now()
	expired, err := l.store.ExpirePending(ctx, now.Add(-maxAge), limit, now)
	if err != nil {
		return nil, err
	}
	for _, tx := range expired {
		l.metrics.ObserveLedgerTransition(string(StatusExpired))
		l.cache.InvalidatePayment(ctx, tx.ExternalID)
		l.logger.InfoContext(ctx, "ledger transaction expired", "transaction_id", tx.ID, "external_id", tx.ExternalID, "created_at", tx.CreatedAt)
		l.record(ctx, tx, "sweeper", "expire", "{}", `{"status":"expired"}`, "pending timeout")
	}
	return expired, nil
}

type SweepConfig struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// StartExpirySweeper runs ExpireStale on every tick until ctx ends, draining
// full batches before waiting for the next tick.
func (l *Ledger) StartExpirySweeper(ctx context.Context, cfg SweepConfig, observer func(expired int64, err error)) {
	if cfg.Interval <= 0 || cfg.MaxAge <= 0 {
		return
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.SweepOnce(ctx, cfg, observer)
			}
		}
	}()
}

// SweepOnce drains stale transactions in batches and returns how many expired.
func (l *Ledger) SweepOnce(ctx context.Context, cfg SweepConfig, observer func(expired int64, err error)) int64 {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	var total int64
	for {
		expired, err := l.ExpireStale(ctx, cfg.MaxAge, cfg.BatchSize)
		if err != nil {
			if observer != nil {
				observer(0, err)
			}
			l.logger.ErrorContext(ctx, "ledger expiry sweep failed", "error", err)
			return total
		}
		n := int64(len(expired))
		total += n
		if observer != nil {
			observer(n, nil)
		}
		if n > 0 {
			l.logger.InfoContext(ctx, "ledger expiry sweep expired pending transactions", "count", n)
		}
		if n < int64(cfg.BatchSize) {
			return total
		}
	}
}
