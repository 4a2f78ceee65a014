package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/wizardbeardstudio/open-balance-go/internal/cache"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
)

const actor = "payment_webhook"

// Ledger is the part of the ledger service the processor drives.
type Ledger interface {
	TransactionByExternalID(ctx context.Context, externalID string) (ledger.Transaction, error)
	Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error)
	Transition(ctx context.Context, txID string, to ledger.Status, reason string) (ledger.Transaction, bool, error)
	Refund(ctx context.Context, txID, reason, actor string) (ledger.ApplyResult, error)
}

type Notifier interface {
	TransactionCompleted(ctx context.Context, tx ledger.Transaction, balance int64)
	TransactionClosed(ctx context.Context, tx ledger.Transaction)
}

// CompletionHook runs after a transaction is confirmed completed, including on
// redelivery, so it must be idempotent.
type CompletionHook func(ctx context.Context, tx ledger.Transaction) error

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknown      Outcome = "unknown_transaction"
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRefunded     Outcome = "refunded"
	OutcomeLate         Outcome = "late"
	OutcomeUnreconciled Outcome = "unreconciled"
)

type Result struct {
	Outcome     Outcome
	Transaction ledger.Transaction
	Balance     int64
}

type Processor struct {
	ledger      Ledger
	secret      string
	digits      int32
	cache       *cache.Accelerator
	notifier    Notifier
	onCompleted CompletionHook
	audit       *audit.Recorder
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Processor)

func WithCache(c *cache.Accelerator) Option      { return func(p *Processor) { p.cache = c } }
func WithNotifier(n Notifier) Option             { return func(p *Processor) { p.notifier = n } }
func WithCompletionHook(h CompletionHook) Option { return func(p *Processor) { p.onCompleted = h } }
func WithAudit(r *audit.Recorder) Option         { return func(p *Processor) { p.audit = r } }
func WithLogger(lg *slog.Logger) Option          { return func(p *Processor) { p.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option      { return func(p *Processor) { p.metrics = m } }
func WithCurrencyDigits(d int32) Option          { return func(p *Processor) { p.digits = d } }

func NewProcessor(l Ledger, secret string, opts ...Option) *Processor {
	p := &Processor{ledger: l, secret: secret, digits: 2}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Handle verifies the signature over the raw body, then parses and processes
// the callback.
func (p *Processor) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := Verify(body, p.secret, signature); err != nil {
		p.metrics.ObserveWebhook("unauthenticated")
		p.logger.WarnContext(ctx, "webhook signature rejected", "error", err, "body_bytes", len(body))
		p.audit.Record(ctx, audit.Event{
			ActorID:    actor,
			ActorType:  "external",
			ObjectType: "webhook",
			Action:     "verify_signature",
			Result:     audit.ResultDenied,
			Reason:     err.Error(),
		})
		return Result{}, err
	}
	payload, err := ParsePayload(body)
	if err != nil {
		p.metrics.ObserveWebhook("invalid")
		p.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		return Result{}, err
	}
	return p.Process(ctx, payload)
}

// Process applies a verified callback. Every outcome other than an error is
// an acknowledgement.
func (p *Processor) Process(ctx context.Context, in Payload) (Result, error) {
	res, err := p.process(ctx, in)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		if !apperr.IsRetryable(err) {
			outcome = "rejected"
		}
	}
	p.metrics.ObserveWebhook(outcome)
	return res, err
}

func (p *Processor) process(ctx context.Context, in Payload) (Result, error) {
	log := p.logger.With("external_id", in.ExternalID, "status", in.RawStatus)

	if in.Status == ledger.StatusCompleted {
		if cached, ok := p.cache.PaymentStatus(ctx, in.ExternalID); ok && cached == string(ledger.StatusCompleted) {
			log.InfoContext(ctx, "webhook duplicate (cached)")
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	tx, err := p.ledger.TransactionByExternalID(ctx, in.ExternalID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.WarnContext(ctx, "webhook for unknown transaction acknowledged")
		return Result{Outcome: OutcomeUnknown}, nil
	}
	if err != nil {
		return Result{}, err
	}
	log = log.With("transaction_id", tx.ID, "user_id", tx.UserID)
	p.checkAmount(ctx, log, in, tx)
	p.recordReceipt(ctx, in, tx)

	switch in.Status {
	case ledger.StatusCompleted:
		return p.complete(ctx, log, tx)
	case ledger.StatusPending:
		return Result{Outcome: OutcomeIgnored, Transaction: tx}, nil
	case ledger.StatusRefunded:
		if tx.Status == ledger.StatusCompleted {
			return p.refundCompleted(ctx, log, tx)
		}
		return p.transition(ctx, log, tx, in.Status)
	default:
		return p.transition(ctx, log, tx, in.Status)
	}
}

func (p *Processor) checkAmount(ctx context.Context, log *slog.Logger, in Payload, tx ledger.Transaction) {
	if !in.HasAmount {
		return
	}
	want := tx.Delta
	if want < 0 {
		want = -want
	}
	if got := MinorUnits(in.Amount, p.digits); got != want {
		log.WarnContext(ctx, "webhook amount differs from stored transaction, using stored amount",
			"webhook_amount", in.Amount.String(), "webhook_minor", got, "stored_minor", want)
	}
	if in.Currency != "" && tx.Currency != "" && in.Currency != tx.Currency {
		log.WarnContext(ctx, "webhook currency differs from stored transaction", "webhook_currency", in.Currency, "stored_currency", tx.Currency)
	}
}

func (p *Processor) recordReceipt(ctx context.Context, in Payload, tx ledger.Transaction) {
	var after []byte
	if in.Metadata != nil {
		after, _ = protojson.Marshal(in.Metadata)
	}
	p.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		ActorType:  "external",
		ObjectType: "webhook",
		ObjectID:   tx.ID,
		Action:     "receive_" + string(in.Status),
		After:      after,
	})
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, tx ledger.Transaction) (Result, error) {
	res, err := p.ledger.Apply(ctx, ledger.ApplyRequest{
		UserID:     tx.UserID,
		Delta:      tx.Delta,
		Type:       tx.Type,
		ExternalID: tx.ExternalID,
		Actor:      actor,
	})
	if errors.Is(err, apperr.ErrTerminalTransaction) {
		return p.paidButClosed(ctx, log, tx), nil
	}
	if err != nil {
		log.ErrorContext(ctx, "webhook completion failed", "error", err)
		return Result{}, err
	}

	out := Result{Outcome: OutcomeDuplicate, Transaction: res.Transaction, Balance: res.Balance}
	if res.Applied {
		out.Outcome = OutcomeApplied
		p.cache.InvalidateUser(ctx, tx.UserID)
		p.cache.InvalidatePayment(ctx, tx.ExternalID)
		if p.notifier != nil {
			p.notifier.TransactionCompleted(ctx, res.Transaction, res.Balance)
		}
		log.InfoContext(ctx, "webhook completed transaction", "balance", res.Balance)
	} else {
		log.InfoContext(ctx, "webhook duplicate")
	}

	if p.onCompleted != nil {
		if err := p.onCompleted(ctx, res.Transaction); err != nil {
			if apperr.IsRetryable(err) {
				log.ErrorContext(ctx, "completion hook failed, provider will redeliver", "error", err)
				return out, err
			}
			log.ErrorContext(ctx, "completion hook failed permanently", "error", err, "reason", apperr.Reason(err))
			p.audit.Record(ctx, audit.Event{
				ActorID:    actor,
				ActorType:  "system",
				ObjectType: "transaction",
				ObjectID:   res.Transaction.ID,
				Action:     "completion_hook",
				Result:     audit.ResultError,
				Reason:     err.Error(),
			})
		}
	}
	p.cache.SetPaymentStatus(ctx, tx.ExternalID, string(ledger.StatusCompleted))
	return out, nil
}

func (p *Processor) transition(ctx context.Context, log *slog.Logger, tx ledger.Transaction, to ledger.Status) (Result, error) {
	updated, changed, err := p.ledger.Transition(ctx, tx.ID, to, "webhook "+string(to))
	if errors.Is(err, apperr.ErrTerminalTransaction) {
		return p.late(ctx, log, tx, to), nil
	}
	if err != nil {
		log.ErrorContext(ctx, "webhook transition failed", "error", err)
		return Result{}, err
	}
	if !changed {
		return Result{Outcome: OutcomeDuplicate, Transaction: updated}, nil
	}
	p.cache.InvalidatePayment(ctx, tx.ExternalID)
	if to != ledger.StatusProcessing {
		p.cache.SetPaymentStatus(ctx, tx.ExternalID, string(to))
		if p.notifier != nil {
			p.notifier.TransactionClosed(ctx, updated)
		}
	}
	log.InfoContext(ctx, "webhook transitioned transaction", "to", to)
	return Result{Outcome: OutcomeTransitioned, Transaction: updated}, nil
}

func (p *Processor) refundCompleted(ctx context.Context, log *slog.Logger, tx ledger.Transaction) (Result, error) {
	if tx.Type != ledger.TypeRecharge {
		return p.late(ctx, log, tx, ledger.StatusRefunded), nil
	}
	res, err := p.ledger.Refund(ctx, tx.ID, "provider refund", actor)
	if errors.Is(err, apperr.ErrInsufficientBalance) {
		log.ErrorContext(ctx, "provider refunded a recharge that was already spent, manual reconciliation required")
		p.audit.Record(ctx, audit.Event{
			ActorID:    actor,
			ActorType:  "external",
			ObjectType: "transaction",
			ObjectID:   tx.ID,
			Action:     "refund",
			Result:     audit.ResultError,
			Reason:     "insufficient balance for provider refund",
		})
		return Result{Outcome: OutcomeUnreconciled, Transaction: tx}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !res.Applied {
		return Result{Outcome: OutcomeDuplicate, Transaction: res.Transaction, Balance: res.Balance}, nil
	}
	p.cache.InvalidateUser(ctx, tx.UserID)
	if p.notifier != nil {
		p.notifier.TransactionCompleted(ctx, res.Transaction, res.Balance)
	}
	log.InfoContext(ctx, "webhook refunded completed recharge", "refund_id", res.Transaction.ID, "balance", res.Balance)
	return Result{Outcome: OutcomeRefunded, Transaction: res.Transaction, Balance: res.Balance}, nil
}

// paidButClosed acknowledges a payment confirmation for a transaction that
// was already closed without credit, typically by the expiry sweep. The user
// paid and was not credited, so an operator has to reconcile it.
func (p *Processor) paidButClosed(ctx context.Context, log *slog.Logger, tx ledger.Transaction) Result {
	log.ErrorContext(ctx, "payment confirmed for closed transaction, manual reconciliation required",
		"current_status", tx.Status, "delta", tx.Delta)
	p.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		ActorType:  "external",
		ObjectType: "transaction",
		ObjectID:   tx.ID,
		Action:     "late_completed",
		Result:     audit.ResultError,
		Reason:     "payment confirmed after the transaction closed without credit",
	})
	return Result{Outcome: OutcomeUnreconciled, Transaction: tx}
}

// late acknowledges a status for a transaction that already reached a
// different terminal state. Nothing changes. The event is kept for
// reconciliation.
func (p *Processor) late(ctx context.Context, log *slog.Logger, tx ledger.Transaction, status ledger.Status) Result {
	log.WarnContext(ctx, "webhook status for closed transaction ignored", "current_status", tx.Status, "webhook_status", status)
	p.audit.Record(ctx, audit.Event{
		ActorID:    actor,
		ActorType:  "external",
		ObjectType: "transaction",
		ObjectID:   tx.ID,
		Action:     "late_" + string(status),
		Result:     audit.ResultDenied,
		Reason:     fmt.Sprintf("transaction already %s", tx.Status),
	})
	return Result{Outcome: OutcomeLate, Transaction: tx}
}
