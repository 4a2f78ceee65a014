// Package purchase orchestrates purchases and recharges across the ledger,
// the rate limiter and the payment gateway.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/gateway"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

const (
	purposePurchase = "purchase"
	purposeRecharge = "recharge"
)

// orderNamespace scopes deterministic gateway order ids.
var orderNamespace = uuid.MustParse("6f1c1a56-3b0e-4f43-9f0a-5d1b8a2e7c10")

type Ledger interface {
	User(ctx context.Context, id string) (ledger.User, error)
	Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error)
	CreatePending(ctx context.Context, req ledger.PendingRequest) (ledger.Transaction, bool, error)
	Transition(ctx context.Context, txID string, to ledger.Status, reason string) (ledger.Transaction, bool, error)
	TransactionByExternalID(ctx context.Context, externalID string) (ledger.Transaction, error)
	Refund(ctx context.Context, txID, reason, actor string) (ledger.ApplyResult, error)
}

type Limiter interface {
	Allow(ctx context.Context, s ratelimit.Subject, action ratelimit.Action) (ratelimit.Decision, error)
}

// Deliverer hands the purchased goods to the user. A failure triggers a
// compensating refund.
type Deliverer interface {
	Deliver(ctx context.Context, userID, item string, quantity int64, tx ledger.Transaction) error
}

// SecondaryFulfiller completes purchases routed to an external channel and
// returns its reference for the order.
type SecondaryFulfiller interface {
	Fulfill(ctx context.Context, req Request, ch SecondaryChannel) (string, error)
}

type Request struct {
	UserID   string
	Item     string
	Quantity int64

	// Price is the total in minor units.
	Price          int64
	Channel        Channel
	IdempotencyKey string
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusDelegated Status = "delegated"
)

type Result struct {
	Channel     string
	Status      Status
	Transaction ledger.Transaction
	Balance     int64
	Invoice     *gateway.Invoice
	Reference   string

	// Replayed is true when the idempotency key was already used.
	Replayed bool
}

type RechargeRequest struct {
	UserID   string
	Amount   decimal.Decimal
	Currency string
}

type RechargeResult struct {
	Transaction ledger.Transaction
	Invoice     *gateway.Invoice
}

type Config struct {
	Currency        string
	Digits          int32
	MinRecharge     decimal.Decimal
	MaxRecharge     decimal.Decimal
	InvoiceLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{
		Currency:        "TON",
		Digits:          2,
		MinRecharge:     decimal.NewFromInt(10),
		MaxRecharge:     decimal.NewFromInt(10000),
		InvoiceLifetime: 30 * time.Minute,
	}
}

type Orchestrator struct {
	ledger    Ledger
	cfg       Config
	gateway   gateway.Client
	limiter   Limiter
	deliverer Deliverer
	secondary SecondaryFulfiller
	audit     *audit.Recorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Orchestrator)

func WithGateway(c gateway.Client) Option       { return func(o *Orchestrator) { o.gateway = c } }
func WithLimiter(l Limiter) Option              { return func(o *Orchestrator) { o.limiter = l } }
func WithDeliverer(d Deliverer) Option          { return func(o *Orchestrator) { o.deliverer = d } }
func WithSecondary(f SecondaryFulfiller) Option { return func(o *Orchestrator) { o.secondary = f } }
func WithAudit(r *audit.Recorder) Option        { return func(o *Orchestrator) { o.audit = r } }
func WithLogger(lg *slog.Logger) Option         { return func(o *Orchestrator) { o.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option     { return func(o *Orchestrator) { o.metrics = m } }

func New(l Ledger, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{ledger: l, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.cfg.Currency = strings.ToUpper(o.cfg.Currency)
	return o
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return apperr.Invalid("user_id", "required")
	case r.Quantity <= 0:
		return apperr.Invalid("quantity", "must be positive")
	case r.Price <= 0:
		return apperr.Invalid("price", "must be positive")
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return apperr.Invalid("idempotency_key", "required")
	case r.Channel == nil:
		return apperr.Invalid("channel", "required")
	}
	return nil
}

// admit loads the user and consumes one payment-action token.
func (o *Orchestrator) admit(ctx context.Context, userID string) (ledger.User, error) {
	u, err := o.ledger.User(ctx, userID)
	if err != nil {
		return ledger.User{}, err
	}
	if o.limiter == nil {
		return u, nil
	}
	_, err = o.limiter.Allow(ctx, ratelimit.Subject{ID: u.ID, Premium: u.Premium, CreatedAt: u.CreatedAt}, ratelimit.ActionPayment)
	return u, err
}

func (o *Orchestrator) Purchase(ctx context.Context, req Request) (Result, error) {
	channel := ChannelName(req.Channel)
	res, err := o.purchase(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = apperr.Reason(err)
	} else if res.Replayed {
		outcome = "replayed"
	}
	o.metrics.ObservePurchase(channel, outcome)
	return res, err
}

func (o *Orchestrator) purchase(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if _, err := o.admit(ctx, req.UserID); err != nil {
		return Result{}, err
	}

	switch ch := req.Channel.(type) {
	case BalanceFunded:
		return o.balanceFunded(ctx, req)
	case GatewayFunded:
		return o.gatewayFunded(ctx, req, ch)
	case SecondaryChannel:
		return o.secondaryChannel(ctx, req, ch)
	default:
		return Result{}, apperr.Invalid("channel", fmt.Sprintf("unsupported channel %T", ch))
	}
}

func purchaseMetadata(req Request, extra map[string]any) map[string]any {
	md := map[string]any{
		"item":            req.Item,
		"quantity":        req.Quantity,
		"price":           req.Price,
		"channel":         ChannelName(req.Channel),
		"idempotency_key": req.IdempotencyKey,
	}
	for k, v := range extra {
		md[k] = v
	}
	return md
}

func (o *Orchestrator) balanceFunded(ctx context.Context, req Request) (Result, error) {
	md, err := ledger.NewMetadata(purchaseMetadata(req, nil))
	if err != nil {
		return Result{}, err
	}
	applied, err := o.ledger.Apply(ctx, ledger.ApplyRequest{
		UserID:     req.UserID,
		Delta:      -req.Price,
		Type:       ledger.TypePurchase,
		ExternalID: "purchase:" + req.IdempotencyKey,
		Metadata:   md,
		Actor:      req.UserID,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Channel:     ChannelName(req.Channel),
		Status:      StatusCompleted,
		Transaction: applied.Transaction,
		Balance:     applied.Balance,
		Replayed:    !applied.Applied,
	}
	if res.Replayed {
		return res, nil
	}
	if err := o.deliver(ctx, req.UserID, req.Item, req.Quantity, applied.Transaction); err != nil {
		return res, err
	}
	o.logger.InfoContext(ctx, "balance purchase completed", "user_id", req.UserID, "transaction_id", applied.Transaction.ID, "price", req.Price, "balance", applied.Balance)
	return res, nil
}

// deliver runs the deliverer and books a compensating refund if it fails.
func (o *Orchestrator) deliver(ctx context.Context, userID, item string, quantity int64, tx ledger.Transaction) error {
	if o.deliverer == nil {
		return nil
	}
	derr := o.deliverer.Deliver(ctx, userID, item, quantity, tx)
	if derr == nil {
		return nil
	}
	o.logger.ErrorContext(ctx, "purchase delivery failed, refunding", "user_id", userID, "transaction_id", tx.ID, "error", derr)
	if _, rerr := o.ledger.Refund(ctx, tx.ID, "delivery failed", "purchase_orchestrator"); rerr != nil {
		o.logger.ErrorContext(ctx, "compensating refund failed, manual reconciliation required", "transaction_id", tx.ID, "error", rerr)
		o.audit.Record(ctx, audit.Event{
			ActorID:    "purchase_orchestrator",
			ActorType:  "system",
			ObjectType: "transaction",
			ObjectID:   tx.ID,
			Action:     "compensate",
			Result:     audit.ResultError,
			Reason:     rerr.Error(),
		})
		return fmt.Errorf("delivery failed and refund failed: %w", errors.Join(derr, rerr))
	}
	return fmt.Errorf("delivery failed, purchase refunded: %w: %w", apperr.ErrChannelUnavailable, derr)
}

// OrderID derives the gateway order id for a purchase so retries with the same
// idempotency key reuse the same pending transaction.
func OrderID(userID, key string) string {
	return uuid.NewSHA1(orderNamespace, []byte(userID+"\x00"+key)).String()
}

func (o *Orchestrator) gatewayFunded(ctx context.Context, req Request, ch GatewayFunded) (Result, error) {
	if o.gateway == nil {
		return Result{}, fmt.Errorf("gateway channel: %w", apperr.ErrChannelUnavailable)
	}
	md, err := ledger.NewMetadata(purchaseMetadata(req, map[string]any{"purpose": purposePurchase}))
	if err != nil {
		return Result{}, err
	}
	tx, created, err := o.ledger.CreatePending(ctx, ledger.PendingRequest{
		UserID:     req.UserID,
		Delta:      req.Price,
		Type:       ledger.TypeRecharge,
		ExternalID: OrderID(req.UserID, req.IdempotencyKey),
		Metadata:   md,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Channel: ChannelName(req.Channel), Status: StatusPending, Transaction: tx, Replayed: !created}
	if !tx.Status.Open() {
		if tx.Status == ledger.StatusCompleted {
			res.Status = StatusCompleted
			return res, nil
		}
		return res, fmt.Errorf("purchase %s is %s: %w", req.IdempotencyKey, tx.Status, apperr.ErrTerminalTransaction)
	}

	inv, err := o.invoice(ctx, tx, ch.CallbackURL)
	if err != nil {
		return res, err
	}
	res.Invoice = &inv
	return res, nil
}

// invoice requests a provider invoice for an open transaction. Definitive
// failures close the transaction. Ambiguous ones leave it pending for the
// webhook or the expiry sweep.
func (o *Orchestrator) invoice(ctx context.Context, tx ledger.Transaction, callbackURL string) (gateway.Invoice, error) {
	inv, err := o.gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		OrderID:     tx.ExternalID,
		Amount:      decimal.New(tx.Delta, -o.cfg.Digits),
		Currency:    tx.Currency,
		CallbackURL: callbackURL,
		Lifetime:    o.cfg.InvoiceLifetime,
	})
	if err == nil {
		o.logger.InfoContext(ctx, "invoice created", "transaction_id", tx.ID, "order_id", tx.ExternalID, "invoice", inv.UUID)
		return inv, nil
	}
	if errors.Is(err, apperr.ErrCircuitOpen) || errors.Is(err, apperr.ErrValidation) {
		if _, _, terr := o.ledger.Transition(ctx, tx.ID, ledger.StatusFailed, "invoice: "+apperr.Reason(err)); terr != nil {
			o.logger.ErrorContext(ctx, "failed to close transaction after invoice failure", "transaction_id", tx.ID, "error", terr)
		}
		o.logger.WarnContext(ctx, "invoice rejected, transaction failed", "transaction_id", tx.ID, "error", err)
		return gateway.Invoice{}, err
	}
	o.logger.WarnContext(ctx, "invoice outcome unknown, transaction left pending", "transaction_id", tx.ID, "error", err)
	return gateway.Invoice{}, err
}

func (o *Orchestrator) secondaryChannel(ctx context.Context, req Request, ch SecondaryChannel) (Result, error) {
	if o.secondary == nil {
		return Result{}, fmt.Errorf("secondary channel %q: %w", ch.Provider, apperr.ErrChannelUnavailable)
	}
	ref, err := o.secondary.Fulfill(ctx, req, ch)
	if err != nil {
		return Result{}, err
	}
	o.logger.InfoContext(ctx, "purchase delegated", "user_id", req.UserID, "provider", ch.Provider, "reference", ref)
	return Result{Channel: ChannelName(req.Channel), Status: StatusDelegated, Reference: ref}, nil
}

// SettleExternalID is the idempotency key of the debit that settles a
// gateway-funded purchase.
func SettleExternalID(externalID string) string { return "settle:" + externalID }

// Settle debits a gateway-funded purchase once its recharge completed. It is
// a no-op for plain recharges and safe to call repeatedly.
func (o *Orchestrator) Settle(ctx context.Context, tx ledger.Transaction) error {
	if tx.Type != ledger.TypeRecharge || tx.Status != ledger.StatusCompleted || tx.MetadataString("purpose") != purposePurchase {
		return nil
	}
	md, err := ledger.NewMetadata(map[string]any{
		"recharge_transaction_id": tx.ID,
		"item":                    tx.MetadataString("item"),
		"idempotency_key":         tx.MetadataString("idempotency_key"),
		"channel":                 ChannelName(GatewayFunded{}),
	})
	if err != nil {
		return err
	}
	res, err := o.ledger.Apply(ctx, ledger.ApplyRequest{
		UserID:     tx.UserID,
		Delta:      -tx.Delta,
		Type:       ledger.TypePurchase,
		ExternalID: SettleExternalID(tx.ExternalID),
		Metadata:   md,
		Actor:      "purchase_orchestrator",
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	o.logger.InfoContext(ctx, "gateway purchase settled", "user_id", tx.UserID, "recharge_id", tx.ID, "purchase_id", res.Transaction.ID)
	quantity := int64(1)
	if v, ok := tx.Metadata.GetFields()["quantity"]; ok {
		quantity = int64(v.GetNumberValue())
	}
	return o.deliver(ctx, tx.UserID, tx.MetadataString("item"), quantity, res.Transaction)
}

// Recharge opens a pending top-up and returns the provider invoice.
func (o *Orchestrator) Recharge(ctx context.Context, req RechargeRequest) (RechargeResult, error) {
	res, err := o.recharge(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = apperr.Reason(err)
	}
	o.metrics.ObservePurchase(purposeRecharge, outcome)
	return res, err
}

func (o *Orchestrator) recharge(ctx context.Context, req RechargeRequest) (RechargeResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return RechargeResult{}, apperr.Invalid("user_id", "required")
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, o.cfg.Currency) {
		return RechargeResult{}, apperr.Invalid("currency", fmt.Sprintf("only %s is accepted", o.cfg.Currency))
	}
	if req.Amount.LessThan(o.cfg.MinRecharge) || req.Amount.GreaterThan(o.cfg.MaxRecharge) {
		return RechargeResult{}, apperr.Invalid("amount", fmt.Sprintf("must be between %s and %s", o.cfg.MinRecharge, o.cfg.MaxRecharge))
	}
	minor := req.Amount.Shift(o.cfg.Digits)
	if !minor.IsInteger() {
		return RechargeResult{}, apperr.Invalid("amount", fmt.Sprintf("at most %d decimal places", o.cfg.Digits))
	}
	if o.gateway == nil {
		return RechargeResult{}, fmt.Errorf("recharge: %w", apperr.ErrChannelUnavailable)
	}
	if _, err := o.admit(ctx, req.UserID); err != nil {
		return RechargeResult{}, err
	}

	md, err := ledger.NewMetadata(map[string]any{"purpose": purposeRecharge, "amount": req.Amount.String()})
	if err != nil {
		return RechargeResult{}, err
	}
	tx, _, err := o.ledger.CreatePending(ctx, ledger.PendingRequest{
		UserID:     req.UserID,
		Delta:      minor.IntPart(),
		Type:       ledger.TypeRecharge,
		ExternalID: uuid.NewString(),
		Metadata:   md,
	})
	if err != nil {
		return RechargeResult{}, err
	}
	inv, err := o.invoice(ctx, tx, "")
	if err != nil {
		return RechargeResult{Transaction: tx}, err
	}
	return RechargeResult{Transaction: tx, Invoice: &inv}, nil
}

// CancelRecharge cancels an open top-up owned by userID.
func (o *Orchestrator) CancelRecharge(ctx context.Context, userID, externalID string) (ledger.Transaction, error) {
	tx, err := o.ledger.TransactionByExternalID(ctx, externalID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.UserID != userID || tx.Type != ledger.TypeRecharge {
		return ledger.Transaction{}, fmt.Errorf("recharge %s: %w", externalID, apperr.ErrNotFound)
	}
	updated, _, err := o.ledger.Transition(ctx, tx.ID, ledger.StatusCancelled, "cancelled by user")
	return updated, err
}
