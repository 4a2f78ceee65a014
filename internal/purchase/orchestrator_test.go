package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/gateway"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	requests []gateway.InvoiceRequest
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req gateway.InvoiceRequest) (gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return gateway.Invoice{}, g.err
	}
	return gateway.Invoice{UUID: "inv-" + req.OrderID, OrderID: req.OrderID, URL: "https://pay.example/" + req.OrderID, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *fakeGateway) PaymentInfo(context.Context, string) (gateway.PaymentInfo, error) {
	return gateway.PaymentInfo{}, nil
}

type fakeDeliverer struct {
	err   error
	calls int
}

func (d *fakeDeliverer) Deliver(context.Context, string, string, int64, ledger.Transaction) error {
	d.calls++
	return d.err
}

type fakeSecondary struct{}

func (fakeSecondary) Fulfill(_ context.Context, req Request, ch SecondaryChannel) (string, error) {
	return ch.Provider + ":" + req.IdempotencyKey, nil
}

type env struct {
	ledger  *ledger.Ledger
	gateway *fakeGateway
	orch    *Orchestrator
	clock   *clock.Manual
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	clk := clock.NewManual(t0)
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(clk))
	gw := &fakeGateway{}
	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.NewMemoryCounter(clk), ratelimit.WithClock(clk))
	base := []Option{WithGateway(gw), WithLimiter(limiter)}
	return &env{ledger: l, gateway: gw, clock: clk, orch: New(l, DefaultConfig(), append(base, opts...)...)}
}

func (e *env) user(t *testing.T, id string, funded int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.EnsureUser(ctx, ledger.User{ID: id, CreatedAt: t0.Add(-72 * time.Hour)}); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if funded > 0 {
		if _, err := e.ledger.Apply(ctx, ledger.ApplyRequest{UserID: id, Delta: funded, Type: ledger.TypeBonus}); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Amount
}

func TestBalanceFundedPurchaseIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 500)
	ctx := context.Background()
	req := Request{UserID: "u1", Item: "stars", Quantity: 50, Price: 120, Channel: BalanceFunded{}, IdempotencyKey: "k1"}

	res, err := e.orch.Purchase(ctx, req)
	if err != nil || res.Status != StatusCompleted || res.Balance != 380 || res.Replayed {
		t.Fatalf("unexpected first purchase: %+v err=%v", res, err)
	}
	if res.Transaction.ExternalID != "purchase:k1" || res.Transaction.MetadataString("item") != "stars" {
		t.Fatalf("unexpected transaction: %+v", res.Transaction)
	}
	e.clock.Advance(11 * time.Second)
	again, err := e.orch.Purchase(ctx, req)
	if err != nil || !again.Replayed || again.Transaction.ID != res.Transaction.ID {
		t.Fatalf("expected replay, got=%+v err=%v", again, err)
	}
	if got := e.balance(t, "u1"); got != 380 {
		t.Fatalf("expected single debit, got balance=%d", got)
	}
}

func TestConcurrentBalancePurchasesNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 500)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = e.orch.Purchase(ctx, Request{UserID: "u1", Quantity: 1, Price: 300, Channel: BalanceFunded{}, IdempotencyKey: key})
		}(i, key)
	}
	wg.Wait()
	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 || e.balance(t, "u1") != 200 {
		t.Fatalf("ok=%d insufficient=%d balance=%d", ok, insufficient, e.balance(t, "u1"))
	}
}

func TestRateLimitRejectsBeforeTouchingLedger(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 1000)
	ctx := context.Background()
	for i, key := range []string{"a", "b"} {
		if _, err := e.orch.Purchase(ctx, Request{UserID: "u1", Quantity: 1, Price: 10, Channel: BalanceFunded{}, IdempotencyKey: key}); err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}
	_, err := e.orch.Purchase(ctx, Request{UserID: "u1", Quantity: 1, Price: 10, Channel: BalanceFunded{}, IdempotencyKey: "c"})
	var rl *apperr.RateLimitedError
	if !errors.As(err, &rl) || rl.Scope != ratelimit.ScopeBurst {
		t.Fatalf("expected burst rate limit, got=%v", err)
	}
	if e.balance(t, "u1") != 980 {
		t.Fatalf("rejected purchase must not debit, balance=%d", e.balance(t, "u1"))
	}
}

func TestDeliveryFailureRefunds(t *testing.T) {
	d := &fakeDeliverer{err: errors.New("inventory offline")}
	e := newEnv(t, WithDeliverer(d))
	e.user(t, "u1", 500)

	_, err := e.orch.Purchase(context.Background(), Request{UserID: "u1", Quantity: 1, Price: 200, Channel: BalanceFunded{}, IdempotencyKey: "k"})
	if !errors.Is(err, apperr.ErrChannelUnavailable) {
		t.Fatalf("expected channel unavailable, got=%v", err)
	}
	if d.calls != 1 || e.balance(t, "u1") != 500 {
		t.Fatalf("expected refund after failed delivery, calls=%d balance=%d", d.calls, e.balance(t, "u1"))
	}
}

func TestGatewayFundedPurchaseSettlesOnCompletion(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 0)
	ctx := context.Background()
	req := Request{UserID: "u1", Item: "stars", Quantity: 100, Price: 250, Channel: GatewayFunded{}, IdempotencyKey: "g1"}

	res, err := e.orch.Purchase(ctx, req)
	if err != nil || res.Status != StatusPending || res.Invoice == nil {
		t.Fatalf("expected pending purchase with invoice, got=%+v err=%v", res, err)
	}
	if res.Transaction.ExternalID != OrderID("u1", "g1") || !e.gateway.requests[0].Amount.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected pending tx or invoice amount: %+v %+v", res.Transaction, e.gateway.requests[0])
	}
	e.clock.Advance(time.Minute)
	replay, err := e.orch.Purchase(ctx, req)
	if err != nil || !replay.Replayed || replay.Transaction.ID != res.Transaction.ID {
		t.Fatalf("expected same pending transaction on retry, got=%+v err=%v", replay, err)
	}

	done, err := e.ledger.Apply(ctx, ledger.ApplyRequest{UserID: "u1", Delta: 250, Type: ledger.TypeRecharge, ExternalID: res.Transaction.ExternalID})
	if err != nil || !done.Applied {
		t.Fatalf("complete recharge: %+v err=%v", done, err)
	}
	for i := 0; i < 2; i++ {
		if err := e.orch.Settle(ctx, done.Transaction); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}
	if got := e.balance(t, "u1"); got != 0 {
		t.Fatalf("expected recharge and purchase to net out once, got=%d", got)
	}
	settle, err := e.ledger.TransactionByExternalID(ctx, SettleExternalID(res.Transaction.ExternalID))
	if err != nil || settle.Type != ledger.TypePurchase || settle.Delta != -250 {
		t.Fatalf("unexpected settle tx: %+v err=%v", settle, err)
	}
}

func TestSettleIgnoresPlainRecharges(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 0)
	ctx := context.Background()
	res, err := e.orch.Recharge(ctx, RechargeRequest{UserID: "u1", Amount: decimal.NewFromInt(15)})
	if err != nil {
		t.Fatalf("recharge: %v", err)
	}
	done, err := e.ledger.Apply(ctx, ledger.ApplyRequest{UserID: "u1", Delta: 1500, Type: ledger.TypeRecharge, ExternalID: res.Transaction.ExternalID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := e.orch.Settle(ctx, done.Transaction); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := e.balance(t, "u1"); got != 1500 {
		t.Fatalf("plain recharge must stay credited, got=%d", got)
	}
}

func TestGatewayFailuresClassification(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status ledger.Status
	}{
		{name: "circuit open", err: &breaker.OpenError{Name: "payment_gateway", RetryAfter: time.Minute}, status: ledger.StatusFailed},
		{name: "rejected", err: &gateway.StatusError{Code: 400}, status: ledger.StatusFailed},
		{name: "timeout", err: context.DeadlineExceeded, status: ledger.StatusPending},
		{name: "exhausted retries", err: &gateway.StatusError{Code: 503}, status: ledger.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.user(t, "u1", 0)
			e.gateway.err = tc.err
			res, err := e.orch.Purchase(context.Background(), Request{UserID: "u1", Quantity: 1, Price: 100, Channel: GatewayFunded{}, IdempotencyKey: "x"})
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected gateway error, got=%v", err)
			}
			tx, lerr := e.ledger.TransactionByID(context.Background(), res.Transaction.ID)
			if lerr != nil || tx.Status != tc.status {
				t.Fatalf("expected status %s, got=%+v err=%v", tc.status, tx, lerr)
			}
			if e.balance(t, "u1") != 0 {
				t.Fatalf("gateway failures must not move the balance")
			}
		})
	}
}

func TestSecondaryChannel(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 0)
	req := Request{UserID: "u1", Quantity: 1, Price: 100, Channel: SecondaryChannel{Provider: "fragment"}, IdempotencyKey: "s1"}
	if _, err := e.orch.Purchase(context.Background(), req); !errors.Is(err, apperr.ErrChannelUnavailable) {
		t.Fatalf("expected channel unavailable without fulfiller, got=%v", err)
	}

	e = newEnv(t, WithSecondary(fakeSecondary{}))
	e.user(t, "u1", 0)
	res, err := e.orch.Purchase(context.Background(), req)
	if err != nil || res.Status != StatusDelegated || res.Reference != "fragment:s1" {
		t.Fatalf("unexpected delegated result: %+v err=%v", res, err)
	}
}

func TestRechargeValidationAndCancel(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 0)
	ctx := context.Background()

	for _, tc := range []RechargeRequest{
		{UserID: "u1", Amount: decimal.NewFromInt(5)},
		{UserID: "u1", Amount: decimal.NewFromInt(10001)},
		{UserID: "u1", Amount: decimal.RequireFromString("10.001")},
		{UserID: "u1", Amount: decimal.NewFromInt(20), Currency: "USD"},
		{Amount: decimal.NewFromInt(20)},
	} {
		if _, err := e.orch.Recharge(ctx, tc); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got=%v", tc, err)
		}
	}

	res, err := e.orch.Recharge(ctx, RechargeRequest{UserID: "u1", Amount: decimal.RequireFromString("12.34"), Currency: "ton"})
	if err != nil || res.Invoice == nil || res.Transaction.Delta != 1234 || res.Transaction.Status != ledger.StatusPending {
		t.Fatalf("unexpected recharge: %+v err=%v", res, err)
	}
	if _, err := e.orch.CancelRecharge(ctx, "someone-else", res.Transaction.ExternalID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for foreign recharge, got=%v", err)
	}
	tx, err := e.orch.CancelRecharge(ctx, "u1", res.Transaction.ExternalID)
	if err != nil || tx.Status != ledger.StatusCancelled {
		t.Fatalf("expected cancelled, got=%+v err=%v", tx, err)
	}
}

func TestValidation(t *testing.T) {
	e := newEnv(t)
	e.user(t, "u1", 100)
	for _, req := range []Request{
		{Quantity: 1, Price: 1, Channel: BalanceFunded{}, IdempotencyKey: "k"},
		{UserID: "u1", Price: 1, Channel: BalanceFunded{}, IdempotencyKey: "k"},
		{UserID: "u1", Quantity: 1, Channel: BalanceFunded{}, IdempotencyKey: "k"},
		{UserID: "u1", Quantity: 1, Price: 1, Channel: BalanceFunded{}},
		{UserID: "u1", Quantity: 1, Price: 1, IdempotencyKey: "k"},
	} {
		if _, err := e.orch.Purchase(context.Background(), req); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got=%v", req, err)
		}
	}
	if _, err := e.orch.Purchase(context.Background(), Request{UserID: "ghost", Quantity: 1, Price: 1, Channel: BalanceFunded{}, IdempotencyKey: "k"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected unknown user, got=%v", err)
	}
}
