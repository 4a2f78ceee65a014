package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/retry"
)

// Guarded wraps a Client so every attempt passes through the breaker and the
// attempts are driven by a retry policy. An open circuit ends retrying.
type Guarded struct {
	next    Client
	breaker *breaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewGuarded(next Client, b *breaker.Breaker, policy retry.Policy, logger *slog.Logger, m *metrics.Metrics) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{next: next, breaker: b, policy: policy, logger: logger, metrics: m}
	if g.policy.OnRetry == nil {
		g.policy.OnRetry = func(err error, wait time.Duration) {
			g.logger.Warn("payment gateway attempt failed, retrying", "breaker", b.Name(), "wait", wait, "error", err)
		}
	}
	return g
}

func (g *Guarded) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	started := time.Now()
	inv, err := retry.Do(ctx, g.policy, func(ctx context.Context) (Invoice, error) {
		return breaker.Do(ctx, g.breaker, func(ctx context.Context) (Invoice, error) {
			return g.next.CreateInvoice(ctx, req)
		})
	})
	g.observe("create_invoice", started, err)
	return inv, err
}

func (g *Guarded) PaymentInfo(ctx context.Context, invoiceUUID string) (PaymentInfo, error) {
	started := time.Now()
	info, err := retry.Do(ctx, g.policy, func(ctx context.Context) (PaymentInfo, error) {
		return breaker.Do(ctx, g.breaker, func(ctx context.Context) (PaymentInfo, error) {
			return g.next.PaymentInfo(ctx, invoiceUUID)
		})
	})
	g.observe("payment_info", started, err)
	return info, err
}

func (g *Guarded) observe(op string, started time.Time, err error) {
	g.metrics.ObserveGateway(op, started, err)
	if errors.Is(err, apperr.ErrCircuitOpen) {
		g.metrics.ObserveBreakerRejection(g.breaker.Name())
	}
	if err != nil {
		g.logger.Error("payment gateway call failed", "op", op, "breaker", g.breaker.Name(), "error", err)
	}
}
