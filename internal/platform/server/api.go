package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/purchase"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

const maxRequestBody = 1 << 20

var (
	serviceActors  = []string{auth.ActorService, auth.ActorOperator}
	operatorActors = []string{auth.ActorOperator}
)

// API serves the service and admin JSON endpoints on a grpc-gateway mux.
type API struct {
	Ledger       *ledger.Ledger
	Orchestrator *purchase.Orchestrator
	Limiter      *ratelimit.Limiter
	Breakers     *breaker.Registry
	Audit        *audit.InMemoryStore
	Guard        *RemoteAccessGuard
	Signer       *auth.JWTSigner
	Operator     auth.OperatorCredentials
	TokenTTL     time.Duration
	Digits       int32
	Clock        clock.Clock
	Logger       *slog.Logger

	// Sweep expires stale pending transactions and returns how many it closed.
	Sweep func(ctx context.Context) int64
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string, actor auth.Actor) error

func (a *API) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// route registers h behind an actor type check. A nil roles slice leaves the
// route open, which only the token endpoint uses.
func (a *API) route(mux *runtime.ServeMux, method, path string, roles []string, h handlerFunc) error {
	return mux.HandlePath(method, path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var actor auth.Actor
		if roles != nil {
			var err error
			if actor, err = auth.RequireActorType(r.Context(), roles...); err != nil {
				a.writeError(w, r, err)
				return
			}
		}
		if err := h(w, r, params, actor); err != nil {
			a.writeError(w, r, err)
		}
	})
}

func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		roles        []string
		h            handlerFunc
	}{
		{http.MethodPost, "/v1/users", serviceActors, a.ensureUser},
		{http.MethodGet, "/v1/users/{user_id}/balance", serviceActors, a.balance},
		{http.MethodGet, "/v1/users/{user_id}/transactions", serviceActors, a.transactions},
		{http.MethodPost, "/v1/users/{user_id}/purchases", serviceActors, a.purchase},
		{http.MethodPost, "/v1/users/{user_id}/recharges", serviceActors, a.recharge},
		{http.MethodDelete, "/v1/users/{user_id}/recharges/{external_id}", serviceActors, a.cancelRecharge},
		{http.MethodPost, "/v1/auth/token", nil, a.token},
		{http.MethodPost, "/v1/admin/users/{user_id}/adjustments", operatorActors, a.adjust},
		{http.MethodPost, "/v1/admin/transactions/{transaction_id}/refund", operatorActors, a.refund},
		{http.MethodPost, "/v1/admin/users/{user_id}/suspicious", operatorActors, a.markSuspicious},
		{http.MethodDelete, "/v1/admin/users/{user_id}/suspicious", operatorActors, a.clearSuspicious},
		{http.MethodGet, "/v1/admin/circuits", operatorActors, a.circuits},
		{http.MethodPost, "/v1/admin/circuits/{name}/reset", operatorActors, a.resetCircuit},
		{http.MethodPost, "/v1/admin/sweep", operatorActors, a.sweep},
		{http.MethodGet, "/v1/admin/audit", operatorActors, a.auditEvents},
		{http.MethodGet, "/v1/admin/remote-access", operatorActors, a.remoteAccess},
	}
	for _, rt := range routes {
		if err := a.route(mux, rt.method, rt.path, rt.roles, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

// admit consumes one operation token for userID. Users that do not exist yet
// are limited under their id alone.
func (a *API) admit(ctx context.Context, userID string) error {
	if a.Limiter == nil || userID == "" {
		return nil
	}
	s := ratelimit.Subject{ID: userID}
	if u, err := a.Ledger.User(ctx, userID); err == nil {
		s.Premium, s.CreatedAt = u.Premium, u.CreatedAt
	}
	_, err := a.Limiter.Allow(ctx, s, ratelimit.ActionOperation)
	return err
}

func (a *API) ensureUser(w http.ResponseWriter, r *http.Request, _ map[string]string, _ auth.Actor) error {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := a.admit(r.Context(), req.UserID); err != nil {
		return err
	}
	u, err := a.Ledger.EnsureUser(r.Context(), ledger.User{ID: req.UserID, Premium: req.Premium, Locale: req.Locale})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

func (a *API) balance(w http.ResponseWriter, r *http.Request, p map[string]string, _ auth.Actor) error {
	if err := a.admit(r.Context(), p["user_id"]); err != nil {
		return err
	}
	b, err := a.Ledger.Balance(r.Context(), p["user_id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:    b.UserID,
		Amount:    b.Amount,
		Display:   decimal.New(b.Amount, -a.Digits).StringFixed(a.Digits),
		Currency:  b.Currency,
		UpdatedAt: b.UpdatedAt,
	})
	return nil
}

func (a *API) transactions(w http.ResponseWriter, r *http.Request, p map[string]string, _ auth.Actor) error {
	if err := a.admit(r.Context(), p["user_id"]); err != nil {
		return err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return err
	}
	txs, err := a.Ledger.Transactions(r.Context(), p["user_id"], limit)
	if err != nil {
		return err
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransaction(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
	return nil
}

func (a *API) purchase(w http.ResponseWriter, r *http.Request, p map[string]string, _ auth.Actor) error {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	ch, ok := purchase.ParseChannel(req.Channel, req.Provider)
	if !ok {
		return apperr.Invalid("channel", fmt.Sprintf("unknown channel %q", req.Channel))
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	res, err := a.Orchestrator.Purchase(r.Context(), purchase.Request{
		UserID:         p["user_id"],
		Item:           req.Item,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Channel:        ch,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	out := purchaseResponse{
		Channel:   res.Channel,
		Status:    string(res.Status),
		Replayed:  res.Replayed,
		Invoice:   toInvoice(res.Invoice),
		Reference: res.Reference,
	}
	if res.Transaction.ID != "" {
		tx := toTransaction(res.Transaction)
		out.Transaction = &tx
	}
	status := http.StatusOK
	switch res.Status {
	case purchase.StatusCompleted:
		if _, isBalance := ch.(purchase.BalanceFunded); isBalance {
			bal := res.Balance
			out.Balance = &bal
		}
	case purchase.StatusPending, purchase.StatusDelegated:
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
	return nil
}

func (a *API) recharge(w http.ResponseWriter, r *http.Request, p map[string]string, _ auth.Actor) error {
	var req rechargeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	res, err := a.Orchestrator.Recharge(r.Context(), purchase.RechargeRequest{UserID: p["user_id"], Amount: req.Amount, Currency: req.Currency})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, rechargeResponse{Transaction: toTransaction(res.Transaction), Invoice: toInvoice(res.Invoice)})
	return nil
}

func (a *API) cancelRecharge(w http.ResponseWriter, r *http.Request, p map[string]string, _ auth.Actor) error {
	if err := a.admit(r.Context(), p["user_id"]); err != nil {
		return err
	}
	tx, err := a.Orchestrator.CancelRecharge(r.Context(), p["user_id"], p["external_id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTransaction(tx))
	return nil
}

func (a *API) token(w http.ResponseWriter, r *http.Request, _ map[string]string, _ auth.Actor) error {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	actor, err := a.Operator.Verify(req.OperatorID, req.Secret)
	if err != nil {
		a.logger().WarnContext(r.Context(), "operator login rejected", "operator_id", req.OperatorID)
		return err
	}
	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, exp, err := a.Signer.SignActor(actor, clock.Or(a.Clock).Now().UTC(), ttl)
	if err != nil {
		return err
	}
	a.logger().InfoContext(r.Context(), "operator token issued", "operator_id", actor.ID, "expires_at", exp)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp})
	return nil
}

func (a *API) adjust(w http.ResponseWriter, r *http.Request, p map[string]string, actor auth.Actor) error {
	var req adjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return apperr.Invalid("reason", "required")
	}
	md, err := ledger.NewMetadata(map[string]any{"reason": req.Reason, "operator_id": actor.ID})
	if err != nil {
		return err
	}
	ext := ""
	if req.IdempotencyKey != "" {
		ext = "adjustment:" + req.IdempotencyKey
	}
	res, err := a.Ledger.Apply(r.Context(), ledger.ApplyRequest{
		UserID:     p["user_id"],
		Delta:      req.Amount,
		Type:       ledger.TypeAdjustment,
		ExternalID: ext,
		Metadata:   md,
		Actor:      actor.ID,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toApply(res))
	return nil
}

func (a *API) refund(w http.ResponseWriter, r *http.Request, p map[string]string, actor auth.Actor) error {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = "operator refund"
	}
	res, err := a.Ledger.Refund(r.Context(), p["transaction_id"], req.Reason, actor.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toApply(res))
	return nil
}

func (a *API) markSuspicious(w http.ResponseWriter, r *http.Request, p map[string]string, actor auth.Actor) error {
	if a.Limiter == nil {
		return fmt.Errorf("rate limiter: %w", apperr.ErrNotFound)
	}
	var req suspiciousRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	hours := req.Hours
	if hours == 0 {
		hours = 24
	}
	if hours < 0 || hours > 24*30 {
		return apperr.Invalid("hours", "must be between 1 and 720")
	}
	d := time.Duration(hours) * time.Hour
	if err := a.Limiter.MarkSuspicious(r.Context(), p["user_id"], d); err != nil {
		return err
	}
	a.logger().InfoContext(r.Context(), "user marked suspicious", "user_id", p["user_id"], "operator_id", actor.ID, "hours", hours)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": p["user_id"], "expires_at": clock.Or(a.Clock).Now().UTC().Add(d)})
	return nil
}

func (a *API) clearSuspicious(w http.ResponseWriter, r *http.Request, p map[string]string, actor auth.Actor) error {
	if a.Limiter == nil {
		return fmt.Errorf("rate limiter: %w", apperr.ErrNotFound)
	}
	if err := a.Limiter.ClearSuspicious(r.Context(), p["user_id"]); err != nil {
		return err
	}
	a.logger().InfoContext(r.Context(), "suspicious flag cleared", "user_id", p["user_id"], "operator_id", actor.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user_id": p["user_id"]})
	return nil
}

func (a *API) circuits(w http.ResponseWriter, _ *http.Request, _ map[string]string, _ auth.Actor) error {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": a.Breakers.Snapshots()})
	return nil
}

func (a *API) resetCircuit(w http.ResponseWriter, r *http.Request, p map[string]string, actor auth.Actor) error {
	if err := a.Breakers.Reset(p["name"]); err != nil {
		return err
	}
	a.logger().InfoContext(r.Context(), "circuit reset by operator", "circuit", p["name"], "operator_id", actor.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "circuit": p["name"]})
	return nil
}

func (a *API) sweep(w http.ResponseWriter, r *http.Request, _ map[string]string, actor auth.Actor) error {
	if a.Sweep == nil {
		return fmt.Errorf("expiry sweep: %w", apperr.ErrNotFound)
	}
	n := a.Sweep(r.Context())
	a.logger().InfoContext(r.Context(), "manual expiry sweep", "operator_id", actor.ID, "expired", n)
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
	return nil
}

func (a *API) auditEvents(w http.ResponseWriter, r *http.Request, _ map[string]string, _ auth.Actor) error {
	limit, err := queryLimit(r)
	if err != nil {
		return err
	}
	events := a.Audit.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "chain_valid": audit.VerifyChain(events) == nil})
	return nil
}

func (a *API) remoteAccess(w http.ResponseWriter, _ *http.Request, _ map[string]string, _ auth.Actor) error {
	var out []RemoteAccessActivity
	if a.Guard != nil {
		out = a.Guard.Activities()
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": out})
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("limit", "must be a non-negative integer")
	}
	return n, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid("body", err.Error())
	}
	return nil
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Status: "error", Reason: apperr.Reason(err)}
	var rl *apperr.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		resp.Message = ve.Error()
	}
	if status >= http.StatusInternalServerError {
		a.logger().ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
