// Package apperr defines the error taxonomy shared by the ledger, the webhook
// processor, and the purchase orchestrator.
//
// Callers classify errors with errors.Is against the sentinels below, or with
// errors.As for the typed errors that carry extra fields. Reason maps any error
// to a stable, user-visible reason code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrValidation          = errors.New("balance: validation failed")
	ErrAuthentication      = errors.New("balance: authentication failed")
	ErrForbidden           = errors.New("balance: forbidden")
	ErrInsufficientBalance = errors.New("balance: insufficient balance")
	ErrDuplicateRequest    = errors.New("balance: duplicate request")
	ErrCircuitOpen         = errors.New("balance: circuit open")
	ErrStorageUnavailable  = errors.New("balance: storage unavailable")
	ErrRateLimited         = errors.New("balance: rate limited")
	ErrNotFound            = errors.New("balance: not found")
	ErrTerminalTransaction = errors.New("balance: transaction already terminal")
	ErrChannelUnavailable  = errors.New("balance: purchase channel unavailable")
	ErrGatewayUnavailable  = errors.New("balance: payment gateway unavailable")
)

// ValidationError reports a rejected input field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AuthenticationError reports a failed signature or credential check.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Message }

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }

// RateLimitedError carries the scope that rejected the request and how long the
// caller should wait before retrying. It matches ErrRateLimited.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Storage wraps err so it matches ErrStorageUnavailable while keeping the cause.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Reason returns the stable reason code surfaced to users and API clients.
func Reason(err error) string {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rl):
		return "rate_limited_" + rl.Scope
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrAuthentication):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrGatewayUnavailable):
		return "payment_service_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "temporarily_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTerminalTransaction):
		return "transaction_closed"
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}

// IsRetryable reports whether the same request may succeed if repeated later.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrGatewayUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// HTTPStatus maps err to the response code used by the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrDuplicateRequest), errors.Is(err, ErrTerminalTransaction):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
