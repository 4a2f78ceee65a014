package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestReasonCodesAreStable(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{Invalid("amount", "must be positive"), "invalid_request"},
		{&AuthenticationError{Message: "bad signature"}, "unauthenticated"},
		{fmt.Errorf("apply: %w", ErrInsufficientBalance), "insufficient_balance"},
		{fmt.Errorf("invoice: %w", ErrCircuitOpen), "payment_service_unavailable"},
		{Storage("load balance", errors.New("conn reset")), "temporarily_unavailable"},
		{&RateLimitedError{Scope: "burst", RetryAfter: 3 * time.Second}, "rate_limited_burst"},
		{ErrTerminalTransaction, "transaction_closed"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Fatalf("reason for %v: expected %q, got=%q", tc.err, tc.want, got)
		}
	}
}

func TestStorageWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Storage("insert transaction", cause)
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped storage error with cause, got=%v", err)
	}
	if again := Storage("outer", err); again != err {
		t.Fatalf("expected idempotent wrap, got=%v", again)
	}
	if Storage("noop", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}

func TestRetryableAndHTTPStatus(t *testing.T) {
	if !IsRetryable(Storage("x", errors.New("y"))) {
		t.Fatalf("expected storage errors to be retryable")
	}
	if IsRetryable(Invalid("f", "m")) || IsRetryable(ErrInsufficientBalance) {
		t.Fatalf("expected validation and balance errors to be final")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected deadline to be retryable")
	}
	if got := HTTPStatus(&RateLimitedError{Scope: "user"}); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got=%d", got)
	}
	if got := HTTPStatus(ErrCircuitOpen); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got=%d", got)
	}
}
