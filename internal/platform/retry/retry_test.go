package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 from gateway")
		}
		return "invoice-1", nil
	})
	if err != nil {
		t.Fatalf("expected success, got=%v", err)
	}
	if got != "invoice-1" || calls != 3 {
		t.Fatalf("expected 3 calls and invoice-1, got calls=%d value=%q", calls, got)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("timeout")
	_, err := Do(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		return 0, transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected last transient error, got=%v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got=%d", calls)
	}
}

func TestDoDoesNotRetryCircuitOpenOrValidation(t *testing.T) {
	for _, final := range []error{apperr.ErrCircuitOpen, apperr.Invalid("amount", "negative")} {
		calls := 0
		_, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
			calls++
			return 0, final
		})
		if !errors.Is(err, final) {
			t.Fatalf("expected %v, got=%v", final, err)
		}
		if calls != 1 {
			t.Fatalf("expected a single attempt for %v, got=%d", final, calls)
		}
	}
}

func TestZeroPolicyMakesOneAttempt(t *testing.T) {
	calls := 0
	_, _ = Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("expected one attempt, got=%d", calls)
	}
}

func TestOnRetryObservesWaits(t *testing.T) {
	p := fastPolicy(3)
	var notified int
	p.OnRetry = func(error, time.Duration) { notified++ }
	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("flaky")
	})
	if notified != 2 {
		t.Fatalf("expected 2 retry notifications, got=%d", notified)
	}
}
