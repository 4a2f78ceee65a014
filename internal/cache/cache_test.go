package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, ...string) error { return errors.New("connection refused") }

func TestMemoryStoreExpiresEntries(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("expected hit before expiry, got ok=%v v=%q", ok, v)
	}
	clk.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after ttl")
	}
}

func TestAcceleratorBalanceInvalidation(t *testing.T) {
	ctx := context.Background()
	a := NewAccelerator(NewMemoryStore(nil), DefaultTTLs(), nil, nil)

	a.SetBalance(ctx, "u1", 500)
	if v, ok := a.Balance(ctx, "u1"); !ok || v != 500 {
		t.Fatalf("expected cached 500, got ok=%v v=%d", ok, v)
	}
	a.InvalidateUser(ctx, "u1")
	if _, ok := a.Balance(ctx, "u1"); ok {
		t.Fatalf("expected balance entry removed with user invalidation")
	}
}

func TestAcceleratorPaymentStatus(t *testing.T) {
	ctx := context.Background()
	a := NewAccelerator(NewMemoryStore(nil), DefaultTTLs(), nil, nil)

	a.SetPaymentStatus(ctx, "pay_42", "completed")
	if st, ok := a.PaymentStatus(ctx, "pay_42"); !ok || st != "completed" {
		t.Fatalf("expected completed, got ok=%v st=%q", ok, st)
	}
	a.InvalidatePayment(ctx, "pay_42")
	if _, ok := a.PaymentStatus(ctx, "pay_42"); ok {
		t.Fatalf("expected payment status removed")
	}
}

func TestAcceleratorDegradesOnStoreErrors(t *testing.T) {
	ctx := context.Background()
	a := NewAccelerator(failingStore{}, DefaultTTLs(), nil, nil)

	a.SetBalance(ctx, "u1", 10)
	if _, ok := a.Balance(ctx, "u1"); ok {
		t.Fatalf("expected miss when store errors")
	}
	a.InvalidateBalance(ctx, "u1")

	var nilAcc *Accelerator
	if _, ok := nilAcc.Balance(ctx, "u1"); ok {
		t.Fatalf("expected nil accelerator to miss")
	}
	nilAcc.SetPaymentStatus(ctx, "x", "completed")
}

func TestAcceleratorUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewAccelerator(NewMemoryStore(nil), DefaultTTLs(), nil, nil)
	type profile struct {
		ID      string `json:"id"`
		Premium bool   `json:"premium"`
	}
	a.SetUser(ctx, "u9", profile{ID: "u9", Premium: true})
	var got profile
	if !a.User(ctx, "u9", &got) || !got.Premium {
		t.Fatalf("expected cached premium profile, got=%+v", got)
	}
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("BALANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BALANCE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	s := NewRedisStore(client)
	key := "test:cache:" + time.Now().UTC().Format("150405.000000000")
	if err := s.Set(ctx, key, []byte("42"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok || string(v) != "42" {
		t.Fatalf("expected 42, got v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := s.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected clean miss after delete, ok=%v err=%v", ok, err)
	}
}
