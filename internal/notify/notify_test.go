package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Message{Recipient: recipient, Text: text})
	return s.err
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func TestQueueDeliversAndDrainsOnClose(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, 8)
	q.Start(context.Background(), 2)

	q.TransactionCompleted(context.Background(), ledger.Transaction{
		UserID: "1001", Type: ledger.TypeRecharge, Status: ledger.StatusCompleted, Delta: 10000, Currency: "TON",
	}, 12550)
	q.TransactionClosed(context.Background(), ledger.Transaction{
		UserID: "1001", Type: ledger.TypeRecharge, Status: ledger.StatusExpired, ExternalID: "pay_7",
	})
	q.TransactionClosed(context.Background(), ledger.Transaction{UserID: "1001", Status: ledger.StatusPending})
	q.Close()

	got := sender.messages()
	if len(got) != 2 {
		t.Fatalf("expected two deliveries, got=%d", len(got))
	}
	var joined []string
	for _, m := range got {
		if m.Recipient != "1001" {
			t.Fatalf("unexpected recipient: %s", m.Recipient)
		}
		joined = append(joined, m.Text)
	}
	all := strings.Join(joined, "\n")
	if !strings.Contains(all, "topped up by 100.00 TON") || !strings.Contains(all, "Current balance: 125.50 TON") {
		t.Fatalf("unexpected recharge text: %s", all)
	}
	if !strings.Contains(all, "pay_7 expired") {
		t.Fatalf("unexpected expiry text: %s", all)
	}
	if q.Enqueue(Message{Recipient: "1001", Text: "late"}) {
		t.Fatalf("closed queue must reject messages")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(&recordingSender{}, 1)
	if !q.Enqueue(Message{Recipient: "1", Text: "a"}) {
		t.Fatalf("first message must be accepted")
	}
	if q.Enqueue(Message{Recipient: "1", Text: "b"}) {
		t.Fatalf("full queue must drop")
	}
}

func TestQueueSendFailuresTripBreaker(t *testing.T) {
	sender := &recordingSender{err: errors.New("telegram 502")}
	b := breaker.New("notifier", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute}, clock.NewManual(time.Now()), nil)
	q := NewQueue(sender, 8, WithBreaker(b))
	q.Start(context.Background(), 1)
	for i := 0; i < 4; i++ {
		q.Enqueue(Message{Recipient: "1", Text: "x"})
	}
	q.Close()

	if n := len(sender.messages()); n != 2 {
		t.Fatalf("expected sends to stop once the breaker opened, got=%d", n)
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got=%s", b.State())
	}
}

type downCounter struct{}

func (downCounter) Acquire(context.Context, []ratelimit.Window) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func TestQueueLimitsMessagesPerRecipient(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := ratelimit.DefaultConfig()
	cfg.Actions[ratelimit.ActionMessage] = ratelimit.ActionLimits{PerUser: 5, Global: 100, Burst: 1, OnFailure: ratelimit.FailOpen}

	sender := &recordingSender{}
	q := NewQueue(sender, 8, WithLimiter(ratelimit.New(cfg, ratelimit.NewMemoryCounter(clk), ratelimit.WithClock(clk))))
	q.Start(context.Background(), 1)
	for _, r := range []string{"1", "1", "1", "2"} {
		q.Enqueue(Message{Recipient: r, Text: "x"})
	}
	q.Close()
	if got := sender.messages(); len(got) != 2 || got[0].Recipient == got[1].Recipient {
		t.Fatalf("expected one message per recipient inside the burst window, got=%+v", got)
	}

	sender = &recordingSender{}
	q = NewQueue(sender, 8, WithLimiter(ratelimit.New(cfg, downCounter{}, ratelimit.WithClock(clk))))
	q.Start(context.Background(), 1)
	for i := 0; i < 3; i++ {
		q.Enqueue(Message{Recipient: "1", Text: "x"})
	}
	q.Close()
	if n := len(sender.messages()); n != 3 {
		t.Fatalf("messages must fail open when the counter store is down, got=%d", n)
	}
}

func TestTemplatesDigits(t *testing.T) {
	tpl := Templates{Digits: 0}
	text, ok := tpl.Completed(ledger.Transaction{Type: ledger.TypePurchase, Delta: -5, Currency: "STARS"}, 7)
	if !ok || !strings.Contains(text, "for 5 STARS") || !strings.Contains(text, "balance: 7 STARS") {
		t.Fatalf("unexpected text: %q", text)
	}
	if _, ok := tpl.Completed(ledger.Transaction{Type: ledger.TypeAdjustment}, 0); ok {
		t.Fatalf("adjustments are not announced")
	}
}
