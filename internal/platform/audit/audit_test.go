package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

func TestAppendChainsEvents(t *testing.T) {
	s := NewInMemoryStore(0)
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)

	first, err := s.Append(Event{
		AuditID:    "a1",
		RecordedAt: now,
		ActorID:    "operator-1",
		ObjectType: "transaction",
		Action:     "complete",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" || first.HashCurr == "" {
		t.Fatalf("unexpected hash chain on first event: %+v", first)
	}

	second, err := s.Append(Event{
		AuditID:    "a2",
		RecordedAt: now.Add(time.Second),
		ActorID:    "webhook",
		ObjectType: "transaction",
		Action:     "refund",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got prev=%s want=%s", second.HashPrev, first.HashCurr)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := NewInMemoryStore(0)
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := s.Append(Event{AuditID: id, RecordedAt: now, Action: "apply", Result: ResultSuccess}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	events := s.Recent(0)
	events[1].Reason = "edited"
	if err := VerifyChain(events); !errors.Is(err, ErrCorruptChain) {
		t.Fatalf("expected corruption, got=%v", err)
	}
}

func TestStoreCapacityKeepsNewest(t *testing.T) {
	s := NewInMemoryStore(2)
	now := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, _ = s.Append(Event{AuditID: id, RecordedAt: now})
	}
	got := s.Recent(0)
	if len(got) != 2 || got[0].AuditID != "a2" || got[1].AuditID != "a3" {
		t.Fatalf("expected last two events retained, got=%+v", got)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("expected trimmed chain to verify, got=%v", err)
	}
	if last := s.Recent(1); len(last) != 1 || last[0].AuditID != "a3" {
		t.Fatalf("expected newest event, got=%+v", last)
	}
}

func TestRecorderStampsEvents(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC))
	r := NewRecorder(NewInMemoryStore(0), clk, nil)
	r.Record(context.Background(), Event{ObjectType: "transaction", ObjectID: "txn_1", Action: "complete"})

	got := r.Store().Recent(0)
	if len(got) != 1 {
		t.Fatalf("expected one event, got=%d", len(got))
	}
	if got[0].AuditID != "transaction-1" || got[0].Result != ResultSuccess || !got[0].RecordedAt.Equal(clk.Now()) {
		t.Fatalf("unexpected stamped event: %+v", got[0])
	}

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), Event{Action: "ignored"})
}
