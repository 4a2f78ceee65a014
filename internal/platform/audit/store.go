package audit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

const DefaultCapacity = 10000

// InMemoryStore retains the most recent events up to its capacity. Trimmed
// events leave the chain verifiable from the oldest retained entry.
type InMemoryStore struct {
	mu       sync.Mutex
	events   []Event
	last     string
	capacity int
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryStore{last: genesis, capacity: capacity}
}

func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.events); n > 0 {
		prev := s.events[n-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)
	s.events = append(s.events, e)
	if len(s.events) > s.capacity {
		s.events = append([]Event(nil), s.events[len(s.events)-s.capacity:]...)
	}
	s.last = e.HashCurr
	return e, nil
}

// Recent returns up to limit events, newest last. limit <= 0 returns all.
func (s *InMemoryStore) Recent(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.events
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) Verify() error {
	return VerifyChain(s.Recent(0))
}

// Recorder stamps and appends events. A nil Recorder discards events.
type Recorder struct {
	store  *InMemoryStore
	clock  clock.Clock
	logger *slog.Logger

	mu  sync.Mutex
	seq int64
}

func NewRecorder(store *InMemoryStore, clk clock.Clock, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, clock: clock.Or(clk), logger: logger}
}

func (r *Recorder) Store() *InMemoryStore {
	if r == nil {
		return nil
	}
	return r.store
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.store == nil {
		return
	}
	now := r.clock.Now()
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()
	if e.AuditID == "" {
		e.AuditID = e.ObjectType + "-" + strconv.FormatInt(seq, 10)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.RecordedAt = now
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	if _, err := r.store.Append(e); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed", "audit_id", e.AuditID, "error", err)
	}
}
