// Package notify delivers user-facing payment notifications off the request
// path. Delivery is best effort: a full queue or a failed send is logged and
// dropped, never surfaced to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Limiter admits outbound messages per recipient under the message action.
type Limiter interface {
	Allow(ctx context.Context, s ratelimit.Subject, action ratelimit.Action) (ratelimit.Decision, error)
}

type Message struct {
	Recipient string
	Kind      string
	Text      string
}

type Queue struct {
	sender    Sender
	templates Templates
	logger    *slog.Logger
	metrics   *metrics.Metrics
	breaker   *breaker.Breaker
	limiter   Limiter

	mu     sync.RWMutex
	closed bool
	ch     chan Message
	wg     sync.WaitGroup
}

type Option func(*Queue)

func WithLogger(lg *slog.Logger) Option     { return func(q *Queue) { q.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }
func WithBreaker(b *breaker.Breaker) Option { return func(q *Queue) { q.breaker = b } }
func WithTemplates(t Templates) Option      { return func(q *Queue) { q.templates = t } }
func WithLimiter(l Limiter) Option          { return func(q *Queue) { q.limiter = l } }

func NewQueue(sender Sender, size int, opts ...Option) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{sender: sender, templates: DefaultTemplates(), ch: make(chan Message, size)}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Start launches the delivery workers. They exit after Close drains the queue.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for m := range q.ch {
				q.deliver(ctx, m)
			}
		}()
	}
}

func (q *Queue) deliver(ctx context.Context, m Message) {
	if q.limiter != nil {
		if _, err := q.limiter.Allow(ctx, ratelimit.Subject{ID: m.Recipient}, ratelimit.ActionMessage); err != nil {
			q.metrics.ObserveNotification(err)
			q.logger.Warn("notification rate limited, dropping message", "recipient", m.Recipient, "kind", m.Kind, "error", err)
			return
		}
	}
	send := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.sender.Send(ctx, m.Recipient, m.Text)
	}
	var err error
	if q.breaker != nil {
		_, err = breaker.Do(ctx, q.breaker, send)
	} else {
		_, err = send(ctx)
	}
	q.metrics.ObserveNotification(err)
	if err != nil {
		q.logger.Warn("notification not delivered", "recipient", m.Recipient, "kind", m.Kind, "error", err)
	}
}

// Enqueue reports whether m was accepted.
func (q *Queue) Enqueue(m Message) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- m:
		return true
	default:
		q.logger.Warn("notification queue full, dropping message", "recipient", m.Recipient, "kind", m.Kind)
		return false
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// TransactionCompleted tells the user their balance changed.
func (q *Queue) TransactionCompleted(_ context.Context, tx ledger.Transaction, balance int64) {
	text, ok := q.templates.Completed(tx, balance)
	if !ok {
		return
	}
	q.Enqueue(Message{Recipient: tx.UserID, Kind: "completed_" + string(tx.Type), Text: text})
}

// TransactionClosed tells the user a pending payment will not complete.
func (q *Queue) TransactionClosed(_ context.Context, tx ledger.Transaction) {
	text, ok := q.templates.Closed(tx)
	if !ok {
		return
	}
	q.Enqueue(Message{Recipient: tx.UserID, Kind: string(tx.Status) + "_" + string(tx.Type), Text: text})
}
