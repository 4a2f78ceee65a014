package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

// MemoryStore is a Store kept in process memory. One mutex serializes every
// mutation, which gives the same atomicity as a row lock per balance.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]User
	balances   map[string]Balance
	txs        map[string]Transaction
	byExternal map[string]string
	byUser     map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		balances:   make(map[string]Balance),
		txs:        make(map[string]Transaction),
		byExternal: make(map[string]string),
		byUser:     make(map[string][]string),
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, u User, currency string) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		return existing, false, nil
	}
	s.users[u.ID] = u
	s.balances[u.ID] = Balance{UserID: u.ID, Currency: currency, UpdatedAt: u.CreatedAt}
	return u, true, nil
}

func (s *MemoryStore) User(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, apperr.ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return Balance{}, apperr.ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) TransactionByID(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, apperr.ErrNotFound
	}
	return tx.clone(), nil
}

func (s *MemoryStore) TransactionByExternalID(_ context.Context, externalID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return Transaction{}, apperr.ErrNotFound
	}
	return s.txs[id].clone(), nil
}

func (s *MemoryStore) Transactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	out := make([]Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.txs[ids[i]].clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) insertLocked(tx Transaction) error {
	if _, ok := s.users[tx.UserID]; !ok {
		return apperr.ErrNotFound
	}
	if tx.ExternalID != "" {
		if _, taken := s.byExternal[tx.ExternalID]; taken {
			return apperr.ErrDuplicateRequest
		}
	}
	if _, taken := s.txs[tx.ID]; taken {
		return apperr.ErrDuplicateRequest
	}
	s.txs[tx.ID] = tx.clone()
	if tx.ExternalID != "" {
		s.byExternal[tx.ExternalID] = tx.ID
	}
	s.byUser[tx.UserID] = append(s.byUser[tx.UserID], tx.ID)
	return nil
}

func (s *MemoryStore) applyLocked(userID string, delta int64, at time.Time) (Balance, error) {
	b, ok := s.balances[userID]
	if !ok {
		return Balance{}, apperr.ErrNotFound
	}
	if b.Amount+delta < 0 {
		return Balance{}, apperr.ErrInsufficientBalance
	}
	b.Amount += delta
	b.UpdatedAt = at
	s.balances[userID] = b
	return b, nil
}

func (s *MemoryStore) InsertCompleted(_ context.Context, tx Transaction) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tx.UserID]
	if !ok {
		return Balance{}, apperr.ErrNotFound
	}
	if _, taken := s.byExternal[tx.ExternalID]; taken && tx.ExternalID != "" {
		return Balance{}, apperr.ErrDuplicateRequest
	}
	if b.Amount+tx.Delta < 0 {
		return Balance{}, apperr.ErrInsufficientBalance
	}
	if err := s.insertLocked(tx); err != nil {
		return Balance{}, err
	}
	return s.applyLocked(tx.UserID, tx.Delta, tx.CompletedAt)
}

func (s *MemoryStore) InsertPending(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(tx)
}

func (s *MemoryStore) Complete(_ context.Context, id string, at time.Time) (Transaction, Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, Balance{}, apperr.ErrNotFound
	}
	switch {
	case tx.Status == StatusCompleted:
		return tx.clone(), Balance{}, apperr.ErrDuplicateRequest
	case !tx.Status.Open():
		return tx.clone(), Balance{}, apperr.ErrTerminalTransaction
	}
	b, err := s.applyLocked(tx.UserID, tx.Delta, at)
	if err != nil {
		return tx.clone(), Balance{}, err
	}
	tx.Status = StatusCompleted
	tx.UpdatedAt = at
	tx.CompletedAt = at
	s.txs[id] = tx
	return tx.clone(), b, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, at time.Time) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, apperr.ErrNotFound
	}
	if tx.Status == to {
		return tx.clone(), apperr.ErrDuplicateRequest
	}
	if !slices.Contains(from, tx.Status) {
		return tx.clone(), apperr.ErrTerminalTransaction
	}
	tx.Status = to
	tx.UpdatedAt = at
	s.txs[id] = tx
	return tx.clone(), nil
}

func (s *MemoryStore) ExpirePending(_ context.Context, cutoff time.Time, limit int, at time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Transaction
	for _, tx := range s.txs {
		if tx.Status.Open() && tx.CreatedAt.Before(cutoff) {
			stale = append(stale, tx)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for i := range stale {
		stale[i].Status = StatusExpired
		stale[i].UpdatedAt = at
		s.txs[stale[i].ID] = stale[i]
		stale[i] = stale[i].clone()
	}
	return stale, nil
}
