package ledger

import (
	"context"
	"time"
)

// Store is the durable side of the ledger. Implementations must make every
// balance-moving method a single atomic unit and report conflicts with the
// apperr sentinels:
//
//   - ErrNotFound when a user or transaction is missing
//   - ErrDuplicateRequest when external_id is taken, or the transaction was
//     already completed by someone else
//   - ErrInsufficientBalance when a debit would make the balance negative
//   - ErrTerminalTransaction when a conditional transition finds the
//     transaction closed
//   - ErrStorageUnavailable (wrapped) for anything transient
type Store interface {
	// EnsureUser creates the user with a zero balance if absent and returns
	// the stored user.
	EnsureUser(ctx context.Context, u User, currency string) (User, bool, error)
	User(ctx context.Context, id string) (User, error)
	Balance(ctx context.Context, userID string) (Balance, error)

	TransactionByID(ctx context.Context, id string) (Transaction, error)
	TransactionByExternalID(ctx context.Context, externalID string) (Transaction, error)
	// Transactions lists a user's history newest first.
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// InsertCompleted records tx as completed and applies tx.Delta.
	InsertCompleted(ctx context.Context, tx Transaction) (Balance, error)
	// InsertPending records tx without touching the balance.
	InsertPending(ctx context.Context, tx Transaction) error
	// Complete moves a pending or processing transaction to completed and
	// applies its stored delta.
	Complete(ctx context.Context, id string, at time.Time) (Transaction, Balance, error)
	// Transition moves a transaction whose status is in from to the status to
	// without touching the balance.
	Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (Transaction, error)
	// ExpirePending expires up to limit open transactions created before cutoff.
	ExpirePending(ctx context.Context, cutoff time.Time, limit int, at time.Time) ([]Transaction, error)
}
