package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

const uniqueViolation = "23505"

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS balance_users (
  user_id     TEXT PRIMARY KEY,
  premium     BOOLEAN NOT NULL DEFAULT FALSE,
  locale      TEXT NOT NULL DEFAULT '',
  created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_accounts (
  user_id       TEXT PRIMARY KEY REFERENCES balance_users (user_id),
  amount_minor  BIGINT NOT NULL DEFAULT 0 CHECK (amount_minor >= 0),
  currency_code TEXT NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_transactions (
  transaction_id TEXT PRIMARY KEY,
  user_id        TEXT NOT NULL REFERENCES balance_users (user_id),
  tx_type        TEXT NOT NULL,
  status         TEXT NOT NULL,
  delta_minor    BIGINT NOT NULL CHECK (delta_minor <> 0),
  currency_code  TEXT NOT NULL,
  external_id    TEXT UNIQUE,
  metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at     TIMESTAMPTZ NOT NULL,
  updated_at     TIMESTAMPTZ NOT NULL,
  completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS balance_transactions_user_created_idx
  ON balance_transactions (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS balance_transactions_open_idx
  ON balance_transactions (created_at)
  WHERE status IN ('pending', 'processing');
`

const txColumns = `transaction_id, user_id, tx_type, status, delta_minor, currency_code,
  COALESCE(external_id, ''), metadata, created_at, updated_at, completed_at`

// PostgresStore implements Store on database/sql with the pgx driver.
// Balance rows are locked with SELECT ... FOR UPDATE inside each mutation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperr.Storage("migrate ledger schema", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx          Transaction
		txType      string
		status      string
		rawMeta     []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.UserID, &txType, &status, &tx.Delta, &tx.Currency,
		&tx.ExternalID, &rawMeta, &tx.CreatedAt, &tx.UpdatedAt, &completedAt); err != nil {
		return Transaction{}, err
	}
	tx.Type = TxType(txType)
	tx.Status = Status(status)
	if completedAt.Valid {
		tx.CompletedAt = completedAt.Time.UTC()
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	if len(rawMeta) > 0 && string(rawMeta) != "{}" {
		md := &structpb.Struct{}
		if err := protojson.Unmarshal(rawMeta, md); err != nil {
			return Transaction{}, fmt.Errorf("decode metadata for %s: %w", tx.ID, err)
		}
		tx.Metadata = md
	}
	return tx, nil
}

func encodeMetadata(md *structpb.Struct) ([]byte, error) {
	if md == nil {
		return []byte(`{}`), nil
	}
	raw, err := protojson.Marshal(md)
	if err != nil {
		return nil, apperr.Invalid("metadata", err.Error())
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) EnsureUser(ctx context.Context, u User, currency string) (User, bool, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, false, apperr.Storage("begin ensure user", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const insUser = `
INSERT INTO balance_users (user_id, premium, locale, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO NOTHING
`
	res, err := dbtx.ExecContext(ctx, insUser, u.ID, u.Premium, u.Locale, u.CreatedAt)
	if err != nil {
		return User{}, false, apperr.Storage("insert user", err)
	}
	created, _ := res.RowsAffected()
	if created == 0 {
		existing, err := s.User(ctx, u.ID)
		return existing, false, err
	}

	const insBalance = `
INSERT INTO balance_accounts (user_id, amount_minor, currency_code, updated_at)
VALUES ($1, 0, $2, $3)
`
	if _, err := dbtx.ExecContext(ctx, insBalance, u.ID, strings.ToUpper(currency), u.CreatedAt); err != nil {
		return User{}, false, apperr.Storage("insert balance", err)
	}
	if err := dbtx.Commit(); err != nil {
		return User{}, false, apperr.Storage("commit ensure user", err)
	}
	return u, true, nil
}

func (s *PostgresStore) User(ctx context.Context, id string) (User, error) {
	const q = `SELECT user_id, premium, locale, created_at FROM balance_users WHERE user_id = $1`
	var u User
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Premium, &u.Locale, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.ErrNotFound
	}
	if err != nil {
		return User{}, apperr.Storage("load user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (Balance, error) {
	const q = `SELECT user_id, amount_minor, currency_code, updated_at FROM balance_accounts WHERE user_id = $1`
	var b Balance
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&b.UserID, &b.Amount, &b.Currency, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, apperr.ErrNotFound
	}
	if err != nil {
		return Balance{}, apperr.Storage("load balance", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *PostgresStore) loadTransaction(ctx context.Context, where string, arg any) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM balance_transactions WHERE `+where, arg)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, apperr.ErrNotFound
	}
	if err != nil {
		return Transaction{}, apperr.Storage("load transaction", err)
	}
	return tx, nil
}

func (s *PostgresStore) TransactionByID(ctx context.Context, id string) (Transaction, error) {
	return s.loadTransaction(ctx, "transaction_id = $1", id)
}

func (s *PostgresStore) TransactionByExternalID(ctx context.Context, externalID string) (Transaction, error) {
	return s.loadTransaction(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + txColumns + `
FROM balance_transactions
WHERE user_id = $1
ORDER BY created_at DESC, transaction_id DESC
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, apperr.Storage("list transactions", err)
	}
	defer rows.Close()
	out := make([]Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Storage("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list transactions", err)
	}
	return out, nil
}

// lockBalance takes the row lock that serializes every mutation of one user's
// balance and checks the resulting amount.
func lockBalance(ctx context.Context, dbtx *sql.Tx, userID string, delta int64) error {
	const q = `SELECT amount_minor FROM balance_accounts WHERE user_id = $1 FOR UPDATE`
	var amount int64
	err := dbtx.QueryRowContext(ctx, q, userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return apperr.Storage("lock balance", err)
	}
	if amount+delta < 0 {
		return apperr.ErrInsufficientBalance
	}
	return nil
}

func adjustBalance(ctx context.Context, dbtx *sql.Tx, userID string, delta int64, at time.Time) (Balance, error) {
	const q = `
UPDATE balance_accounts
SET amount_minor = amount_minor + $2,
    updated_at = $3
WHERE user_id = $1
RETURNING user_id, amount_minor, currency_code, updated_at
`
	var b Balance
	if err := dbtx.QueryRowContext(ctx, q, userID, delta, at).Scan(&b.UserID, &b.Amount, &b.Currency, &b.UpdatedAt); err != nil {
		return Balance{}, apperr.Storage("adjust balance", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func insertTransaction(ctx context.Context, dbtx *sql.Tx, tx Transaction) error {
	meta, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	var completedAt sql.NullTime
	if !tx.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: tx.CompletedAt, Valid: true}
	}
	const q = `
INSERT INTO balance_transactions (
  transaction_id, user_id, tx_type, status, delta_minor, currency_code,
  external_id, metadata, created_at, updated_at, completed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
`
	_, err = dbtx.ExecContext(ctx, q,
		tx.ID,
		tx.UserID,
		string(tx.Type),
		string(tx.Status),
		tx.Delta,
		strings.ToUpper(tx.Currency),
		nullString(tx.ExternalID),
		string(meta),
		tx.CreatedAt,
		tx.UpdatedAt,
		completedAt,
	)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateRequest
	}
	if err != nil {
		return apperr.Storage("insert transaction", err)
	}
	return nil
}

func (s *PostgresStore) InsertCompleted(ctx context.Context, tx Transaction) (Balance, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, apperr.Storage("begin apply", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := lockBalance(ctx, dbtx, tx.UserID, tx.Delta); err != nil {
		return Balance{}, err
	}
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return Balance{}, err
	}
	b, err := adjustBalance(ctx, dbtx, tx.UserID, tx.Delta, tx.CompletedAt)
	if err != nil {
		return Balance{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return Balance{}, apperr.Storage("commit apply", err)
	}
	return b, nil
}

func (s *PostgresStore) InsertPending(ctx context.Context, tx Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin insert pending", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return apperr.Storage("commit insert pending", err)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, at time.Time) (Transaction, Balance, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, Balance{}, apperr.Storage("begin complete", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	row := dbtx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM balance_transactions WHERE transaction_id = $1 FOR UPDATE`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, Balance{}, apperr.ErrNotFound
	}
	if err != nil {
		return Transaction{}, Balance{}, apperr.Storage("lock transaction", err)
	}
	switch {
	case tx.Status == StatusCompleted:
		return tx, Balance{}, apperr.ErrDuplicateRequest
	case !tx.Status.Open():
		return tx, Balance{}, apperr.ErrTerminalTransaction
	}
	if err := lockBalance(ctx, dbtx, tx.UserID, tx.Delta); err != nil {
		return tx, Balance{}, err
	}

	const upd = `
UPDATE balance_transactions
SET status = 'completed', updated_at = $2, completed_at = $2
WHERE transaction_id = $1 AND status IN ('pending', 'processing')
`
	res, err := dbtx.ExecContext(ctx, upd, id, at)
	if err != nil {
		return tx, Balance{}, apperr.Storage("complete transaction", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return tx, Balance{}, apperr.ErrDuplicateRequest
	}
	b, err := adjustBalance(ctx, dbtx, tx.UserID, tx.Delta, at)
	if err != nil {
		return tx, Balance{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return tx, Balance{}, apperr.Storage("commit complete", err)
	}
	tx.Status = StatusCompleted
	tx.UpdatedAt = at
	tx.CompletedAt = at
	return tx, b, nil
}

func statusPlaceholders(from []Status, offset int) (string, []any) {
	marks := make([]string, len(from))
	args := make([]any, len(from))
	for i, st := range from {
		marks[i] = "$" + strconv.Itoa(offset+i)
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (Transaction, error) {
	if len(from) == 0 {
		return Transaction{}, apperr.Invalid("from", "no source statuses")
	}
	in, statusArgs := statusPlaceholders(from, 4)
	q := `
UPDATE balance_transactions
SET status = $2, updated_at = $3
WHERE transaction_id = $1 AND status IN (` + in + `)
RETURNING ` + txColumns
	args := append([]any{id, string(to), at}, statusArgs...)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, apperr.Storage("transition transaction", err)
	}
	current, err := s.TransactionByID(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status == to {
		return current, apperr.ErrDuplicateRequest
	}
	return current, apperr.ErrTerminalTransaction
}

func (s *PostgresStore) ExpirePending(ctx context.Context, cutoff time.Time, limit int, at time.Time) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
UPDATE balance_transactions
SET status = 'expired', updated_at = $1
WHERE transaction_id IN (
  SELECT transaction_id
  FROM balance_transactions
  WHERE status IN ('pending', 'processing') AND created_at < $2
  ORDER BY created_at ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + txColumns
	rows, err := s.db.QueryContext(ctx, q, at, cutoff, limit)
	if err != nil {
		return nil, apperr.Storage("expire pending", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Storage("scan expired", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("expire pending", err)
	}
	return out, nil
}
