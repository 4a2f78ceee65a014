package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

func openPostgresIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("BALANCE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set BALANCE_TEST_DATABASE_URL to run postgres integration tests")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE TABLE balance_transactions, balance_accounts, balance_users`); err != nil {
		t.Fatalf("reset postgres state: %v", err)
	}
	return db
}

func TestPostgresLedgerIdempotencyAndConcurrency(t *testing.T) {
	db := openPostgresIntegrationDB(t)
	ctx := context.Background()
	l := New(NewPostgresStore(db), WithCurrency("ton"))

	if _, err := l.EnsureUser(ctx, User{ID: "pg-user"}); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := l.EnsureUser(ctx, User{ID: "pg-user", Premium: true}); err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	md, _ := NewMetadata(map[string]any{"source": "integration"})
	if _, _, err := l.CreatePending(ctx, PendingRequest{UserID: "pg-user", Delta: 500, Type: TypeRecharge, ExternalID: "pay_pg", Metadata: md}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Apply(ctx, ApplyRequest{UserID: "pg-user", Delta: 500, Type: TypeRecharge, ExternalID: "pay_pg"})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected one application, got=%d", applied)
	}

	errs := make([]error, 2)
	for i, key := range []string{"purchase:pg-a", "purchase:pg-b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = l.Apply(ctx, ApplyRequest{UserID: "pg-user", Delta: -300, Type: TypePurchase, ExternalID: key})
		}(i, key)
	}
	wg.Wait()
	insufficient := 0
	for _, err := range errs {
		if errors.Is(err, apperr.ErrInsufficientBalance) {
			insufficient++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if insufficient != 1 {
		t.Fatalf("expected exactly one insufficient balance, got=%d", insufficient)
	}
	b, err := l.Balance(ctx, "pg-user")
	if err != nil || b.Amount != 200 || b.Currency != "TON" {
		t.Fatalf("expected balance 200 TON, got=%+v err=%v", b, err)
	}

	tx, err := l.TransactionByExternalID(ctx, "pay_pg")
	if err != nil || tx.MetadataString("source") != "integration" {
		t.Fatalf("expected metadata round trip, got=%+v err=%v", tx, err)
	}
	if _, changed, err := l.Transition(ctx, tx.ID, StatusExpired, "late"); !errors.Is(err, apperr.ErrTerminalTransaction) || changed {
		t.Fatalf("expected completed transaction to refuse expiry, changed=%v err=%v", changed, err)
	}
}
