//go:build integration

package treasury

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianpay/settlecore/internal/testutil"
)

func TestPostgresStore_BalanceAdjustments(t *testing.T) {
	db := testutil.PostgresDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	bal, err := store.GetBalance(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 0 {
		t.Fatalf("fresh balance = %d, want 0", bal)
	}

	if err := store.AdjustBalance(ctx, "", 500); err != nil {
		t.Fatalf("AdjustBalance +500: %v", err)
	}
	if err := store.AdjustBalance(ctx, "", -200); err != nil {
		t.Fatalf("AdjustBalance -200: %v", err)
	}

	bal, err = store.GetBalance(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 300 {
		t.Fatalf("balance = %d, want 300", bal)
	}

	// Overdraft must be rejected atomically.
	if err := store.AdjustBalance(ctx, "", -301); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	bal, _ = store.GetBalance(ctx, "")
	if bal != 300 {
		t.Fatalf("balance after rejected overdraft = %d, want 300", bal)
	}
}

func TestPostgresStore_BalancesPerToken(t *testing.T) {
	db := testutil.PostgresDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.AdjustBalance(ctx, "", 100); err != nil {
		t.Fatal(err)
	}
	if err := store.AdjustBalance(ctx, "usd", 999); err != nil {
		t.Fatal(err)
	}

	native, _ := store.GetBalance(ctx, "")
	usd, _ := store.GetBalance(ctx, "usd")
	if native != 100 || usd != 999 {
		t.Fatalf("native = %d, usd = %d; balances must be independent", native, usd)
	}
}

func TestPostgresStore_TransactionLog(t *testing.T) {
	db := testutil.PostgresDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	txs := []*Transaction{
		{Timestamp: time.Now(), Sender: "alice", Amount: 100, Type: TxDeposit},
		{Timestamp: time.Now(), Sender: "bob", Amount: 50, TokenID: "usd", Type: TxDeposit},
		{Timestamp: time.Now(), Sender: SystemSender, Receiver: "carol", Amount: 30,
			Description: "rewards", Type: TxDistribution},
	}
	for _, tx := range txs {
		if err := store.Append(ctx, tx); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if tx.ID == 0 {
			t.Fatal("Append must allocate an ID")
		}
	}

	history, err := store.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d entries, want 3", len(history))
	}
	// Newest first
	if history[0].Type != TxDistribution || history[0].Receiver != "carol" {
		t.Fatalf("newest entry = %+v", history[0])
	}

	deposits, err := store.Filter(ctx, TxDeposit, "usd", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deposits) != 1 || deposits[0].Sender != "bob" {
		t.Fatalf("filtered deposits = %+v", deposits)
	}
}

func TestPostgresStore_LockFlag(t *testing.T) {
	db := testutil.PostgresDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	locked, err := store.IsLocked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("treasury must start unlocked")
	}

	if err := store.SetLocked(ctx, true); err != nil {
		t.Fatal(err)
	}
	locked, _ = store.IsLocked(ctx)
	if !locked {
		t.Fatal("lock flag must persist")
	}

	if err := store.SetLocked(ctx, false); err != nil {
		t.Fatal(err)
	}
	locked, _ = store.IsLocked(ctx)
	if locked {
		t.Fatal("unlock must persist")
	}
}
