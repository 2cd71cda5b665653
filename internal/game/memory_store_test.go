package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryStore_RollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertRound(ctx, &Round{ID: "r1", State: RoundPreRound, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if _, err := tx.LockBalance(ctx, "alice"); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, "alice", decimal.NewFromInt(50)); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, &LedgerEntry{UserID: "alice", Type: EntryDeposit, Amount: decimal.NewFromInt(50)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want %v", err, boom)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetRound(ctx, "r1", LockNone); !errors.Is(err, ErrRoundNotFound) {
			t.Errorf("GetRound() after rollback error = %v, want ErrRoundNotFound", err)
		}
		balance, err := tx.GetBalance(ctx, "alice")
		if err != nil {
			return err
		}
		if !balance.IsZero() {
			t.Errorf("balance after rollback = %v, want 0", balance)
		}
		entries, err := tx.ListEntries(ctx, "alice", 0, false)
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			t.Errorf("entries after rollback = %d, want 0", len(entries))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func TestMemoryStore_SingleOpenRound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insert := func(r *Round) error {
		return store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertRound(ctx, r)
		})
	}

	if err := insert(&Round{ID: "r1", State: RoundPreRound, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("first InsertRound() error = %v", err)
	}
	if err := insert(&Round{ID: "r2", State: RoundPreRound, CreatedAt: time.Now()}); !errors.Is(err, ErrActiveRoundExists) {
		t.Errorf("second InsertRound() error = %v, want ErrActiveRoundExists", err)
	}
	if err := insert(&Round{ID: "r0", State: RoundCrashed, CreatedAt: time.Now()}); err != nil {
		t.Errorf("crashed InsertRound() error = %v", err)
	}
}

func TestMemoryStore_EntrySequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, user := range []string{"alice", "bob", "alice"} {
			if err := tx.AppendEntry(ctx, &LedgerEntry{UserID: user, Type: EntryDeposit}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		entries, err := tx.ListEntries(ctx, "alice", 0, true)
		if err != nil {
			return err
		}
		if len(entries) != 2 {
			t.Fatalf("alice entries = %d, want 2", len(entries))
		}
		if entries[0].Seq != 2 || entries[1].Seq != 1 {
			t.Errorf("alice seqs newest first = [%d %d], want [2 1]", entries[0].Seq, entries[1].Seq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func TestMemoryStore_IdempotencyKeyUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insert := func(id, user string) error {
		return store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertBet(ctx, &Bet{ID: id, UserID: user, IdempotencyKey: "k1", Status: BetPending})
		})
	}

	if err := insert("b1", "alice"); err != nil {
		t.Fatalf("InsertBet() error = %v", err)
	}
	if err := insert("b2", "alice"); !IsTransient(err) {
		t.Errorf("duplicate key InsertBet() error = %v, want transient", err)
	}
	if err := insert("b3", "bob"); err != nil {
		t.Errorf("same key for another user InsertBet() error = %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertRound(ctx, &Round{ID: "r1", State: RoundPreRound, CreatedAt: time.Now()})
	})

	_ = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRound(ctx, "r1", LockNone)
		if err != nil {
			return err
		}
		r.State = RoundCrashed
		return nil
	})

	_ = store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRound(ctx, "r1", LockNone)
		if err != nil {
			return err
		}
		if r.State != RoundPreRound {
			t.Errorf("stored state = %v, want %v", r.State, RoundPreRound)
		}
		return nil
	})
}
