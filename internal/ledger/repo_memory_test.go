package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func inSession(t *testing.T, store *MemoryStore, fn func(ctx context.Context, s Session) error) error {
	t.Helper()
	return WithSession(context.Background(), store, fn)
}

func TestMemoryStore_DebitIsConditional(t *testing.T) {
	store := NewMemoryStore()
	seedWallet(t, store, "u1", 100)

	err := inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.DebitWallet(ctx, "u1", 101, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		w, err := s.DebitWallet(ctx, "u1", 100, testNow)
		if err != nil {
			return err
		}
		if w.Balance != 0 {
			t.Fatalf("expected 0, got %d", w.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
}

func TestMemoryStore_FrozenWalletRejectsDebitButAcceptsCredit(t *testing.T) {
	store := NewMemoryStore()
	seedWallet(t, store, "u1", 100)

	err := inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.SetWalletStatus(ctx, "u1", []WalletStatus{WalletStatusActive}, WalletStatusFrozen, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.DebitWallet(ctx, "u1", 10, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected debit on frozen wallet to fail, got %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.CreditWallet(ctx, "u1", 10, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("credit on frozen wallet: %v", err)
	}
}

func TestMemoryStore_ClosedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	seedWallet(t, store, "u1", 0)

	err := inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.SetWalletStatus(ctx, "u1", []WalletStatus{WalletStatusActive, WalletStatusFrozen}, WalletStatusClosed, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.SetWalletStatus(ctx, "u1", []WalletStatus{WalletStatusFrozen}, WalletStatusActive, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected reopen to fail, got %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.CreditWallet(ctx, "u1", 10, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected credit on closed wallet to fail, got %v", err)
	}
}

func TestMemoryStore_IdempotencyKeyIsUnique(t *testing.T) {
	store := NewMemoryStore()

	insert := func(id string) error {
		return inSession(t, store, func(ctx context.Context, s Session) error {
			return s.InsertTransaction(ctx, Transaction{
				ID: id, UserID: "u1", Type: TransactionTypeTopUp, Amount: 10,
				Status: TransactionStatusPending, IdempotencyKey: "k1", CreatedAt: testNow,
			})
		})
	}
	if err := insert("t1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("t2"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// Unkeyed rows never collide.
	for _, id := range []string{"t3", "t4"} {
		err := inSession(t, store, func(ctx context.Context, s Session) error {
			return s.InsertTransaction(ctx, Transaction{ID: id, UserID: "u1", Type: TransactionTypeTopUp, Amount: 10, Status: TransactionStatusPending})
		})
		if err != nil {
			t.Fatalf("unkeyed insert %s: %v", id, err)
		}
	}
}

func TestMemoryStore_TransitionOnlyFromPending(t *testing.T) {
	store := NewMemoryStore()
	err := inSession(t, store, func(ctx context.Context, s Session) error {
		return s.InsertTransaction(ctx, Transaction{
			ID: "t1", UserID: "u1", Type: TransactionTypeTopUp, Amount: 10,
			Status: TransactionStatusPending, Metadata: map[string]string{MetaChargeRef: "ch_1"},
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		p, err := s.FindPendingByChargeRef(ctx, "ch_1")
		if err != nil {
			return err
		}
		_, err = s.TransitionTransaction(ctx, p.ID, TransactionStatusCompleted, nil, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.TransitionTransaction(ctx, "t1", TransactionStatusFailed, map[string]string{MetaError: "late"}, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.FindPendingByChargeRef(ctx, "ch_1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pending row, got %v", err)
	}

	// Terminal rows can still be annotated.
	err = inSession(t, store, func(ctx context.Context, s Session) error {
		tx, err := s.AnnotateTransaction(ctx, "t1", map[string]string{"note": "x"}, testNow)
		if err != nil {
			return err
		}
		if tx.Status != TransactionStatusCompleted || tx.Metadata["note"] != "x" || tx.Metadata[MetaChargeRef] != "ch_1" {
			t.Fatalf("unexpected annotated row: %+v", tx)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
}

func TestMemoryStore_ApplySubscriptionRejectsStaleSnapshot(t *testing.T) {
	store := NewMemoryStore()
	t1 := testNow
	t2 := testNow.Add(time.Minute)

	apply := func(status string, at time.Time) error {
		return inSession(t, store, func(ctx context.Context, s Session) error {
			_, err := s.ApplySubscription(ctx, "u1", SubscriptionState{SubscriptionID: "sub_1", Status: status, ObservedAt: at}, testNow)
			return err
		})
	}
	if err := apply("past_due", t2); err != nil {
		t.Fatalf("apply past_due: %v", err)
	}
	if err := apply("active", t1); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected stale snapshot rejected, got %v", err)
	}

	p, err := store.FindProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("find profile: %v", err)
	}
	if p.PaymentStatus != PaymentStatusPastDue || p.HasActiveSubscription {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestMemoryStore_ClearSubscriptionTombstones(t *testing.T) {
	store := NewMemoryStore()
	at := testNow

	err := inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.ClearSubscription(ctx, "u1", "sub_1", at, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}

	// A later-stamped update for the deleted subscription still cannot resurrect it.
	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.ApplySubscription(ctx, "u1", SubscriptionState{SubscriptionID: "sub_1", Status: "active", ObservedAt: at.Add(time.Hour)}, testNow)
		return err
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected tombstoned update rejected, got %v", err)
	}

	// A new subscription is accepted.
	err = inSession(t, store, func(ctx context.Context, s Session) error {
		_, err := s.ApplySubscription(ctx, "u1", SubscriptionState{SubscriptionID: "sub_2", Status: "active", ObservedAt: at.Add(time.Hour)}, testNow)
		return err
	})
	if err != nil {
		t.Fatalf("apply new subscription: %v", err)
	}
	p, _ := store.FindProfile(context.Background(), "u1")
	if !p.HasActiveSubscription || p.SubscriptionID != "sub_2" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestMemoryStore_LinkCustomerIsConditional(t *testing.T) {
	store := NewMemoryStore()
	link := func(userID, ref string) error {
		return inSession(t, store, func(ctx context.Context, s Session) error {
			_, err := s.LinkCustomer(ctx, userID, ref, testNow)
			return err
		})
	}
	if err := link("u1", "cus_1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := link("u1", "cus_1"); err != nil {
		t.Fatalf("relink same ref: %v", err)
	}
	if err := link("u1", "cus_2"); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if err := link("u2", "cus_1"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := NewMemoryStore()
	seedWallet(t, store, "u1", 1000)

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithSession(context.Background(), store, func(ctx context.Context, s Session) error {
				_, err := s.DebitWallet(ctx, "u1", 70, time.Now())
				return err
			})
			if err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()

	w, _ := store.FindWallet(context.Background(), "u1")
	if ok != 14 {
		t.Fatalf("expected 14 successful debits, got %d", ok)
	}
	if w.Balance != 1000-14*70 {
		t.Fatalf("expected balance %d, got %d", 1000-14*70, w.Balance)
	}
}

func TestMemoryStore_MarkEventProcessedOnce(t *testing.T) {
	store := NewMemoryStore()
	mark := func() error {
		return inSession(t, store, func(ctx context.Context, s Session) error {
			return s.MarkEventProcessed(ctx, ProcessedEvent{EventID: "evt_1", Type: "x", Outcome: "applied", CreatedAt: testNow})
		})
	}
	if err := mark(); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := mark(); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}
