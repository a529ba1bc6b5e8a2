package recorder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

func newTestRecorder() *Recorder {
	n := 0
	r := New()
	r.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	r.newID = func() string {
		n++
		return fmt.Sprintf("txn-%d", n)
	}
	return r
}

func record(t *testing.T, store ledger.Store, r *Recorder, a Attempt) (ledger.Transaction, error) {
	t.Helper()
	var out ledger.Transaction
	err := ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		txn, err := r.RecordAttempt(ctx, s, a)
		out = txn
		return err
	})
	return out, err
}

func TestRecordAttempt_DefaultsToPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := newTestRecorder()

	txn, err := record(t, store, r, Attempt{
		Type: ledger.TransactionTypeTopUp, UserID: "u1", Amount: 1000, Currency: "USD",
		IdempotencyKey: "k1", Metadata: map[string]string{ledger.MetaChargeRef: "ch_1"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if txn.Status != ledger.TransactionStatusPending || txn.ID != "txn-1" {
		t.Fatalf("unexpected txn: %+v", txn)
	}

	got, err := store.FindTransactionByKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Metadata[ledger.MetaChargeRef] != "ch_1" {
		t.Fatalf("expected charge ref stored, got %+v", got.Metadata)
	}
}

func TestRecordAttempt_Validates(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := newTestRecorder()

	bad := []Attempt{
		{Type: ledger.TransactionTypeTopUp, UserID: "", Amount: 1, Currency: "USD"},
		{Type: ledger.TransactionTypeTopUp, UserID: "u", Amount: 0, Currency: "USD"},
		{Type: "BONUS", UserID: "u", Amount: 1, Currency: "USD"},
		{Type: ledger.TransactionTypeTopUp, UserID: "u", Amount: 1, Currency: "USD", Status: "DONE"},
	}
	for i, a := range bad {
		if _, err := record(t, store, r, a); !errors.Is(err, ErrInvalidAttempt) {
			t.Fatalf("case %d: expected ErrInvalidAttempt, got %v", i, err)
		}
	}
}

func TestRecordAttempt_DuplicateKey(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := newTestRecorder()
	a := Attempt{Type: ledger.TransactionTypeCampaignDebit, UserID: "u1", Amount: 300, Currency: "USD", IdempotencyKey: "k1", Status: ledger.TransactionStatusCompleted}

	if _, err := record(t, store, r, a); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := record(t, store, r, a)
	if !errors.Is(err, ErrDuplicateKey) || !errors.Is(err, ledger.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
}

func TestCompleteAndFail_OnlyFromPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	r := newTestRecorder()
	txn, err := record(t, store, r, Attempt{Type: ledger.TransactionTypeTopUp, UserID: "u1", Amount: 10, Currency: "USD"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	err = ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		done, err := r.Fail(ctx, s, txn.ID, "card_declined", map[string]string{ledger.MetaErrorCode: "card_declined"})
		if err != nil {
			return err
		}
		if done.Status != ledger.TransactionStatusFailed || done.Metadata[ledger.MetaError] != "card_declined" {
			t.Fatalf("unexpected failed txn: %+v", done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	err = ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		_, err := r.Complete(ctx, s, txn.ID, nil)
		return err
	})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	err = ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		a, err := r.Annotate(ctx, s, txn.ID, map[string]string{"support_ticket": "T-1"})
		if err != nil {
			return err
		}
		if a.Status != ledger.TransactionStatusFailed || a.Metadata[ledger.MetaError] != "card_declined" {
			t.Fatalf("annotation changed status or lost metadata: %+v", a)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
}
