package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/audit"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

var admin = Actor{UserID: "admin-1", Role: "admin", IP: "10.0.0.1"}

func newTestManager() (*Manager, *ledger.MemoryStore, *audit.MemoryRepo) {
	store := ledger.NewMemoryStore()
	repo := audit.NewMemoryRepo()
	m := NewManager(store, "USD", audit.NewService(repo), nil)
	m.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return m, store, repo
}

func credit(t *testing.T, m *Manager, store ledger.Store, userID string, amount int64) error {
	t.Helper()
	return ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		_, err := m.Credit(ctx, s, userID, amount)
		return err
	})
}

func debit(m *Manager, store ledger.Store, userID string, amount int64) error {
	return ledger.WithSession(context.Background(), store, func(ctx context.Context, s ledger.Session) error {
		_, err := m.Debit(ctx, s, userID, amount)
		return err
	})
}

func TestManager_GetBalanceProvisionsWallet(t *testing.T) {
	m, _, _ := newTestManager()

	bal, err := m.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 0 || bal.Status != ledger.WalletStatusActive || bal.Currency != "USD" || bal.WalletID == "" {
		t.Fatalf("unexpected balance: %+v", bal)
	}

	again, _ := m.GetBalance(context.Background(), "u1")
	if again.WalletID != bal.WalletID {
		t.Fatalf("expected the same wallet, got %s and %s", bal.WalletID, again.WalletID)
	}
}

func TestManager_FirstDebitOnMissingWalletIsInsufficientFunds(t *testing.T) {
	m, store, _ := newTestManager()

	err := debit(m, store, "new-user", 100)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestManager_DebitClassifiesFailures(t *testing.T) {
	m, store, _ := newTestManager()
	if err := credit(t, m, store, "u1", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := debit(m, store, "u1", 150); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if _, err := m.Freeze(context.Background(), "u1", admin, "chargeback review"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := debit(m, store, "u1", 10); !errors.Is(err, ErrWalletInactive) {
		t.Fatalf("expected ErrWalletInactive, got %v", err)
	}

	// Frozen wallets still accept credits.
	if err := credit(t, m, store, "u1", 5); err != nil {
		t.Fatalf("credit frozen: %v", err)
	}

	if _, err := m.Close(context.Background(), "u1", admin, "account closed"); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := debit(m, store, "u1", 10)
	if !errors.Is(err, ErrWalletInactive) || !errors.Is(err, ErrWalletClosed) {
		t.Fatalf("expected inactive+closed, got %v", err)
	}
	if err := credit(t, m, store, "u1", 5); !errors.Is(err, ErrWalletClosed) {
		t.Fatalf("expected ErrWalletClosed on credit, got %v", err)
	}

	bal, _ := m.GetBalance(context.Background(), "u1")
	if bal.Balance != 105 {
		t.Fatalf("expected 105, got %d", bal.Balance)
	}
}

func TestManager_RejectsNonPositiveAmounts(t *testing.T) {
	m, store, _ := newTestManager()
	if err := credit(t, m, store, "u1", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := debit(m, store, "u1", -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestManager_StatusTransitionsAreAudited(t *testing.T) {
	m, _, repo := newTestManager()
	if _, err := m.GetBalance(context.Background(), "u1"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	if _, err := m.Unfreeze(context.Background(), "u1", admin, "noop"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unfreeze of active wallet, got %v", err)
	}
	if _, err := m.Freeze(context.Background(), "u1", admin, "review"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	bal, err := m.Unfreeze(context.Background(), "u1", admin, "cleared")
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if bal.Status != ledger.WalletStatusActive {
		t.Fatalf("expected ACTIVE, got %s", bal.Status)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(evs))
	}
	if evs[0].UserID != "u1" || evs[0].ActorUserID != "admin-1" || evs[0].IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected audit event: %+v", evs[0])
	}

	if _, err := m.Freeze(context.Background(), "missing", admin, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Freeze(context.Background(), "u1", Actor{}, "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without actor, got %v", err)
	}
}

func TestManager_ConcurrentDebitsConserveBalance(t *testing.T) {
	m, store, _ := newTestManager()
	if err := credit(t, m, store, "u1", 1000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var debited, credited int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				if err := credit(t, m, store, "u1", 30); err == nil {
					mu.Lock()
					credited += 30
					mu.Unlock()
				}
				return
			}
			if err := debit(m, store, "u1", 90); err == nil {
				mu.Lock()
				debited += 90
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	bal, _ := m.GetBalance(context.Background(), "u1")
	if bal.Balance != 1000+credited-debited {
		t.Fatalf("conservation violated: balance %d, credited %d, debited %d", bal.Balance, credited, debited)
	}
	if bal.Balance < 0 {
		t.Fatalf("negative balance %d", bal.Balance)
	}
}
