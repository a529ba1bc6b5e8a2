package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/audit"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrWalletInactive    = errors.New("wallet: not active")
	ErrWalletClosed      = errors.New("wallet: closed")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
	ErrInvalidTransition = errors.New("wallet: invalid status transition")
)

// Auditor records privileged wallet actions. Failures never undo the action.
type Auditor interface {
	LogAdminAction(ctx context.Context, userID string, actor audit.Actor, action string, meta map[string]string) error
}

// Manager performs balance mutations.
//
// Money invariants:
// - Debits are a single conditional update (balance >= amount AND ACTIVE);
//   there is no read-then-write window.
// - Credit and Debit run on a caller-owned session so the balance change
//   commits together with its transaction row.
// - Wallets are provisioned lazily with balance 0 before any mutation.
type Manager struct {
	store    ledger.Store
	currency string
	audit    Auditor
	log      *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewManager(store ledger.Store, currency string, audit Auditor, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, currency: currency, audit: audit, log: log, clock: time.Now}
}

// Ensure returns the user's wallet, creating an ACTIVE zero-balance one if absent.
func (m *Manager) Ensure(ctx context.Context, s ledger.Session, userID string) (ledger.Wallet, error) {
	if userID == "" {
		return ledger.Wallet{}, ErrInvalidArgument
	}
	now := m.clock().UTC()
	return s.EnsureWallet(ctx, ledger.Wallet{
		UserID:    userID,
		Currency:  m.currency,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Credit adds amount to the wallet. Only a CLOSED wallet refuses credits.
func (m *Manager) Credit(ctx context.Context, s ledger.Session, userID string, amount int64) (ledger.Wallet, error) {
	if amount <= 0 {
		return ledger.Wallet{}, ErrInvalidArgument
	}
	if _, err := m.Ensure(ctx, s, userID); err != nil {
		return ledger.Wallet{}, err
	}
	w, err := s.CreditWallet(ctx, userID, amount, m.clock().UTC())
	if errors.Is(err, ledger.ErrConditionFailed) {
		return ledger.Wallet{}, ErrWalletClosed
	}
	return w, err
}

// Debit subtracts amount only if the wallet is ACTIVE and holds at least
// amount. It returns the wallet after the debit.
func (m *Manager) Debit(ctx context.Context, s ledger.Session, userID string, amount int64) (ledger.Wallet, error) {
	if amount <= 0 {
		return ledger.Wallet{}, ErrInvalidArgument
	}
	if _, err := m.Ensure(ctx, s, userID); err != nil {
		return ledger.Wallet{}, err
	}
	w, err := s.DebitWallet(ctx, userID, amount, m.clock().UTC())
	if errors.Is(err, ledger.ErrConditionFailed) {
		return ledger.Wallet{}, m.classifyDebitFailure(ctx, s, userID)
	}
	return w, err
}

// classifyDebitFailure explains why the conditional debit matched nothing.
// The read happens after the update failed and only picks the error kind.
func (m *Manager) classifyDebitFailure(ctx context.Context, s ledger.Session, userID string) error {
	w, err := s.FindWallet(ctx, userID)
	if err != nil {
		return err
	}
	switch w.Status {
	case ledger.WalletStatusClosed:
		return fmt.Errorf("%w: %w", ErrWalletInactive, ErrWalletClosed)
	case ledger.WalletStatusFrozen:
		return ErrWalletInactive
	}
	return ErrInsufficientFunds
}

// GetBalance returns the committed balance, provisioning the wallet on first use.
func (m *Manager) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	if w, err := m.store.FindWallet(ctx, userID); err == nil {
		return balanceOf(w), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Balance{}, err
	}

	var out ledger.Wallet
	err := ledger.WithSession(ctx, m.store, func(ctx context.Context, s ledger.Session) error {
		w, err := m.Ensure(ctx, s, userID)
		out = w
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	return balanceOf(out), nil
}

func (m *Manager) Freeze(ctx context.Context, userID string, actor Actor, reason string) (Balance, error) {
	return m.setStatus(ctx, userID, actor, reason, AdminActionFreeze,
		[]ledger.WalletStatus{ledger.WalletStatusActive}, ledger.WalletStatusFrozen)
}

func (m *Manager) Unfreeze(ctx context.Context, userID string, actor Actor, reason string) (Balance, error) {
	return m.setStatus(ctx, userID, actor, reason, AdminActionUnfreeze,
		[]ledger.WalletStatus{ledger.WalletStatusFrozen}, ledger.WalletStatusActive)
}

// Close is terminal. The balance is kept for audit and can no longer move.
func (m *Manager) Close(ctx context.Context, userID string, actor Actor, reason string) (Balance, error) {
	return m.setStatus(ctx, userID, actor, reason, AdminActionClose,
		[]ledger.WalletStatus{ledger.WalletStatusActive, ledger.WalletStatusFrozen}, ledger.WalletStatusClosed)
}

func (m *Manager) setStatus(ctx context.Context, userID string, actor Actor, reason string, action AdminAction, from []ledger.WalletStatus, to ledger.WalletStatus) (Balance, error) {
	if userID == "" || actor.UserID == "" || actor.Role == "" || reason == "" {
		return Balance{}, ErrInvalidArgument
	}

	var out ledger.Wallet
	err := ledger.WithSession(ctx, m.store, func(ctx context.Context, s ledger.Session) error {
		w, err := s.SetWalletStatus(ctx, userID, from, to, m.clock().UTC())
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return Balance{}, ErrNotFound
	case errors.Is(err, ledger.ErrConditionFailed):
		return Balance{}, ErrInvalidTransition
	case err != nil:
		return Balance{}, err
	}

	if m.audit != nil {
		meta := map[string]string{"status": string(to), "reason": reason}
		if aerr := m.audit.LogAdminAction(ctx, userID, audit.Actor(actor), string(action), meta); aerr != nil {
			m.log.Error("audit append failed", "user_id", userID, "action", action, "err", aerr)
		}
	}
	return balanceOf(out), nil
}
