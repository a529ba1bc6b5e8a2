package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicateKey is returned when an insert collides with a unique key
	// (transaction idempotency key, processed event id).
	ErrDuplicateKey = errors.New("ledger: duplicate key")
	// ErrConditionFailed is returned when a conditional update matched no row.
	ErrConditionFailed = errors.New("ledger: condition not met")
	ErrSessionDone     = errors.New("ledger: session already finished")
)

// Store is the persistent ledger. Reads outside a session see only
// committed state.
type Store interface {
	Begin(ctx context.Context) (Session, error)

	FindWallet(ctx context.Context, userID string) (Wallet, error)
	FindTransactionByKey(ctx context.Context, key string) (Transaction, error)
	FindProfile(ctx context.Context, userID string) (Profile, error)
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error)
	ListPendingBefore(ctx context.Context, t TransactionType, before time.Time, limit int) ([]Transaction, error)
}

// Session is one atomic unit of work. Every write made through a session
// becomes visible on Commit or is discarded on Abort.
type Session interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	// EnsureWallet creates an ACTIVE zero-balance wallet when none exists
	// and returns the current row.
	EnsureWallet(ctx context.Context, w Wallet) (Wallet, error)
	FindWallet(ctx context.Context, userID string) (Wallet, error)
	// CreditWallet adds amount unless the wallet is CLOSED.
	CreditWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error)
	// DebitWallet subtracts amount only when balance >= amount and the
	// wallet is ACTIVE, as one conditional update.
	DebitWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error)
	// SetWalletStatus moves the wallet to `to` only from one of `from`.
	SetWalletStatus(ctx context.Context, userID string, from []WalletStatus, to WalletStatus, now time.Time) (Wallet, error)

	InsertTransaction(ctx context.Context, t Transaction) error
	FindTransaction(ctx context.Context, id string) (Transaction, error)
	FindTransactionByKey(ctx context.Context, key string) (Transaction, error)
	FindPendingByChargeRef(ctx context.Context, chargeRef string) (Transaction, error)
	// TransitionTransaction moves a PENDING row to `to`, merging meta.
	TransitionTransaction(ctx context.Context, id string, to TransactionStatus, meta map[string]string, now time.Time) (Transaction, error)
	// AnnotateTransaction merges meta into any row without touching status.
	AnnotateTransaction(ctx context.Context, id string, meta map[string]string, now time.Time) (Transaction, error)

	FindProfile(ctx context.Context, userID string) (Profile, error)
	FindProfileByCustomer(ctx context.Context, customerRef string) (Profile, error)
	// LinkCustomer sets the provider customer ref when it is unset or equal.
	LinkCustomer(ctx context.Context, userID, customerRef string, now time.Time) (Profile, error)
	// ApplySubscription overwrites the cached subscription fields unless the
	// snapshot is older than last_synced_at or targets the ended subscription.
	ApplySubscription(ctx context.Context, userID string, st SubscriptionState, now time.Time) (Profile, error)
	// ClearSubscription records a terminal cancellation of subscriptionID.
	ClearSubscription(ctx context.Context, userID, subscriptionID string, observedAt, now time.Time) (Profile, error)

	MarkEventProcessed(ctx context.Context, e ProcessedEvent) error
}

// WithSession runs fn inside a session.
// - If fn returns error: the session is aborted and the error is returned.
// - If fn panics: the session is aborted and the panic is re-thrown.
// - If commit fails: the commit error is returned.
func WithSession(ctx context.Context, store Store, fn func(ctx context.Context, s Session) error) (err error) {
	s, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.Abort(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = s.Abort(context.WithoutCancel(ctx))
			return
		}
		if cerr := s.Commit(ctx); cerr != nil {
			err = &CommitError{Err: cerr}
		}
	}()

	err = fn(ctx, s)
	return err
}

// CommitError reports a failed commit. Nothing from the session persisted.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return "ledger: commit: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }
