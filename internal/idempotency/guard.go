package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

// State is the guard's view of a logical operation identified by a key.
type State string

const (
	StateNotStarted       State = "NOT_STARTED"
	StateInFlight         State = "IN_FLIGHT"
	StateAlreadyCompleted State = "ALREADY_COMPLETED"
	StateAlreadyFailed    State = "ALREADY_FAILED"
)

// Decision is the result of a guard check.
type Decision struct {
	State State
	// Transaction is the existing row for any state other than NotStarted.
	Transaction *ledger.Transaction
	// Unkeyed is set when the caller supplied no key. Unkeyed operations are
	// never deduplicated.
	Unkeyed bool
}

// Proceed reports whether the caller may start the operation.
func (d Decision) Proceed() bool { return d.State == StateNotStarted }

// Reader is the store surface the guard needs.
type Reader interface {
	FindTransactionByKey(ctx context.Context, key string) (ledger.Transaction, error)
}

// Observer receives one call per decision.
type Observer interface {
	IdempotencyDecision(state string)
}

type Options struct {
	// TTL bounds how long terminal results stay cached. Zero uses one day.
	TTL      time.Duration
	Logger   *slog.Logger
	Observer Observer
}

// Guard answers "has this key been seen" from the transaction store.
// It never locks: the unique index on the idempotency key is the only
// serialization point, and Resolve turns a collision on that index into a
// decision.
type Guard struct {
	store Reader
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
	obs   Observer
}

func NewGuard(store Reader, cache Cache, opts Options) *Guard {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{store: store, cache: cache, ttl: opts.TTL, log: opts.Logger, obs: opts.Observer}
}

// Check classifies key against committed state.
func (g *Guard) Check(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return g.observe(Decision{State: StateNotStarted, Unkeyed: true}), nil
	}

	if txn, ok, err := g.cache.Get(ctx, key); err != nil {
		g.log.Warn("idempotency cache read failed", "idempotency_key", key, "err", err)
	} else if ok {
		return g.observe(Decide(txn)), nil
	}

	return g.fromStore(ctx, key)
}

// Resolve re-reads the store after an insert collided on key. A row that is
// still invisible belongs to a session that has not committed yet.
func (g *Guard) Resolve(ctx context.Context, key string) (Decision, error) {
	d, err := g.fromStore(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if d.State == StateNotStarted {
		return g.observe(Decision{State: StateInFlight}), nil
	}
	return d, nil
}

// Remember caches a terminal transaction so later checks skip the store.
// Cache failures are logged and otherwise ignored.
func (g *Guard) Remember(ctx context.Context, txn ledger.Transaction) {
	if txn.IdempotencyKey == "" || !txn.Status.Terminal() {
		return
	}
	if err := g.cache.Set(ctx, txn, g.ttl); err != nil {
		g.log.Warn("idempotency cache write failed", "idempotency_key", txn.IdempotencyKey, "err", err)
	}
}

func (g *Guard) fromStore(ctx context.Context, key string) (Decision, error) {
	txn, err := g.store.FindTransactionByKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return g.observe(Decision{State: StateNotStarted}), nil
	}
	if err != nil {
		return Decision{}, err
	}
	g.Remember(ctx, txn)
	return g.observe(Decide(txn)), nil
}

func (g *Guard) observe(d Decision) Decision {
	if g.obs != nil {
		g.obs.IdempotencyDecision(string(d.State))
	}
	return d
}

// Decide maps an existing transaction to a decision.
func Decide(txn ledger.Transaction) Decision {
	t := txn
	switch txn.Status {
	case ledger.TransactionStatusCompleted:
		return Decision{State: StateAlreadyCompleted, Transaction: &t}
	case ledger.TransactionStatusFailed:
		return Decision{State: StateAlreadyFailed, Transaction: &t}
	default:
		return Decision{State: StateInFlight, Transaction: &t}
	}
}
