package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/events"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/payment"
	"github.com/taolaktech/amplify-wallet/internal/recorder"
	"github.com/taolaktech/amplify-wallet/internal/wallet"
	"github.com/taolaktech/amplify-wallet/pkg/logger"
)

// ErrNoop means the event matched no actionable local state. It is not a
// failure towards the provider: the event must still be acknowledged.
var ErrNoop = errors.New("reconcile: no-op")

type Action string

const (
	ActionCompleted           Action = "completed"
	ActionFailed              Action = "failed"
	ActionSubscriptionApplied Action = "subscription_applied"
	ActionSubscriptionCleared Action = "subscription_cleared"
	ActionNoop                Action = "noop"
)

// Outcome is what a dispatched event did.
type Outcome struct {
	Action      Action
	Reason      string
	Transaction *ledger.Transaction
	Profile     *ledger.Profile
}

// Observer receives one call per dispatched event.
type Observer interface {
	ReconcileOutcome(eventType, action string)
}

// Rememberer caches terminal transactions for idempotent replays.
type Rememberer interface {
	Remember(ctx context.Context, txn ledger.Transaction)
}

type Deps struct {
	Store     ledger.Store
	Wallets   *wallet.Manager
	Recorder  *recorder.Recorder
	Gateway   payment.Gateway
	Publisher events.Publisher
	Observer  Observer
	Guard     Rememberer
	Logger    *slog.Logger
}

// Dispatcher applies verified provider events to local state.
//
// Every event runs in one session: at most one transition is attempted and
// the processed-event marker commits with it. Each transition is conditioned
// on the current recorded state, so redelivered or reordered events converge.
type Dispatcher struct {
	store     ledger.Store
	wallets   *wallet.Manager
	recorder  *recorder.Recorder
	gateway   payment.Gateway
	publisher events.Publisher
	obs       Observer
	guard     Rememberer
	log       *slog.Logger
	clock     func() time.Time
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Dispatcher{
		store:     d.Store,
		wallets:   d.Wallets,
		recorder:  d.Recorder,
		gateway:   d.Gateway,
		publisher: d.Publisher,
		obs:       d.Observer,
		guard:     d.Guard,
		log:       d.Logger,
		clock:     time.Now,
	}
}

var errDuplicateEvent = errors.New("duplicate event")

// Dispatch applies ev. A returned error wrapping ErrNoop means nothing
// changed; any other error means the event should be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, ev payment.Event) (Outcome, error) {
	if ev.ID == "" {
		return Outcome{}, errors.New("reconcile: event id required")
	}
	log := logger.From(ctx, d.log).With("event_id", ev.ID, "event_type", ev.Type)

	switch ev.Type {
	case payment.EventIgnored:
		return d.noop(log, ev, "unhandled event type "+ev.ProviderType)
	case payment.EventSubscriptionScheduled:
		// Schedule phases only change price at a phase boundary, which
		// arrives later as a subscription update. Nothing to cache now.
		return d.noop(log, ev, "subscription schedule is configuration only")
	case payment.EventInvoicePaid, payment.EventInvoicePaymentFailed:
		fresh, reason, err := d.fetchSubscription(ctx, ev)
		if err != nil {
			log.Error("retrieve subscription failed", "subscription_ref", ev.SubscriptionRef, "err", err)
			d.observe(ev, "error")
			return Outcome{}, err
		}
		if reason != "" {
			return d.noop(log, ev, reason)
		}
		ev.Subscription = &fresh
	}

	var out Outcome
	err := ledger.WithSession(ctx, d.store, func(ctx context.Context, s ledger.Session) error {
		var err error
		out, err = d.apply(ctx, s, ev)
		if err != nil {
			return err
		}
		err = s.MarkEventProcessed(ctx, ledger.ProcessedEvent{
			EventID:    ev.ID,
			Type:       string(ev.Type),
			Outcome:    string(out.Action),
			OccurredAt: ev.OccurredAt,
			CreatedAt:  d.clock().UTC(),
		})
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return errDuplicateEvent
		}
		return err
	})
	if errors.Is(err, errDuplicateEvent) {
		return d.noop(log, ev, "duplicate event")
	}
	if err != nil {
		log.Error("reconcile event failed", "err", err)
		d.observe(ev, "error")
		return Outcome{}, err
	}

	if out.Action == ActionNoop {
		return d.noop(log, ev, out.Reason)
	}
	if out.Transaction != nil {
		events.Publish(ctx, d.publisher, log, *out.Transaction)
		if d.guard != nil {
			d.guard.Remember(ctx, *out.Transaction)
		}
	}
	log.Info("reconciled event", "action", out.Action)
	d.observe(ev, string(out.Action))
	return out, nil
}

func (d *Dispatcher) apply(ctx context.Context, s ledger.Session, ev payment.Event) (Outcome, error) {
	switch ev.Type {
	case payment.EventChargeSucceeded:
		return d.chargeSucceeded(ctx, s, ev.Charge)
	case payment.EventChargeFailed:
		return d.chargeFailed(ctx, s, ev.Charge)
	case payment.EventSubscriptionUpdated, payment.EventInvoicePaid, payment.EventInvoicePaymentFailed:
		return d.subscriptionUpdated(ctx, s, ev.Subscription)
	case payment.EventSubscriptionDeleted:
		return d.subscriptionDeleted(ctx, s, ev.Subscription)
	}
	return skip("unhandled event type"), nil
}

func (d *Dispatcher) chargeSucceeded(ctx context.Context, s ledger.Session, c *payment.ChargeResult) (Outcome, error) {
	txn, reason, err := d.pendingCharge(ctx, s, c)
	if err != nil || reason != "" {
		return skip(reason), err
	}
	if c.Amount > 0 && c.Amount != txn.Amount {
		// Crediting either figure could be wrong; the row waits for review.
		logger.From(ctx, d.log).Error("captured amount differs from top-up",
			"transaction_id", txn.ID, "charge_ref", c.ChargeRef, "captured", c.Amount, "expected", txn.Amount)
		return skip("captured amount mismatch"), nil
	}

	// The conditional transition comes first so a concurrent delivery that
	// already completed the row cannot make this session credit again.
	meta := map[string]string{ledger.MetaChargeRef: c.ChargeRef, ledger.MetaSource: "reconcile"}
	done, err := d.recorder.Complete(ctx, s, txn.ID, meta)
	if errors.Is(err, recorder.ErrAlreadyTerminal) {
		return skip("transaction already terminal"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	w, err := d.wallets.Credit(ctx, s, txn.UserID, txn.Amount)
	if err != nil {
		// A closed wallet cannot take the captured funds; keep the row
		// PENDING and surface the error so it is handled manually.
		return Outcome{}, fmt.Errorf("reconcile: credit %s: %w", txn.ID, err)
	}
	done, err = d.recorder.Annotate(ctx, s, done.ID, map[string]string{
		ledger.MetaBalanceAfter: strconv.FormatInt(w.Balance, 10),
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionCompleted, Transaction: &done}, nil
}

func (d *Dispatcher) chargeFailed(ctx context.Context, s ledger.Session, c *payment.ChargeResult) (Outcome, error) {
	txn, reason, err := d.pendingCharge(ctx, s, c)
	if err != nil || reason != "" {
		return skip(reason), err
	}

	failure := c.FailureReason
	if failure == "" {
		failure = "payment failed"
	}
	meta := map[string]string{ledger.MetaChargeRef: c.ChargeRef, ledger.MetaSource: "reconcile"}
	if c.FailureCode != "" {
		meta[ledger.MetaErrorCode] = c.FailureCode
	}
	failed, err := d.recorder.Fail(ctx, s, txn.ID, failure, meta)
	if errors.Is(err, recorder.ErrAlreadyTerminal) {
		return skip("transaction already terminal"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionFailed, Transaction: &failed}, nil
}

// pendingCharge finds the PENDING top-up a charge refers to. A non-empty
// reason means there is nothing to do.
func (d *Dispatcher) pendingCharge(ctx context.Context, s ledger.Session, c *payment.ChargeResult) (ledger.Transaction, string, error) {
	if c == nil || c.ChargeRef == "" {
		return ledger.Transaction{}, "event carries no charge", nil
	}

	txn, err := s.FindPendingByChargeRef(ctx, c.ChargeRef)
	if errors.Is(err, ledger.ErrNotFound) {
		// The charge ref is written after the gateway call returns; an event
		// racing that write is matched by the id attached at charge time.
		id := c.Metadata[payment.MetaTransactionID]
		if id == "" {
			return ledger.Transaction{}, "no transaction for charge", nil
		}
		txn, err = s.FindTransaction(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Transaction{}, "no transaction for charge", nil
		}
	}
	if err != nil {
		return ledger.Transaction{}, "", err
	}

	if txn.Type != ledger.TransactionTypeTopUp {
		return ledger.Transaction{}, "transaction is not a top-up", nil
	}
	if txn.Status != ledger.TransactionStatusPending {
		return ledger.Transaction{}, "transaction already " + string(txn.Status), nil
	}
	if ref := txn.Metadata[ledger.MetaChargeRef]; ref != "" && ref != c.ChargeRef {
		return ledger.Transaction{}, "charge ref mismatch", nil
	}
	return txn, "", nil
}

func (d *Dispatcher) subscriptionUpdated(ctx context.Context, s ledger.Session, snap *payment.SubscriptionSnapshot) (Outcome, error) {
	if snap == nil || snap.ID == "" {
		return skip("event carries no subscription"), nil
	}
	if snap.Terminal() {
		return d.subscriptionDeleted(ctx, s, snap)
	}
	userID, err := d.resolveUser(ctx, s, snap)
	if err != nil || userID == "" {
		return skip("unknown customer"), err
	}

	p, err := s.ApplySubscription(ctx, userID, snap.State(), d.clock().UTC())
	if errors.Is(err, ledger.ErrConditionFailed) {
		return skip("stale subscription snapshot"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionSubscriptionApplied, Profile: &p}, nil
}

func (d *Dispatcher) subscriptionDeleted(ctx context.Context, s ledger.Session, snap *payment.SubscriptionSnapshot) (Outcome, error) {
	if snap == nil || snap.ID == "" {
		return skip("event carries no subscription"), nil
	}
	userID, err := d.resolveUser(ctx, s, snap)
	if err != nil || userID == "" {
		return skip("unknown customer"), err
	}

	p, err := s.ClearSubscription(ctx, userID, snap.ID, snap.ObservedAt, d.clock().UTC())
	if errors.Is(err, ledger.ErrConditionFailed) {
		return skip("subscription already ended or replaced"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionSubscriptionCleared, Profile: &p}, nil
}

// resolveUser maps the provider customer to a local user. The user id stamped
// into subscription metadata is the fallback for profiles not linked yet.
func (d *Dispatcher) resolveUser(ctx context.Context, s ledger.Session, snap *payment.SubscriptionSnapshot) (string, error) {
	if snap.CustomerRef != "" {
		p, err := s.FindProfileByCustomer(ctx, snap.CustomerRef)
		if err == nil {
			return p.UserID, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return "", err
		}
	}
	return snap.UserID, nil
}

// fetchSubscription re-reads the subscription an invoice refers to. The
// provider is authoritative, so the fresh snapshot replaces the invoice payload.
func (d *Dispatcher) fetchSubscription(ctx context.Context, ev payment.Event) (payment.SubscriptionSnapshot, string, error) {
	if ev.SubscriptionRef == "" {
		return payment.SubscriptionSnapshot{}, "invoice has no subscription", nil
	}
	snap, err := d.gateway.RetrieveSubscription(ctx, ev.SubscriptionRef)
	if errors.Is(err, payment.ErrNotFound) {
		return payment.SubscriptionSnapshot{}, "subscription not found at provider", nil
	}
	if err != nil {
		return payment.SubscriptionSnapshot{}, "", fmt.Errorf("reconcile: retrieve subscription: %w", err)
	}
	if snap.CustomerRef == "" {
		snap.CustomerRef = ev.CustomerRef
	}
	return snap, "", nil
}

func (d *Dispatcher) noop(log *slog.Logger, ev payment.Event, reason string) (Outcome, error) {
	log.Info("reconcile no-op", "reason", reason)
	d.observe(ev, string(ActionNoop))
	return Outcome{Action: ActionNoop, Reason: reason}, fmt.Errorf("%w: %s", ErrNoop, reason)
}

func (d *Dispatcher) observe(ev payment.Event, action string) {
	if d.obs != nil {
		d.obs.ReconcileOutcome(string(ev.Type), action)
	}
}

func skip(reason string) Outcome {
	return Outcome{Action: ActionNoop, Reason: reason}
}
