package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/events"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/payment"
	"github.com/taolaktech/amplify-wallet/internal/recorder"
)

type SweeperOptions struct {
	// Interval between sweeps. Zero means 5m.
	Interval time.Duration
	// StaleAfter is how old a PENDING top-up must be before it is checked
	// with the provider. It must cover one charge call plus the provider's
	// search indexing delay. Zero means 15m.
	StaleAfter time.Duration
	BatchSize  int
	Workers    int
	Logger     *slog.Logger
}

// Sweeper finds top-ups stuck in PENDING (webhook lost, process crashed
// between the charge and the ref write) and asks the provider what really
// happened. Outcomes go through the Dispatcher so the same conditional
// transitions apply.
type Sweeper struct {
	store      ledger.Store
	gateway    payment.Gateway
	dispatcher *Dispatcher
	opts       SweeperOptions
	log        *slog.Logger
	clock      func() time.Time
}

type SweepStats struct {
	Checked   int
	Completed int
	Failed    int
	Pending   int
	Errors    int
}

func NewSweeper(store ledger.Store, gateway payment.Gateway, dispatcher *Dispatcher, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		opts:       opts,
		log:        opts.Logger.With("component", "sweeper"),
		clock:      time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled. Blocking.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.log.Info("sweeper started", "interval", s.opts.Interval.String(), "stale_after", s.opts.StaleAfter.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			stats := s.SweepOnce(ctx)
			if stats.Checked > 0 {
				s.log.Info("sweep finished",
					"checked", stats.Checked,
					"completed", stats.Completed,
					"failed", stats.Failed,
					"pending", stats.Pending,
					"errors", stats.Errors,
				)
			}
		}
	}
}

// SweepOnce checks one batch of stale PENDING top-ups with a worker pool.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	before := s.clock().UTC().Add(-s.opts.StaleAfter)
	stale, err := s.store.ListPendingBefore(ctx, ledger.TransactionTypeTopUp, before, s.opts.BatchSize)
	if err != nil {
		s.log.Error("list pending transactions failed", "err", err)
		return SweepStats{Errors: 1}
	}
	if len(stale) == 0 {
		return SweepStats{}
	}

	var (
		mu    sync.Mutex
		stats = SweepStats{Checked: len(stale)}
		wg    sync.WaitGroup
	)
	jobs := make(chan ledger.Transaction, len(stale))
	for w := 0; w < s.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for txn := range jobs {
				action, err := s.syncTransaction(ctx, txn)
				mu.Lock()
				switch {
				case err != nil:
					stats.Errors++
					s.log.Error("sweep transaction failed", "transaction_id", txn.ID, "err", err)
				case action == ActionCompleted:
					stats.Completed++
				case action == ActionFailed:
					stats.Failed++
				default:
					stats.Pending++
				}
				mu.Unlock()
			}
		}()
	}
	for _, txn := range stale {
		jobs <- txn
	}
	close(jobs)
	wg.Wait()
	return stats
}

func (s *Sweeper) syncTransaction(ctx context.Context, txn ledger.Transaction) (Action, error) {
	res, err := s.lookupCharge(ctx, txn)
	if errors.Is(err, payment.ErrNotFound) {
		return s.dispatcher.expire(ctx, txn, "charge not found at provider")
	}
	if err != nil {
		return "", err
	}

	var typ payment.EventType
	switch res.Status {
	case payment.ChargeStatusSucceeded:
		typ = payment.EventChargeSucceeded
	case payment.ChargeStatusFailed:
		typ = payment.EventChargeFailed
	default:
		return ActionNoop, nil
	}
	res.Metadata = ledger.MergeMetadata(res.Metadata, map[string]string{payment.MetaTransactionID: txn.ID})

	out, err := s.dispatcher.Dispatch(ctx, payment.Event{
		ID:         "sweep:" + txn.ID + ":" + string(res.Status),
		Type:       typ,
		OccurredAt: s.clock().UTC(),
		Charge:     &res,
	})
	if errors.Is(err, ErrNoop) {
		return ActionNoop, nil
	}
	return out.Action, err
}

// lookupCharge reads the provider state of the charge behind txn. Rows
// without a reference lost the charge response (timeout, crash), so the
// charge is searched by the transaction id attached when it was created.
func (s *Sweeper) lookupCharge(ctx context.Context, txn ledger.Transaction) (payment.ChargeResult, error) {
	ref := txn.Metadata[ledger.MetaChargeRef]
	if ref == "" {
		res, err := s.gateway.FindChargeByTransaction(ctx, txn.ID)
		if err != nil {
			return payment.ChargeResult{}, fmt.Errorf("find charge for %s: %w", txn.ID, err)
		}
		return res, nil
	}

	res, err := s.gateway.RetrieveCharge(ctx, ref)
	if err != nil {
		return payment.ChargeResult{}, fmt.Errorf("retrieve charge %s: %w", ref, err)
	}
	if res.ChargeRef == "" {
		res.ChargeRef = ref
	}
	return res, nil
}

// expire fails a PENDING row that can no longer be matched to a charge.
func (d *Dispatcher) expire(ctx context.Context, txn ledger.Transaction, reason string) (Action, error) {
	var failed ledger.Transaction
	err := ledger.WithSession(ctx, d.store, func(ctx context.Context, s ledger.Session) error {
		var err error
		failed, err = d.recorder.Fail(ctx, s, txn.ID, reason, map[string]string{ledger.MetaSource: "sweeper"})
		return err
	})
	if errors.Is(err, recorder.ErrAlreadyTerminal) {
		return ActionNoop, nil
	}
	if err != nil {
		return "", err
	}
	d.log.Warn("expired pending transaction", "transaction_id", txn.ID, "reason", reason)
	events.Publish(ctx, d.publisher, d.log, failed)
	if d.guard != nil {
		d.guard.Remember(ctx, failed)
	}
	return ActionFailed, nil
}
