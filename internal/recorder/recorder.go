package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"

	"github.com/google/uuid"
)

var (
	ErrInvalidAttempt = errors.New("recorder: invalid attempt")
	// ErrDuplicateKey wraps ledger.ErrDuplicateKey for keyed inserts.
	ErrDuplicateKey = fmt.Errorf("recorder: %w", ledger.ErrDuplicateKey)
	// ErrAlreadyTerminal is returned when a transition targets a row that is
	// no longer PENDING.
	ErrAlreadyTerminal = errors.New("recorder: transaction already terminal")
)

// Attempt describes one balance-affecting operation to record.
type Attempt struct {
	Type           ledger.TransactionType
	UserID         string
	Amount         int64
	Currency       string
	IdempotencyKey string
	// Status defaults to PENDING. Synchronous operations record COMPLETED or
	// FAILED directly in the same session as their balance change.
	Status   ledger.TransactionStatus
	Metadata map[string]string
}

// Recorder writes Transaction rows. It never touches balances; callers pair
// it with wallet.Manager inside one session.
type Recorder struct {
	clock func() time.Time
	newID func() string
}

func New() *Recorder {
	return &Recorder{clock: time.Now, newID: uuid.NewString}
}

func (r *Recorder) RecordAttempt(ctx context.Context, s ledger.Session, a Attempt) (ledger.Transaction, error) {
	if err := validate(a); err != nil {
		return ledger.Transaction{}, err
	}
	if a.Status == "" {
		a.Status = ledger.TransactionStatusPending
	}

	now := r.clock().UTC()
	t := ledger.Transaction{
		ID:             r.newID(),
		UserID:         a.UserID,
		Type:           a.Type,
		Amount:         a.Amount,
		Currency:       a.Currency,
		Status:         a.Status,
		IdempotencyKey: a.IdempotencyKey,
		Metadata:       ledger.MergeMetadata(nil, a.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.InsertTransaction(ctx, t); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return ledger.Transaction{}, ErrDuplicateKey
		}
		return ledger.Transaction{}, err
	}
	return t, nil
}

// Complete moves a PENDING row to COMPLETED.
func (r *Recorder) Complete(ctx context.Context, s ledger.Session, id string, meta map[string]string) (ledger.Transaction, error) {
	return r.transition(ctx, s, id, ledger.TransactionStatusCompleted, meta)
}

// Fail moves a PENDING row to FAILED and stores reason under metadata["error"].
func (r *Recorder) Fail(ctx context.Context, s ledger.Session, id, reason string, meta map[string]string) (ledger.Transaction, error) {
	patch := ledger.MergeMetadata(meta, nil)
	if reason != "" {
		patch[ledger.MetaError] = reason
	}
	return r.transition(ctx, s, id, ledger.TransactionStatusFailed, patch)
}

// Annotate merges meta into a row of any status.
func (r *Recorder) Annotate(ctx context.Context, s ledger.Session, id string, meta map[string]string) (ledger.Transaction, error) {
	return s.AnnotateTransaction(ctx, id, meta, r.clock().UTC())
}

func (r *Recorder) transition(ctx context.Context, s ledger.Session, id string, to ledger.TransactionStatus, meta map[string]string) (ledger.Transaction, error) {
	t, err := s.TransitionTransaction(ctx, id, to, meta, r.clock().UTC())
	if errors.Is(err, ledger.ErrConditionFailed) {
		return ledger.Transaction{}, ErrAlreadyTerminal
	}
	return t, err
}

func validate(a Attempt) error {
	if a.UserID == "" || a.Amount <= 0 || a.Currency == "" {
		return ErrInvalidAttempt
	}
	switch a.Type {
	case ledger.TransactionTypeTopUp, ledger.TransactionTypeCampaignDebit, ledger.TransactionTypeRefund:
	default:
		return ErrInvalidAttempt
	}
	switch a.Status {
	case "", ledger.TransactionStatusPending, ledger.TransactionStatusCompleted, ledger.TransactionStatusFailed:
	default:
		return ErrInvalidAttempt
	}
	return nil
}
