package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taolaktech/amplify-wallet/pkg/utils"

	"github.com/google/uuid"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the ledger schema in one transaction. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	err := utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schemaSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// PostgresStore implements Store on database/sql with the pgx driver.
// Each Session owns one *sql.Tx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Begin(ctx context.Context) (Session, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgSession{tx: tx}, nil
}

func (p *PostgresStore) FindWallet(ctx context.Context, userID string) (Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx, selectWallet+` WHERE user_id = $1`, userID))
}

func (p *PostgresStore) FindTransactionByKey(ctx context.Context, key string) (Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx, selectTransaction+` WHERE idempotency_key = $1`, key))
}

func (p *PostgresStore) FindProfile(ctx context.Context, userID string) (Profile, error) {
	return scanProfile(p.db.QueryRowContext(ctx, selectProfile+` WHERE user_id = $1`, userID))
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTransaction+`
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC`, userID, from, to)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, t TransactionType, before time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, selectTransaction+`
WHERE type = $1 AND status = 'PENDING' AND created_at < $2
ORDER BY created_at ASC
LIMIT $3`, t, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

type pgSession struct {
	tx *sql.Tx
}

func (s *pgSession) Commit(ctx context.Context) error { return s.tx.Commit() }

func (s *pgSession) Abort(ctx context.Context) error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (s *pgSession) EnsureWallet(ctx context.Context, w Wallet) (Wallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	const q = `
INSERT INTO wallets (id, user_id, balance, currency, status, created_at, updated_at)
VALUES ($1, $2, 0, $3, 'ACTIVE', $4, $4)
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := s.tx.ExecContext(ctx, q, w.ID, w.UserID, w.Currency, w.CreatedAt); err != nil {
		return Wallet{}, err
	}
	return s.FindWallet(ctx, w.UserID)
}

func (s *pgSession) FindWallet(ctx context.Context, userID string) (Wallet, error) {
	return scanWallet(s.tx.QueryRowContext(ctx, selectWallet+` WHERE user_id = $1`, userID))
}

func (s *pgSession) CreditWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error) {
	const q = `
UPDATE wallets SET balance = balance + $2, updated_at = $3
WHERE user_id = $1 AND status <> 'CLOSED'
RETURNING ` + walletColumns
	return conditional(scanWallet(s.tx.QueryRowContext(ctx, q, userID, amount, now)))
}

func (s *pgSession) DebitWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error) {
	const q = `
UPDATE wallets SET balance = balance - $2, updated_at = $3
WHERE user_id = $1 AND status = 'ACTIVE' AND balance >= $2
RETURNING ` + walletColumns
	return conditional(scanWallet(s.tx.QueryRowContext(ctx, q, userID, amount, now)))
}

func (s *pgSession) SetWalletStatus(ctx context.Context, userID string, from []WalletStatus, to WalletStatus, now time.Time) (Wallet, error) {
	fromStr := make([]string, 0, len(from))
	for _, f := range from {
		fromStr = append(fromStr, string(f))
	}
	const q = `
UPDATE wallets SET status = $2, updated_at = $3
WHERE user_id = $1 AND status = ANY($4)
RETURNING ` + walletColumns
	w, err := scanWallet(s.tx.QueryRowContext(ctx, q, userID, to, now, fromStr))
	if errors.Is(err, ErrNotFound) {
		if _, ferr := s.FindWallet(ctx, userID); ferr != nil {
			return Wallet{}, ferr
		}
		return Wallet{}, ErrConditionFailed
	}
	return w, err
}

func (s *pgSession) InsertTransaction(ctx context.Context, t Transaction) error {
	meta, err := encodeMeta(t.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO transactions (
  id, user_id, type, amount, currency, status, idempotency_key, metadata, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10)
`
	_, err = s.tx.ExecContext(ctx, q,
		t.ID,
		t.UserID,
		t.Type,
		t.Amount,
		t.Currency,
		t.Status,
		t.IdempotencyKey,
		meta,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return mapPgError(err)
}

func (s *pgSession) FindTransaction(ctx context.Context, id string) (Transaction, error) {
	return scanTransaction(s.tx.QueryRowContext(ctx, selectTransaction+` WHERE id = $1`, id))
}

func (s *pgSession) FindTransactionByKey(ctx context.Context, key string) (Transaction, error) {
	return scanTransaction(s.tx.QueryRowContext(ctx, selectTransaction+` WHERE idempotency_key = $1`, key))
}

func (s *pgSession) FindPendingByChargeRef(ctx context.Context, chargeRef string) (Transaction, error) {
	return scanTransaction(s.tx.QueryRowContext(ctx, selectTransaction+`
WHERE metadata->>'charge_ref' = $1 AND status = 'PENDING'
ORDER BY created_at ASC
LIMIT 1`, chargeRef))
}

func (s *pgSession) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, meta map[string]string, now time.Time) (Transaction, error) {
	patch, err := encodeMeta(meta)
	if err != nil {
		return Transaction{}, err
	}
	const q = `
UPDATE transactions SET status = $2, metadata = metadata || $3::jsonb, updated_at = $4
WHERE id = $1 AND status = 'PENDING'
RETURNING ` + transactionColumns
	t, err := scanTransaction(s.tx.QueryRowContext(ctx, q, id, to, patch, now))
	if errors.Is(err, ErrNotFound) {
		if _, ferr := s.FindTransaction(ctx, id); ferr != nil {
			return Transaction{}, ferr
		}
		return Transaction{}, ErrConditionFailed
	}
	return t, err
}

func (s *pgSession) AnnotateTransaction(ctx context.Context, id string, meta map[string]string, now time.Time) (Transaction, error) {
	patch, err := encodeMeta(meta)
	if err != nil {
		return Transaction{}, err
	}
	const q = `
UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = $3
WHERE id = $1
RETURNING ` + transactionColumns
	return scanTransaction(s.tx.QueryRowContext(ctx, q, id, patch, now))
}

func (s *pgSession) FindProfile(ctx context.Context, userID string) (Profile, error) {
	return scanProfile(s.tx.QueryRowContext(ctx, selectProfile+` WHERE user_id = $1`, userID))
}

func (s *pgSession) FindProfileByCustomer(ctx context.Context, customerRef string) (Profile, error) {
	return scanProfile(s.tx.QueryRowContext(ctx, selectProfile+` WHERE customer_ref = $1`, customerRef))
}

func (s *pgSession) ensureProfile(ctx context.Context, userID string, now time.Time) error {
	const q = `
INSERT INTO billing_profiles (user_id, payment_status, updated_at)
VALUES ($1, 'none', $2)
ON CONFLICT (user_id) DO NOTHING
`
	_, err := s.tx.ExecContext(ctx, q, userID, now)
	return err
}

func (s *pgSession) LinkCustomer(ctx context.Context, userID, customerRef string, now time.Time) (Profile, error) {
	const q = `
INSERT INTO billing_profiles (user_id, customer_ref, payment_status, updated_at)
VALUES ($1, $2, 'none', $3)
ON CONFLICT (user_id) DO UPDATE
  SET customer_ref = EXCLUDED.customer_ref, updated_at = EXCLUDED.updated_at
  WHERE billing_profiles.customer_ref IS NULL OR billing_profiles.customer_ref = EXCLUDED.customer_ref
RETURNING ` + profileColumns
	p, err := scanProfile(s.tx.QueryRowContext(ctx, q, userID, customerRef, now))
	if errors.Is(err, ErrNotFound) {
		return Profile{}, ErrConditionFailed
	}
	return p, mapPgError(err)
}

func (s *pgSession) ApplySubscription(ctx context.Context, userID string, st SubscriptionState, now time.Time) (Profile, error) {
	if err := s.ensureProfile(ctx, userID, now); err != nil {
		return Profile{}, err
	}
	const q = `
UPDATE billing_profiles SET
  subscription_id = $2,
  active_price_id = NULLIF($3,''),
  subscription_status = $4,
  current_period_end = $5,
  cancel_at_period_end = $6,
  has_active_subscription = $7,
  payment_status = $8,
  default_payment_method = COALESCE(NULLIF($9,''), default_payment_method),
  last_synced_at = $10,
  updated_at = $11
WHERE user_id = $1
  AND (last_synced_at IS NULL OR last_synced_at <= $10)
  AND (ended_subscription_id IS NULL OR ended_subscription_id <> $2)
RETURNING ` + profileColumns
	p, err := scanProfile(s.tx.QueryRowContext(ctx, q,
		userID,
		st.SubscriptionID,
		st.PriceID,
		st.Status,
		st.CurrentPeriodEnd,
		st.CancelAtPeriodEnd,
		HasActiveSubscription(st.Status),
		DerivePaymentStatus(st.Status),
		st.DefaultPaymentMethod,
		st.ObservedAt,
		now,
	))
	return conditionalProfile(p, err)
}

func (s *pgSession) ClearSubscription(ctx context.Context, userID, subscriptionID string, observedAt, now time.Time) (Profile, error) {
	if err := s.ensureProfile(ctx, userID, now); err != nil {
		return Profile{}, err
	}
	const q = `
UPDATE billing_profiles SET
  subscription_id = NULL,
  active_price_id = NULL,
  subscription_status = 'canceled',
  current_period_end = NULL,
  cancel_at_period_end = FALSE,
  has_active_subscription = FALSE,
  payment_status = 'canceled',
  ended_subscription_id = $2,
  last_synced_at = GREATEST(COALESCE(last_synced_at, $3), $3),
  updated_at = $4
WHERE user_id = $1
  AND (subscription_id IS NULL OR subscription_id = $2)
  AND ended_subscription_id IS DISTINCT FROM $2
RETURNING ` + profileColumns
	p, err := scanProfile(s.tx.QueryRowContext(ctx, q, userID, subscriptionID, observedAt, now))
	return conditionalProfile(p, err)
}

func (s *pgSession) MarkEventProcessed(ctx context.Context, e ProcessedEvent) error {
	const q = `
INSERT INTO processed_events (event_id, type, outcome, occurred_at, created_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := s.tx.ExecContext(ctx, q, e.EventID, e.Type, e.Outcome, e.OccurredAt, e.CreatedAt)
	return mapPgError(err)
}

// --- scanning ---

const walletColumns = `id, user_id, balance, currency, status, created_at, updated_at`

const selectWallet = `SELECT ` + walletColumns + ` FROM wallets`

const transactionColumns = `id, user_id, type, amount, currency, status, COALESCE(idempotency_key, ''), metadata, created_at, updated_at`

const selectTransaction = `SELECT ` + transactionColumns + ` FROM transactions`

const profileColumns = `user_id, COALESCE(customer_ref,''), COALESCE(subscription_id,''), COALESCE(active_price_id,''),
  COALESCE(subscription_status,''), current_period_end, cancel_at_period_end, has_active_subscription,
  payment_status, COALESCE(default_payment_method,''), COALESCE(ended_subscription_id,''), last_synced_at, updated_at`

const selectProfile = `SELECT ` + profileColumns + ` FROM billing_profiles`

func scanWallet(row utils.RowScanner) (Wallet, error) {
	var w Wallet
	if err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Balance,
		&w.Currency,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func scanTransaction(row utils.RowScanner) (Transaction, error) {
	var t Transaction
	var meta []byte
	if err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Type,
		&t.Amount,
		&t.Currency,
		&t.Status,
		&t.IdempotencyKey,
		&meta,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("ledger: decode metadata: %w", err)
		}
	}
	return t, nil
}

func collectTransactions(rows *sql.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanProfile(row utils.RowScanner) (Profile, error) {
	var p Profile
	var periodEnd, synced sql.NullTime
	if err := row.Scan(
		&p.UserID,
		&p.CustomerRef,
		&p.SubscriptionID,
		&p.ActivePriceID,
		&p.SubscriptionStatus,
		&periodEnd,
		&p.CancelAtPeriodEnd,
		&p.HasActiveSubscription,
		&p.PaymentStatus,
		&p.DefaultPaymentMethod,
		&p.EndedSubscriptionID,
		&synced,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		p.CurrentPeriodEnd = &t
	}
	if synced.Valid {
		t := synced.Time
		p.LastSyncedAt = &t
	}
	return p, nil
}

func encodeMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", err)
	}
	return b, nil
}

func conditional(w Wallet, err error) (Wallet, error) {
	if errors.Is(err, ErrNotFound) {
		return Wallet{}, ErrConditionFailed
	}
	return w, err
}

func conditionalProfile(p Profile, err error) (Profile, error) {
	if errors.Is(err, ErrNotFound) {
		return Profile{}, ErrConditionFailed
	}
	return p, err
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if utils.IsUniqueViolation(err, "") {
		return ErrDuplicateKey
	}
	return err
}
