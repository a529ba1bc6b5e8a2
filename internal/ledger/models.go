package ledger

import "time"

// Wallet holds a user's spendable balance.
// Invariant: balance never goes below zero after a committed mutation.
// The check lives in the conditional debit, not in a stored constraint.
type Wallet struct {
	ID       string       `json:"id" db:"id"`
	UserID   string       `json:"user_id" db:"user_id"`
	Balance  int64        `json:"balance" db:"balance"`
	Currency string       `json:"currency" db:"currency"`
	Status   WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive WalletStatus = "ACTIVE"
	WalletStatusFrozen WalletStatus = "FROZEN"
	WalletStatusClosed WalletStatus = "CLOSED"
)

// Transaction is one attempted balance-affecting operation.
// Rows are never deleted; after COMPLETED or FAILED only Metadata may change.
type Transaction struct {
	ID     string          `json:"id" db:"id"`
	UserID string          `json:"user_id" db:"user_id"`
	Type   TransactionType `json:"type" db:"type"`

	// Amount is always positive; the sign of the effect follows Type.
	Amount   int64             `json:"amount" db:"amount"`
	Currency string            `json:"currency" db:"currency"`
	Status   TransactionStatus `json:"status" db:"status"`

	// IdempotencyKey is optional. When set it is globally unique.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type TransactionType string

const (
	TransactionTypeTopUp         TransactionType = "TOP_UP"
	TransactionTypeCampaignDebit TransactionType = "CAMPAIGN_DEBIT"
	TransactionTypeRefund        TransactionType = "REFUND"
)

// IsCredit reports whether a completed transaction of this type adds funds.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeTopUp || t == TransactionTypeRefund
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Well-known metadata keys.
const (
	MetaChargeRef     = "charge_ref"
	MetaClientSecret  = "client_secret"
	MetaPaymentMethod = "payment_method"
	MetaError         = "error"
	MetaErrorCode     = "error_code"
	MetaBalanceBefore = "balance_before"
	MetaBalanceAfter  = "balance_after"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaActor         = "actor"
)

// Profile is the user's billing profile. The subscription fields are a
// cache of provider state maintained by reconciliation.
type Profile struct {
	UserID      string `json:"user_id" db:"user_id"`
	CustomerRef string `json:"customer_ref,omitempty" db:"customer_ref"`

	SubscriptionID        string        `json:"subscription_id,omitempty" db:"subscription_id"`
	ActivePriceID         string        `json:"active_price_id,omitempty" db:"active_price_id"`
	SubscriptionStatus    string        `json:"subscription_status,omitempty" db:"subscription_status"`
	CurrentPeriodEnd      *time.Time    `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd     bool          `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	HasActiveSubscription bool          `json:"has_active_subscription" db:"has_active_subscription"`
	PaymentStatus         PaymentStatus `json:"payment_status" db:"payment_status"`
	DefaultPaymentMethod  string        `json:"default_payment_method,omitempty" db:"default_payment_method"`

	// EndedSubscriptionID is the last subscription id a delete event
	// terminated. Updates for it are ignored.
	EndedSubscriptionID string `json:"ended_subscription_id,omitempty" db:"ended_subscription_id"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

type PaymentStatus string

const (
	PaymentStatusActive   PaymentStatus = "active"
	PaymentStatusPastDue  PaymentStatus = "past_due"
	PaymentStatusCanceled PaymentStatus = "canceled"
	PaymentStatusNone     PaymentStatus = "none"
)

// SubscriptionState is a provider subscription snapshot ready to be cached.
type SubscriptionState struct {
	SubscriptionID       string
	PriceID              string
	Status               string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	DefaultPaymentMethod string

	// ObservedAt is the provider time the snapshot describes.
	ObservedAt time.Time
}

// HasActiveSubscription derives the access flag from a provider status.
// A scheduled cancellation keeps status active, so it stays true.
func HasActiveSubscription(status string) bool {
	return status == "active" || status == "trialing"
}

// DerivePaymentStatus maps a provider subscription status to PaymentStatus.
func DerivePaymentStatus(status string) PaymentStatus {
	switch status {
	case "active", "trialing":
		return PaymentStatusActive
	case "past_due", "unpaid":
		return PaymentStatusPastDue
	case "canceled":
		return PaymentStatusCanceled
	default:
		return PaymentStatusNone
	}
}

// ProcessedEvent marks a provider event as handled.
type ProcessedEvent struct {
	EventID    string    `json:"event_id" db:"event_id"`
	Type       string    `json:"type" db:"type"`
	Outcome    string    `json:"outcome" db:"outcome"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergeMetadata returns base overlaid with patch. Neither input is modified.
func MergeMetadata(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
