package payment

import (
	"context"
	"errors"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"
)

// Gateway is the provider-agnostic interface used by business logic.
//
// Rules:
// - No provider SDK calls outside payment adapters.
// - Request/response types stay provider-agnostic; raw provider data is
//   reduced to refs and metadata before it leaves the adapter.
type Gateway interface {
	// Charge starts a payment. A Pending result means the provider needs
	// more work (customer authentication) and will report the outcome later.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// RetrieveCharge reads the current provider state of a charge.
	RetrieveCharge(ctx context.Context, chargeRef string) (ChargeResult, error)
	// FindChargeByTransaction looks a charge up by the transaction id
	// attached at charge time. Used when the charge response never arrived.
	// Returns ErrNotFound when the provider has no such charge.
	FindChargeByTransaction(ctx context.Context, transactionID string) (ChargeResult, error)
	// RetrieveSubscription reads the current provider state of a subscription.
	RetrieveSubscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error)
}

var (
	ErrInvalidRequest = errors.New("payment: invalid request")
	// ErrDeclined covers card and payment-method rejections. Never retryable.
	ErrDeclined            = errors.New("payment: declined")
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrIdempotencyConflict means the provider saw the same key with
	// different parameters.
	ErrIdempotencyConflict = errors.New("payment: idempotency key conflict")
	ErrNotFound            = errors.New("payment: not found")
)

type ChargeRequest struct {
	// Amount is in minor units.
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	PaymentMethodRef string            `json:"payment_method_ref"`
	CustomerRef      string            `json:"customer_ref,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusFailed    ChargeStatus = "failed"
)

type ChargeResult struct {
	ChargeRef    string       `json:"charge_ref"`
	Status       ChargeStatus `json:"status"`
	Amount       int64        `json:"amount,omitempty"`
	ClientSecret string       `json:"client_secret,omitempty"`

	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Metadata echoes what was attached at charge time (transaction_id, user_id).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Metadata keys attached to provider objects.
const (
	MetaTransactionID = "transaction_id"
	MetaUserID        = "user_id"
)

// SubscriptionSnapshot is a provider subscription as of ObservedAt.
type SubscriptionSnapshot struct {
	ID                   string     `json:"id"`
	CustomerRef          string     `json:"customer_ref,omitempty"`
	UserID               string     `json:"user_id,omitempty"`
	Status               string     `json:"status"`
	PriceID              string     `json:"price_id,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	DefaultPaymentMethod string     `json:"default_payment_method,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// State converts the snapshot into the cached profile fields.
func (s SubscriptionSnapshot) State() ledger.SubscriptionState {
	return ledger.SubscriptionState{
		SubscriptionID:       s.ID,
		PriceID:              s.PriceID,
		Status:               s.Status,
		CurrentPeriodEnd:     s.CurrentPeriodEnd,
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
		DefaultPaymentMethod: s.DefaultPaymentMethod,
		ObservedAt:           s.ObservedAt,
	}
}

// Terminal reports whether the provider has ended the subscription.
func (s SubscriptionSnapshot) Terminal() bool {
	return s.Status == "canceled" || s.Status == "incomplete_expired"
}
