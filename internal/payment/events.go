package payment

import "time"

// EventType is the provider-agnostic dispatch key for a verified event.
type EventType string

const (
	EventChargeSucceeded       EventType = "charge.succeeded"
	EventChargeFailed          EventType = "charge.failed"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionDeleted   EventType = "subscription.deleted"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventSubscriptionScheduled EventType = "subscription.schedule_changed"
	EventIgnored               EventType = "ignored"
)

// Event is a verified provider notification reduced to what reconciliation
// needs. Exactly one of Charge, Subscription or SubscriptionRef is set for
// actionable types.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ProviderType string    `json:"provider_type"`
	OccurredAt   time.Time `json:"occurred_at"`

	Charge       *ChargeResult         `json:"charge,omitempty"`
	Subscription *SubscriptionSnapshot `json:"subscription,omitempty"`

	// SubscriptionRef and CustomerRef are set for invoice events; the
	// subscription itself must be re-read from the provider.
	SubscriptionRef string `json:"subscription_ref,omitempty"`
	CustomerRef     string `json:"customer_ref,omitempty"`
}
