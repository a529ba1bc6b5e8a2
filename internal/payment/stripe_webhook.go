package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// StripeWebhook verifies Stripe-Signature headers and normalises events.
// Business decisions are not made here.
type StripeWebhook struct {
	secret string
}

func NewStripeWebhook(secret string) *StripeWebhook {
	return &StripeWebhook{secret: secret}
}

// VerifyAndParse checks the signature and returns the normalised event.
// Unknown event types come back as EventIgnored, not as an error, so the
// caller can acknowledge them.
func (w *StripeWebhook) VerifyAndParse(payload []byte, signatureHeader string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normalize(evt)
}

func normalize(evt stripe.Event) (Event, error) {
	out := Event{
		ID:           evt.ID,
		ProviderType: string(evt.Type),
		OccurredAt:   time.Unix(evt.Created, 0).UTC(),
		Type:         EventIgnored,
	}
	if evt.Data == nil {
		return out, nil
	}
	raw := evt.Data.Raw

	switch evt.Type {
	case "payment_intent.succeeded":
		c, err := decodeIntent(raw)
		if err != nil {
			return Event{}, err
		}
		c.Status = ChargeStatusSucceeded
		out.Type, out.Charge = EventChargeSucceeded, &c

	case "payment_intent.payment_failed", "payment_intent.canceled":
		c, err := decodeIntent(raw)
		if err != nil {
			return Event{}, err
		}
		c.Status = ChargeStatusFailed
		if c.FailureReason == "" {
			c.FailureReason = strings.TrimPrefix(string(evt.Type), "payment_intent.")
		}
		out.Type, out.Charge = EventChargeFailed, &c

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.paused", "customer.subscription.resumed":
		s, err := decodeSubscription(raw, out.OccurredAt)
		if err != nil {
			return Event{}, err
		}
		out.Type, out.Subscription = EventSubscriptionUpdated, &s

	case "customer.subscription.deleted":
		s, err := decodeSubscription(raw, out.OccurredAt)
		if err != nil {
			return Event{}, err
		}
		out.Type, out.Subscription = EventSubscriptionDeleted, &s

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return Event{}, fmt.Errorf("payment: decode invoice: %w", err)
		}
		if inv.Subscription != nil {
			out.SubscriptionRef = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerRef = inv.Customer.ID
		}
		out.Type = EventInvoicePaid
		if evt.Type == "invoice.payment_failed" {
			out.Type = EventInvoicePaymentFailed
		}

	case "subscription_schedule.created", "subscription_schedule.updated",
		"subscription_schedule.released", "subscription_schedule.canceled":
		out.Type = EventSubscriptionScheduled
	}
	return out, nil
}

func decodeIntent(raw json.RawMessage) (ChargeResult, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return ChargeResult{}, fmt.Errorf("payment: decode payment intent: %w", err)
	}
	return chargeFromIntent(&pi), nil
}

func decodeSubscription(raw json.RawMessage, observedAt time.Time) (SubscriptionSnapshot, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return SubscriptionSnapshot{}, fmt.Errorf("payment: decode subscription: %w", err)
	}
	return snapshotFromSubscription(&sub, observedAt), nil
}
