package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test"

func signPayload(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id, typ string, created int64, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, typ, created, object))
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	payload := eventPayload("evt_1", "payment_intent.succeeded", time.Now().Unix(), `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)

	_, err := w.VerifyAndParse(payload, signPayload(t, payload, "whsec_other", time.Now()))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	_, err = w.VerifyAndParse(payload, "")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestStripeWebhook_ChargeSucceeded(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	created := time.Now().Unix()
	payload := eventPayload("evt_1", "payment_intent.succeeded", created,
		`{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":1000,"metadata":{"transaction_id":"txn-1","user_id":"u1"}}`)

	ev, err := w.VerifyAndParse(payload, signPayload(t, payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != EventChargeSucceeded || ev.ProviderType != "payment_intent.succeeded" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.OccurredAt.Unix() != created {
		t.Fatalf("expected occurred_at from event created")
	}
	if ev.Charge == nil || ev.Charge.ChargeRef != "pi_1" || ev.Charge.Amount != 1000 {
		t.Fatalf("unexpected charge: %+v", ev.Charge)
	}
	if ev.Charge.Metadata[MetaTransactionID] != "txn-1" {
		t.Fatalf("expected transaction_id metadata, got %+v", ev.Charge.Metadata)
	}
}

func TestStripeWebhook_ChargeFailedCarriesReason(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	payload := eventPayload("evt_2", "payment_intent.payment_failed", time.Now().Unix(),
		`{"id":"pi_2","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}`)

	ev, err := w.VerifyAndParse(payload, signPayload(t, payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventChargeFailed || ev.Charge.Status != ChargeStatusFailed {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Charge.FailureCode != "card_declined" || ev.Charge.FailureReason != "Your card was declined." {
		t.Fatalf("unexpected failure: %+v", ev.Charge)
	}
}

func TestStripeWebhook_SubscriptionUpdated(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	created := time.Now().Unix()
	payload := eventPayload("evt_3", "customer.subscription.updated", created, `{
		"id":"sub_1","object":"subscription","status":"active","customer":"cus_1",
		"cancel_at_period_end":true,"current_period_end":1900000000,
		"default_payment_method":"pm_1","metadata":{"user_id":"u1"},
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro","object":"price"}}]}
	}`)

	ev, err := w.VerifyAndParse(payload, signPayload(t, payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventSubscriptionUpdated || ev.Subscription == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	s := ev.Subscription
	if s.ID != "sub_1" || s.CustomerRef != "cus_1" || s.UserID != "u1" || s.PriceID != "price_pro" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if !s.CancelAtPeriodEnd || s.DefaultPaymentMethod != "pm_1" || s.CurrentPeriodEnd == nil || s.CurrentPeriodEnd.Unix() != 1900000000 {
		t.Fatalf("unexpected snapshot fields: %+v", s)
	}
	if s.ObservedAt.Unix() != created {
		t.Fatalf("expected observed_at = event created")
	}
}

func TestStripeWebhook_InvoiceCarriesSubscriptionRef(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	payload := eventPayload("evt_4", "invoice.payment_failed", time.Now().Unix(),
		`{"id":"in_1","object":"invoice","subscription":"sub_1","customer":"cus_1"}`)

	ev, err := w.VerifyAndParse(payload, signPayload(t, payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventInvoicePaymentFailed || ev.SubscriptionRef != "sub_1" || ev.CustomerRef != "cus_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStripeWebhook_UnknownTypeIsIgnored(t *testing.T) {
	w := NewStripeWebhook(testWebhookSecret)
	payload := eventPayload("evt_5", "charge.refund.updated", time.Now().Unix(), `{"id":"re_1","object":"refund"}`)

	ev, err := w.VerifyAndParse(payload, signPayload(t, payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventIgnored || ev.ID != "evt_5" {
		t.Fatalf("expected ignored event, got %+v", ev)
	}
}
