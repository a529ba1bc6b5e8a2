package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
)

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) GatewayCall(op string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*StripeGateway, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	obs := &recordingObserver{}
	g := NewStripeGateway("sk_test_123", StripeOptions{
		CallTimeout: 2 * time.Second,
		Backends:    &stripe.Backends{API: backend, Connect: backend, Uploads: backend},
		Observer:    obs,
	})
	return g, obs
}

func TestStripeGateway_ChargeRequiresAction(t *testing.T) {
	var gotKey, gotBody string
	g, obs := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotBody = r.PostForm.Encode()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"requires_action","client_secret":"pi_1_secret_x","amount":1000}`))
	})

	res, err := g.Charge(context.Background(), ChargeRequest{
		Amount: 1000, Currency: "USD", PaymentMethodRef: "pm_1", CustomerRef: "cus_1",
		IdempotencyKey: "k1", Metadata: map[string]string{MetaTransactionID: "txn-1"},
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Status != ChargeStatusPending || res.ChargeRef != "pi_1" || res.ClientSecret != "pi_1_secret_x" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotKey != "topup:k1" {
		t.Fatalf("expected provider idempotency key, got %q", gotKey)
	}
	if !strings.Contains(gotBody, "currency=usd") || !strings.Contains(gotBody, "metadata%5Btransaction_id%5D=txn-1") {
		t.Fatalf("unexpected form body: %s", gotBody)
	}
	if len(obs.ops) != 1 || obs.ops[0] != "charge" {
		t.Fatalf("expected one observed charge call, got %v", obs.ops)
	}
}

func TestStripeGateway_ChargeDeclined(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})

	_, err := g.Charge(context.Background(), ChargeRequest{Amount: 1000, Currency: "usd", PaymentMethodRef: "pm_1"})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	var de *DeclineError
	if !errors.As(err, &de) || de.Code != "card_declined" {
		t.Fatalf("expected decline code, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("declines must not be retryable")
	}
}

func TestStripeGateway_ProviderOutageIsRetryable(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"overloaded"}}`))
	})

	_, err := g.RetrieveCharge(context.Background(), "pi_1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
}

func TestStripeGateway_RetrieveSubscription(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","status":"past_due","customer":"cus_1",
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_basic","object":"price"}}]}}`))
	})

	s, err := g.RetrieveSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if s.Status != "past_due" || s.PriceID != "price_basic" || s.CustomerRef != "cus_1" || s.ObservedAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestStripeGateway_ValidatesBeforeNetwork(t *testing.T) {
	g, obs := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected network call")
	})
	if _, err := g.Charge(context.Background(), ChargeRequest{Amount: 0, Currency: "usd", PaymentMethodRef: "pm"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := g.RetrieveSubscription(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(obs.ops) != 0 {
		t.Fatalf("expected no observed calls")
	}
}

func TestChargeFromIntent_MapsStatuses(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]ChargeStatus{
		stripe.PaymentIntentStatusSucceeded:             ChargeStatusSucceeded,
		stripe.PaymentIntentStatusProcessing:            ChargeStatusPending,
		stripe.PaymentIntentStatusRequiresAction:        ChargeStatusPending,
		stripe.PaymentIntentStatusRequiresPaymentMethod: ChargeStatusFailed,
		stripe.PaymentIntentStatusCanceled:              ChargeStatusFailed,
	}
	for in, want := range cases {
		got := chargeFromIntent(&stripe.PaymentIntent{ID: "pi", Status: in})
		if got.Status != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got.Status)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be retryable")
	}
	if IsRetryable(ErrIdempotencyConflict) {
		t.Fatalf("idempotency conflict should not be retryable")
	}
	if !IsRetryable(&stripe.Error{Code: stripe.ErrorCodeRateLimit, HTTPStatusCode: 429}) {
		t.Fatalf("rate limit should be retryable")
	}
	if IsRetryable(errors.New("boom")) {
		t.Fatalf("unknown errors are not retryable")
	}
}

func TestStripeGateway_FindChargeByTransaction(t *testing.T) {
	var gotQuery string
	g, obs := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payment_intents/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[
			{"id":"pi_late","object":"payment_intent","status":"succeeded","amount":1000,"metadata":{"transaction_id":"txn-1"}}]}`))
	})

	res, err := g.FindChargeByTransaction(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.ChargeRef != "pi_late" || res.Status != ChargeStatusSucceeded || res.Metadata[MetaTransactionID] != "txn-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotQuery != "metadata['transaction_id']:'txn-1'" {
		t.Fatalf("unexpected search query %q", gotQuery)
	}
	if len(obs.ops) != 1 || obs.ops[0] != "find_charge" {
		t.Fatalf("expected one observed lookup, got %v", obs.ops)
	}
}

func TestStripeGateway_FindChargeByTransactionNotFound(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[]}`))
	})

	if _, err := g.FindChargeByTransaction(context.Background(), "txn-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := g.FindChargeByTransaction(context.Background(), "x' OR '1"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected quoted ids to be rejected, got %v", err)
	}
}

func TestRejected_OnlyForDefinitiveRefusals(t *testing.T) {
	if !Rejected(&DeclineError{Code: "card_declined"}) || !Rejected(ErrInvalidRequest) {
		t.Fatalf("declines and invalid requests are definitive")
	}
	for _, err := range []error{ErrProviderUnavailable, ErrIdempotencyConflict, context.DeadlineExceeded, errors.New("eof")} {
		if Rejected(err) {
			t.Fatalf("%v leaves the outcome unknown", err)
		}
	}
}
