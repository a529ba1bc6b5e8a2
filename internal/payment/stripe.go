package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Observer receives one call per provider round trip.
type Observer interface {
	GatewayCall(op string, d time.Duration, err error)
}

type StripeOptions struct {
	// CallTimeout bounds every provider call. Zero means 15s.
	CallTimeout time.Duration
	// Backends overrides the Stripe HTTP backends (tests point them at httptest).
	Backends *stripe.Backends
	Observer Observer
}

// StripeGateway implements Gateway with PaymentIntents and Subscriptions.
type StripeGateway struct {
	client  *client.API
	timeout time.Duration
	obs     Observer
}

func NewStripeGateway(secretKey string, opts StripeOptions) *StripeGateway {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	sc := &client.API{}
	sc.Init(secretKey, opts.Backends)
	return &StripeGateway{client: sc, timeout: opts.CallTimeout, obs: opts.Observer}
}

// Charge creates and confirms a PaymentIntent. The provider idempotency key
// is the ledger idempotency key, so a retried top-up never charges twice.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.Amount <= 0 || req.Currency == "" || req.PaymentMethodRef == "" {
		return ChargeResult{}, ErrInvalidRequest
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.PaymentMethodRef),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String("topup:" + req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	params.Context = ctx

	start := time.Now()
	pi, err := g.client.PaymentIntents.New(params)
	g.observe("charge", start, err)
	if err != nil {
		return ChargeResult{}, mapStripeError(err)
	}
	return chargeFromIntent(pi), nil
}

func (g *StripeGateway) RetrieveCharge(ctx context.Context, chargeRef string) (ChargeResult, error) {
	if chargeRef == "" {
		return ChargeResult{}, ErrInvalidRequest
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	start := time.Now()
	pi, err := g.client.PaymentIntents.Get(chargeRef, params)
	g.observe("retrieve_charge", start, err)
	if err != nil {
		return ChargeResult{}, mapStripeError(err)
	}
	return chargeFromIntent(pi), nil
}

// FindChargeByTransaction searches PaymentIntents by metadata. Search is
// eventually consistent (about a minute), which callers absorb by only
// looking up rows older than that.
func (g *StripeGateway) FindChargeByTransaction(ctx context.Context, transactionID string) (ChargeResult, error) {
	if transactionID == "" || strings.ContainsAny(transactionID, `'\`) {
		return ChargeResult{}, ErrInvalidRequest
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", MetaTransactionID, transactionID)
	params.Limit = stripe.Int64(1)
	params.Single = true
	params.Context = ctx

	start := time.Now()
	iter := g.client.PaymentIntents.Search(params)
	var pi *stripe.PaymentIntent
	if iter.Next() {
		pi = iter.PaymentIntent()
	}
	err := iter.Err()
	g.observe("find_charge", start, err)
	if err != nil {
		return ChargeResult{}, mapStripeError(err)
	}
	if pi == nil {
		return ChargeResult{}, ErrNotFound
	}
	return chargeFromIntent(pi), nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error) {
	if subscriptionRef == "" {
		return SubscriptionSnapshot{}, ErrInvalidRequest
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := g.client.Subscriptions.Get(subscriptionRef, params)
	g.observe("retrieve_subscription", start, err)
	if err != nil {
		return SubscriptionSnapshot{}, mapStripeError(err)
	}
	// A fetched snapshot is the provider's state as of now.
	return snapshotFromSubscription(sub, time.Now().UTC()), nil
}

func (g *StripeGateway) observe(op string, start time.Time, err error) {
	if g.obs != nil {
		g.obs.GatewayCall(op, time.Since(start), err)
	}
}

func chargeFromIntent(pi *stripe.PaymentIntent) ChargeResult {
	out := ChargeResult{
		ChargeRef:    pi.ID,
		Amount:       pi.Amount,
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Status = ChargeStatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		out.Status = ChargeStatusFailed
		out.FailureReason = string(pi.Status)
		if pi.LastPaymentError != nil {
			out.FailureCode = string(pi.LastPaymentError.Code)
			out.FailureReason = pi.LastPaymentError.Msg
		}
	default:
		// requires_action, requires_confirmation, requires_capture, processing
		out.Status = ChargeStatusPending
	}
	return out
}

func snapshotFromSubscription(sub *stripe.Subscription, observedAt time.Time) SubscriptionSnapshot {
	out := SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		ObservedAt:        observedAt,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Metadata != nil {
		out.UserID = sub.Metadata[MetaUserID]
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CurrentPeriodEnd = &t
	}
	if sub.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethod = sub.DefaultPaymentMethod.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				out.PriceID = item.Price.ID
				break
			}
		}
	}
	return out
}

// mapStripeError converts SDK errors into payment errors so stripe-go types
// never leak past this package.
func mapStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("payment: stripe: %w", err)
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		return &DeclineError{Code: string(stripeErr.Code), Msg: stripeErr.Msg}
	case stripe.ErrorCodeIdempotencyKeyInUse:
		return fmt.Errorf("%w: %s", ErrIdempotencyConflict, stripeErr.Msg)
	case stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrNotFound, stripeErr.Msg)
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, stripeErr.Code)
	}
	if stripeErr.Type == stripe.ErrorTypeCard {
		return &DeclineError{Code: string(stripeErr.Code), Msg: stripeErr.Msg}
	}
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, stripeErr.HTTPStatusCode)
	}
	if stripeErr.Type == stripe.ErrorTypeInvalidRequest {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, stripeErr.Msg)
	}
	return fmt.Errorf("payment: stripe: %w", err)
}

// DeclineError carries the provider decline code. It matches ErrDeclined.
type DeclineError struct {
	Code string
	Msg  string
}

func (e *DeclineError) Error() string {
	if e.Msg == "" {
		return "payment: declined: " + e.Code
	}
	return "payment: declined: " + e.Msg
}

func (e *DeclineError) Is(target error) bool { return target == ErrDeclined }
