package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is an in-memory Gateway for tests.
// It is not intended for production use.
type FakeGateway struct {
	mu sync.Mutex

	// NextStatus is the status returned by the next Charge. Defaults to succeeded.
	NextStatus ChargeStatus
	// NextErr, when set, is returned by the next Charge and then cleared.
	NextErr error
	// LoseNextResponse makes the next Charge create the charge and then fail
	// as if the response timed out.
	LoseNextResponse bool

	charges       map[string]ChargeResult
	byKey         map[string]string
	subscriptions map[string]SubscriptionSnapshot
	requests      []ChargeRequest
	seq           int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		charges:       map[string]ChargeResult{},
		byKey:         map[string]string{},
		subscriptions: map[string]SubscriptionSnapshot{},
	}
}

func (f *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if err := f.NextErr; err != nil {
		f.NextErr = nil
		return ChargeResult{}, err
	}
	// Same provider idempotency semantics: a repeated key returns the original charge.
	if req.IdempotencyKey != "" {
		if ref, ok := f.byKey[req.IdempotencyKey]; ok {
			return f.charges[ref], nil
		}
	}

	f.seq++
	ref := fmt.Sprintf("ch_%d", f.seq)
	status := f.NextStatus
	if status == "" {
		status = ChargeStatusSucceeded
	}
	res := ChargeResult{ChargeRef: ref, Status: status, Amount: req.Amount, Metadata: req.Metadata}
	if status == ChargeStatusPending {
		res.ClientSecret = ref + "_secret"
	}
	if status == ChargeStatusFailed {
		res.FailureCode = "card_declined"
		res.FailureReason = "Your card was declined."
	}
	f.charges[ref] = res
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = ref
	}
	if f.LoseNextResponse {
		f.LoseNextResponse = false
		return ChargeResult{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, context.DeadlineExceeded)
	}
	return res, nil
}

func (f *FakeGateway) FindChargeByTransaction(ctx context.Context, transactionID string) (ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, res := range f.charges {
		if res.Metadata[MetaTransactionID] == transactionID {
			return res, nil
		}
	}
	return ChargeResult{}, ErrNotFound
}

func (f *FakeGateway) RetrieveCharge(ctx context.Context, chargeRef string) (ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.charges[chargeRef]
	if !ok {
		return ChargeResult{}, ErrNotFound
	}
	return res, nil
}

func (f *FakeGateway) RetrieveSubscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[subscriptionRef]
	if !ok {
		return SubscriptionSnapshot{}, ErrNotFound
	}
	return s, nil
}

// SettleCharge sets the provider-side outcome of a charge.
func (f *FakeGateway) SettleCharge(chargeRef string, status ChargeStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.charges[chargeRef]
	res.ChargeRef = chargeRef
	res.Status = status
	res.FailureReason = reason
	f.charges[chargeRef] = res
}

// PutSubscription sets what RetrieveSubscription returns.
func (f *FakeGateway) PutSubscription(s SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = s
}

// Requests returns every Charge request seen so far.
func (f *FakeGateway) Requests() []ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChargeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}
