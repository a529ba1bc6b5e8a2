package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/ledger"

	"github.com/redis/go-redis/v9"
)

type fakeReader struct {
	txns  map[string]ledger.Transaction
	err   error
	reads int
}

func (f *fakeReader) FindTransactionByKey(ctx context.Context, key string) (ledger.Transaction, error) {
	f.reads++
	if f.err != nil {
		return ledger.Transaction{}, f.err
	}
	t, ok := f.txns[key]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

type countingObserver struct{ states []string }

func (o *countingObserver) IdempotencyDecision(state string) { o.states = append(o.states, state) }

func TestGuard_UnkeyedBypassesDedup(t *testing.T) {
	reader := &fakeReader{}
	g := NewGuard(reader, nil, Options{})

	d, err := g.Check(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Unkeyed || !d.Proceed() {
		t.Fatalf("expected unkeyed proceed, got %+v", d)
	}
	if reader.reads != 0 {
		t.Fatalf("expected no store read for unkeyed check")
	}
}

func TestGuard_ClassifiesByStatus(t *testing.T) {
	reader := &fakeReader{txns: map[string]ledger.Transaction{
		"p": {ID: "1", IdempotencyKey: "p", Status: ledger.TransactionStatusPending},
		"c": {ID: "2", IdempotencyKey: "c", Status: ledger.TransactionStatusCompleted},
		"f": {ID: "3", IdempotencyKey: "f", Status: ledger.TransactionStatusFailed},
	}}
	obs := &countingObserver{}
	g := NewGuard(reader, NewMemoryCache(), Options{Observer: obs})

	cases := map[string]State{
		"p":   StateInFlight,
		"c":   StateAlreadyCompleted,
		"f":   StateAlreadyFailed,
		"new": StateNotStarted,
	}
	for key, want := range cases {
		d, err := g.Check(context.Background(), key)
		if err != nil {
			t.Fatalf("check %s: %v", key, err)
		}
		if d.State != want {
			t.Fatalf("key %s: expected %s, got %s", key, want, d.State)
		}
		if want != StateNotStarted && (d.Transaction == nil || d.Transaction.IdempotencyKey != key) {
			t.Fatalf("key %s: expected existing transaction", key)
		}
	}
	if len(obs.states) != len(cases) {
		t.Fatalf("expected %d observations, got %d", len(cases), len(obs.states))
	}
}

func TestGuard_TerminalResultsServedFromCache(t *testing.T) {
	reader := &fakeReader{txns: map[string]ledger.Transaction{
		"c": {ID: "2", IdempotencyKey: "c", Status: ledger.TransactionStatusCompleted},
		"p": {ID: "1", IdempotencyKey: "p", Status: ledger.TransactionStatusPending},
	}}
	g := NewGuard(reader, NewMemoryCache(), Options{})

	for i := 0; i < 3; i++ {
		if _, err := g.Check(context.Background(), "c"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if reader.reads != 1 {
		t.Fatalf("expected 1 store read for terminal key, got %d", reader.reads)
	}

	for i := 0; i < 3; i++ {
		if _, err := g.Check(context.Background(), "p"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if reader.reads != 4 {
		t.Fatalf("expected pending key to hit the store every time, got %d reads", reader.reads)
	}
}

func TestGuard_ResolveTreatsInvisibleRowAsInFlight(t *testing.T) {
	g := NewGuard(&fakeReader{}, nil, Options{})
	d, err := g.Resolve(context.Background(), "k")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.State != StateInFlight {
		t.Fatalf("expected in-flight, got %s", d.State)
	}
}

func TestGuard_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	g := NewGuard(&fakeReader{err: boom}, nil, Options{})
	if _, err := g.Check(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

type fakeRedis struct {
	vals map[string]string
	ttls map[string]time.Duration
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.vals[key] = string(v)
	case string:
		f.vals[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache_RoundTripsTerminalTransaction(t *testing.T) {
	rdb := &fakeRedis{vals: map[string]string{}, ttls: map[string]time.Duration{}}
	c := NewRedisCache(rdb)

	txn := ledger.Transaction{
		ID: "t1", UserID: "u1", Type: ledger.TransactionTypeCampaignDebit, Amount: 300,
		Status: ledger.TransactionStatusCompleted, IdempotencyKey: "k1",
		Metadata: map[string]string{ledger.MetaBalanceAfter: "200"},
	}
	if err := c.Set(context.Background(), txn, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if rdb.ttls["amplify:idem:k1"] != time.Hour {
		t.Fatalf("expected ttl on prefixed key, got %v", rdb.ttls)
	}

	got, ok, err := c.Get(context.Background(), "k1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ID != "t1" || got.Metadata[ledger.MetaBalanceAfter] != "200" {
		t.Fatalf("unexpected cached txn: %+v", got)
	}

	if _, ok, err := c.Get(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCache_IgnoresNonTerminalPayload(t *testing.T) {
	raw, _ := json.Marshal(ledger.Transaction{ID: "t1", IdempotencyKey: "k1", Status: ledger.TransactionStatusPending})
	rdb := &fakeRedis{vals: map[string]string{"amplify:idem:k1": string(raw)}, ttls: map[string]time.Duration{}}
	c := NewRedisCache(rdb)

	if _, ok, err := c.Get(context.Background(), "k1"); ok || err != nil {
		t.Fatalf("expected pending payload treated as miss, got ok=%v err=%v", ok, err)
	}
}
