package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store useful for tests.
// Sessions are serialised: Begin blocks until the previous session
// finishes, which gives the same guarantees as a serializable database.
// It is not intended for production use.
type MemoryStore struct {
	sessionMu sync.Mutex

	mu        sync.RWMutex
	committed *memState

	failMu         sync.Mutex
	failNextCommit error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{committed: newMemState()}
}

// FailNextCommit makes the next Commit return err and discard its writes.
func (m *MemoryStore) FailNextCommit(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failNextCommit = err
}

func (m *MemoryStore) takeCommitFailure() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	err := m.failNextCommit
	m.failNextCommit = nil
	return err
}

func (m *MemoryStore) Begin(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.sessionMu.Lock()
	m.mu.RLock()
	staged := m.committed.clone()
	m.mu.RUnlock()
	return &memSession{store: m, st: staged}, nil
}

func (m *MemoryStore) FindWallet(ctx context.Context, userID string) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed.findWallet(userID)
}

func (m *MemoryStore) FindTransactionByKey(ctx context.Context, key string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed.findByKey(key)
}

func (m *MemoryStore) FindProfile(ctx context.Context, userID string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.committed.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, id := range m.committed.order {
		t := m.committed.txns[id]
		if t.UserID != userID {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		out = append(out, t.copy())
	}
	return out, nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, typ TransactionType, before time.Time, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, id := range m.committed.order {
		t := m.committed.txns[id]
		if t.Type != typ || t.Status != TransactionStatusPending || !t.CreatedAt.Before(before) {
			continue
		}
		out = append(out, t.copy())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transactions returns every committed transaction for a user.
func (m *MemoryStore) Transactions(userID string) []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, id := range m.committed.order {
		if t := m.committed.txns[id]; t.UserID == userID {
			out = append(out, t.copy())
		}
	}
	return out
}

type memState struct {
	wallets   map[string]Wallet
	txns      map[string]Transaction
	keys      map[string]string
	order     []string
	profiles  map[string]Profile
	customers map[string]string
	events    map[string]ProcessedEvent
}

func newMemState() *memState {
	return &memState{
		wallets:   map[string]Wallet{},
		txns:      map[string]Transaction{},
		keys:      map[string]string{},
		profiles:  map[string]Profile{},
		customers: map[string]string{},
		events:    map[string]ProcessedEvent{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.txns {
		out.txns[k] = v.copy()
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	out.order = append([]string(nil), s.order...)
	for k, v := range s.profiles {
		out.profiles[k] = v
	}
	for k, v := range s.customers {
		out.customers[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

func (s *memState) findWallet(userID string) (Wallet, error) {
	w, ok := s.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (s *memState) findByKey(key string) (Transaction, error) {
	id, ok := s.keys[key]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txns[id].copy(), nil
}

func (t Transaction) copy() Transaction {
	t.Metadata = cloneMeta(t.Metadata)
	return t
}

type memSession struct {
	store *MemoryStore
	st    *memState
	done  bool
}

func (s *memSession) finish() {
	s.done = true
	s.st = nil
	s.store.sessionMu.Unlock()
}

func (s *memSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionDone
	}
	if err := s.store.takeCommitFailure(); err != nil {
		s.finish()
		return err
	}
	s.store.mu.Lock()
	s.store.committed = s.st
	s.store.mu.Unlock()
	s.finish()
	return nil
}

func (s *memSession) Abort(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.finish()
	return nil
}

func (s *memSession) check(ctx context.Context) error {
	if s.done {
		return ErrSessionDone
	}
	return ctx.Err()
}

func (s *memSession) EnsureWallet(ctx context.Context, w Wallet) (Wallet, error) {
	if err := s.check(ctx); err != nil {
		return Wallet{}, err
	}
	if existing, ok := s.st.wallets[w.UserID]; ok {
		return existing, nil
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Balance = 0
	w.Status = WalletStatusActive
	s.st.wallets[w.UserID] = w
	return w, nil
}

func (s *memSession) FindWallet(ctx context.Context, userID string) (Wallet, error) {
	if err := s.check(ctx); err != nil {
		return Wallet{}, err
	}
	return s.st.findWallet(userID)
}

func (s *memSession) CreditWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error) {
	if err := s.check(ctx); err != nil {
		return Wallet{}, err
	}
	w, ok := s.st.wallets[userID]
	if !ok || w.Status == WalletStatusClosed {
		return Wallet{}, ErrConditionFailed
	}
	w.Balance += amount
	w.UpdatedAt = now
	s.st.wallets[userID] = w
	return w, nil
}

func (s *memSession) DebitWallet(ctx context.Context, userID string, amount int64, now time.Time) (Wallet, error) {
	if err := s.check(ctx); err != nil {
		return Wallet{}, err
	}
	w, ok := s.st.wallets[userID]
	if !ok || w.Status != WalletStatusActive || w.Balance < amount {
		return Wallet{}, ErrConditionFailed
	}
	w.Balance -= amount
	w.UpdatedAt = now
	s.st.wallets[userID] = w
	return w, nil
}

func (s *memSession) SetWalletStatus(ctx context.Context, userID string, from []WalletStatus, to WalletStatus, now time.Time) (Wallet, error) {
	if err := s.check(ctx); err != nil {
		return Wallet{}, err
	}
	w, ok := s.st.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if w.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return Wallet{}, ErrConditionFailed
	}
	w.Status = to
	w.UpdatedAt = now
	s.st.wallets[userID] = w
	return w, nil
}

func (s *memSession) InsertTransaction(ctx context.Context, t Transaction) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, exists := s.st.txns[t.ID]; exists {
		return ErrDuplicateKey
	}
	if t.IdempotencyKey != "" {
		if _, exists := s.st.keys[t.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
		s.st.keys[t.IdempotencyKey] = t.ID
	}
	s.st.txns[t.ID] = t.copy()
	s.st.order = append(s.st.order, t.ID)
	return nil
}

func (s *memSession) FindTransaction(ctx context.Context, id string) (Transaction, error) {
	if err := s.check(ctx); err != nil {
		return Transaction{}, err
	}
	t, ok := s.st.txns[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t.copy(), nil
}

func (s *memSession) FindTransactionByKey(ctx context.Context, key string) (Transaction, error) {
	if err := s.check(ctx); err != nil {
		return Transaction{}, err
	}
	return s.st.findByKey(key)
}

func (s *memSession) FindPendingByChargeRef(ctx context.Context, chargeRef string) (Transaction, error) {
	if err := s.check(ctx); err != nil {
		return Transaction{}, err
	}
	for _, id := range s.st.order {
		t := s.st.txns[id]
		if t.Status == TransactionStatusPending && t.Metadata[MetaChargeRef] == chargeRef {
			return t.copy(), nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *memSession) TransitionTransaction(ctx context.Context, id string, to TransactionStatus, meta map[string]string, now time.Time) (Transaction, error) {
	if err := s.check(ctx); err != nil {
		return Transaction{}, err
	}
	t, ok := s.st.txns[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if t.Status != TransactionStatusPending {
		return Transaction{}, ErrConditionFailed
	}
	t.Status = to
	t.Metadata = MergeMetadata(t.Metadata, meta)
	t.UpdatedAt = now
	s.st.txns[id] = t
	return t.copy(), nil
}

func (s *memSession) AnnotateTransaction(ctx context.Context, id string, meta map[string]string, now time.Time) (Transaction, error) {
	if err := s.check(ctx); err != nil {
		return Transaction{}, err
	}
	t, ok := s.st.txns[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	t.Metadata = MergeMetadata(t.Metadata, meta)
	t.UpdatedAt = now
	s.st.txns[id] = t
	return t.copy(), nil
}

func (s *memSession) FindProfile(ctx context.Context, userID string) (Profile, error) {
	if err := s.check(ctx); err != nil {
		return Profile{}, err
	}
	p, ok := s.st.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *memSession) FindProfileByCustomer(ctx context.Context, customerRef string) (Profile, error) {
	if err := s.check(ctx); err != nil {
		return Profile{}, err
	}
	uid, ok := s.st.customers[customerRef]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return s.st.profiles[uid], nil
}

func (s *memSession) profileOrNew(userID string) Profile {
	if p, ok := s.st.profiles[userID]; ok {
		return p
	}
	return Profile{UserID: userID, PaymentStatus: PaymentStatusNone}
}

func (s *memSession) LinkCustomer(ctx context.Context, userID, customerRef string, now time.Time) (Profile, error) {
	if err := s.check(ctx); err != nil {
		return Profile{}, err
	}
	if owner, ok := s.st.customers[customerRef]; ok && owner != userID {
		return Profile{}, ErrDuplicateKey
	}
	p := s.profileOrNew(userID)
	if p.CustomerRef != "" && p.CustomerRef != customerRef {
		return Profile{}, ErrConditionFailed
	}
	p.CustomerRef = customerRef
	p.UpdatedAt = now
	s.st.profiles[userID] = p
	s.st.customers[customerRef] = userID
	return p, nil
}

func (s *memSession) ApplySubscription(ctx context.Context, userID string, st SubscriptionState, now time.Time) (Profile, error) {
	if err := s.check(ctx); err != nil {
		return Profile{}, err
	}
	p := s.profileOrNew(userID)
	if p.LastSyncedAt != nil && st.ObservedAt.Before(*p.LastSyncedAt) {
		return Profile{}, ErrConditionFailed
	}
	if p.EndedSubscriptionID != "" && p.EndedSubscriptionID == st.SubscriptionID {
		return Profile{}, ErrConditionFailed
	}
	observed := st.ObservedAt
	p.SubscriptionID = st.SubscriptionID
	p.ActivePriceID = st.PriceID
	p.SubscriptionStatus = st.Status
	p.CurrentPeriodEnd = st.CurrentPeriodEnd
	p.CancelAtPeriodEnd = st.CancelAtPeriodEnd
	p.HasActiveSubscription = HasActiveSubscription(st.Status)
	p.PaymentStatus = DerivePaymentStatus(st.Status)
	if st.DefaultPaymentMethod != "" {
		p.DefaultPaymentMethod = st.DefaultPaymentMethod
	}
	p.LastSyncedAt = &observed
	p.UpdatedAt = now
	s.st.profiles[userID] = p
	return p, nil
}

func (s *memSession) ClearSubscription(ctx context.Context, userID, subscriptionID string, observedAt, now time.Time) (Profile, error) {
	if err := s.check(ctx); err != nil {
		return Profile{}, err
	}
	p := s.profileOrNew(userID)
	if p.SubscriptionID != "" && p.SubscriptionID != subscriptionID {
		return Profile{}, ErrConditionFailed
	}
	if p.EndedSubscriptionID == subscriptionID {
		return Profile{}, ErrConditionFailed
	}
	p.SubscriptionID = ""
	p.ActivePriceID = ""
	p.SubscriptionStatus = "canceled"
	p.CurrentPeriodEnd = nil
	p.CancelAtPeriodEnd = false
	p.HasActiveSubscription = false
	p.PaymentStatus = PaymentStatusCanceled
	p.EndedSubscriptionID = subscriptionID
	synced := observedAt
	if p.LastSyncedAt != nil && p.LastSyncedAt.After(observedAt) {
		synced = *p.LastSyncedAt
	}
	p.LastSyncedAt = &synced
	p.UpdatedAt = now
	s.st.profiles[userID] = p
	return p, nil
}

func (s *memSession) MarkEventProcessed(ctx context.Context, e ProcessedEvent) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.st.events[e.EventID]; ok {
		return ErrDuplicateKey
	}
	s.st.events[e.EventID] = e
	return nil
}
