package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coursepay-gateway/internal/models"
)

// memStore is an in-memory Store with real per-row mutual exclusion, the
// in-process equivalent of SELECT ... FOR UPDATE. Rollback restores a
// snapshot taken at lock acquisition; tests only race on a single row, so
// the coarse snapshot is safe.
type memStore struct {
	mu       sync.Mutex
	rowLocks map[uuid.UUID]*sync.Mutex

	txns      map[uuid.UUID]*models.Transaction
	sessions  map[uuid.UUID]*models.PaymentSession
	byPageRef map[string]uuid.UUID
	purchases map[string]models.Purchase
	tokens    map[string]models.CustomerToken
	subs      map[string]string // user|plan -> status

	failSetTerminal error
	failPurchase    error
}

func newMemStore() *memStore {
	return &memStore{
		rowLocks:  make(map[uuid.UUID]*sync.Mutex),
		txns:      make(map[uuid.UUID]*models.Transaction),
		sessions:  make(map[uuid.UUID]*models.PaymentSession),
		byPageRef: make(map[string]uuid.UUID),
		purchases: make(map[string]models.Purchase),
		tokens:    make(map[string]models.CustomerToken),
		subs:      make(map[string]string),
	}
}

func (m *memStore) addTransaction(txn models.Transaction) {
	m.txns[txn.ID] = &txn
}

func (m *memStore) addSession(sess models.PaymentSession) {
	m.sessions[sess.ID] = &sess
	m.byPageRef[sess.PageRef] = sess.ID
}

type memSnapshot struct {
	txns      map[uuid.UUID]models.Transaction
	sessions  map[uuid.UUID]models.PaymentSession
	purchases map[string]models.Purchase
	tokens    map[string]models.CustomerToken
	subs      map[string]string
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		txns:      make(map[uuid.UUID]models.Transaction),
		sessions:  make(map[uuid.UUID]models.PaymentSession),
		purchases: make(map[string]models.Purchase),
		tokens:    make(map[string]models.CustomerToken),
		subs:      make(map[string]string),
	}
	for k, v := range m.txns {
		s.txns[k] = *v
	}
	for k, v := range m.sessions {
		s.sessions[k] = *v
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	for k, v := range m.tokens {
		s.tokens[k] = v
	}
	for k, v := range m.subs {
		s.subs[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.txns = make(map[uuid.UUID]*models.Transaction)
	for k := range s.txns {
		v := s.txns[k]
		m.txns[k] = &v
	}
	m.sessions = make(map[uuid.UUID]*models.PaymentSession)
	for k := range s.sessions {
		v := s.sessions[k]
		m.sessions[k] = &v
	}
	m.purchases = s.purchases
	m.tokens = s.tokens
	m.subs = s.subs
}

func (m *memStore) rowLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rowLocks[id]; !ok {
		m.rowLocks[id] = &sync.Mutex{}
	}
	return m.rowLocks[id]
}

func (m *memStore) WithTransactionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, scope TxScope, txn *models.Transaction) error) error {
	lock := m.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s not found", id)
	}
	snapshot := m.snapshot()
	current := *txn
	m.mu.Unlock()

	if err := fn(ctx, &memScope{st: m}, &current); err != nil {
		m.mu.Lock()
		m.restore(snapshot)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memScope struct {
	st *memStore
}

func (s *memScope) SetTerminal(ctx context.Context, txnID uuid.UUID, status models.TransactionStatus, raw []byte, failureReason *string, method models.ResolutionMethod) error {
	if s.st.failSetTerminal != nil {
		return s.st.failSetTerminal
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	txn, ok := s.st.txns[txnID]
	if !ok {
		return fmt.Errorf("transaction %s not found", txnID)
	}
	if txn.Status != models.StatusPending {
		return fmt.Errorf("transaction %s is no longer pending", txnID)
	}

	now := time.Now().UTC()
	txn.Status = status
	txn.ProviderResponse = raw
	txn.FailureReason = failureReason
	txn.ResolutionMethod = &method
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	return nil
}

func (s *memScope) SessionByPageRef(ctx context.Context, pageRef string) (*models.PaymentSession, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	id, ok := s.st.byPageRef[pageRef]
	if !ok {
		return nil, fmt.Errorf("no session for page ref %s", pageRef)
	}
	sess := *s.st.sessions[id]
	return &sess, nil
}

func (s *memScope) UpdateSessionOutcome(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, errMsg *string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	sess, ok := s.st.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Status = status
	sess.ErrorMessage = errMsg
	return nil
}

func purchaseKey(txnID uuid.UUID, entityType string, entityID uuid.UUID) string {
	return txnID.String() + "|" + entityType + "|" + entityID.String()
}

func (s *memScope) CreatePurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	if s.st.failPurchase != nil {
		return false, s.st.failPurchase
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	key := purchaseKey(p.TransactionID, p.EntityType, p.EntityID)
	if _, exists := s.st.purchases[key]; exists {
		return false, nil
	}
	s.st.purchases[key] = *p
	return true, nil
}

func (s *memScope) SaveCustomerToken(ctx context.Context, tok *models.CustomerToken) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.tokens[tok.TokenRef] = *tok
	return nil
}

func subKey(userID, planID uuid.UUID) string {
	return userID.String() + "|" + planID.String()
}

func (s *memScope) ActivateSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	key := subKey(userID, planID)
	if s.st.subs[key] == "active" {
		return false, nil
	}
	s.st.subs[key] = "active"
	return true, nil
}

func (s *memScope) MarkSubscriptionFailed(ctx context.Context, userID, planID uuid.UUID) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	key := subKey(userID, planID)
	if s.st.subs[key] != "active" {
		s.st.subs[key] = "payment_failed"
	}
	return nil
}

// helpers shared by arbiter and poller tests

func seedCheckout(st *memStore, intents ...models.PurchaseIntent) (models.Transaction, models.PaymentSession) {
	if len(intents) == 0 {
		intents = []models.PurchaseIntent{{EntityType: models.EntityCourse, EntityID: uuid.New()}}
	}

	pageRef := "page-" + uuid.NewString()
	txn := models.Transaction{
		ID:       uuid.New(),
		Status:   models.StatusPending,
		PageRef:  pageRef,
		Currency: "ILS",
	}
	sess := models.PaymentSession{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Intents:   intents,
		Status:    models.SessionPending,
		PageRef:   pageRef,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}

	st.addTransaction(txn)
	st.addSession(sess)
	return txn, sess
}
