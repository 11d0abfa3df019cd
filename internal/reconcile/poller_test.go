package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay-gateway/internal/alert"
	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
)

// fakePending feeds a fixed batch and tracks attempt counts the way the
// store does: MarkPolled increments before the provider is consulted.
type fakePending struct {
	st       *memStore
	batch    []uuid.UUID
	attempts map[uuid.UUID]int
	markErr  error
}

func newFakePending(st *memStore, ids ...uuid.UUID) *fakePending {
	return &fakePending{st: st, batch: ids, attempts: make(map[uuid.UUID]int)}
}

func (f *fakePending) StalePending(ctx context.Context, _ PollPolicy) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, id := range f.batch {
		txn, ok := f.st.txns[id]
		if !ok || txn.Status != models.StatusPending {
			continue
		}
		out = append(out, *txn)
	}
	return out, nil
}

func (f *fakePending) MarkPolled(ctx context.Context, txnID uuid.UUID) (int, error) {
	if f.markErr != nil {
		return 0, f.markErr
	}
	f.attempts[txnID]++
	return f.attempts[txnID], nil
}

// fakeStatus answers status lookups per page ref, one answer per call.
type fakeStatus struct {
	answers map[string][]statusAnswer
	calls   map[string]int
}

type statusAnswer struct {
	res *provider.StatusResult
	err error
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{answers: make(map[string][]statusAnswer), calls: make(map[string]int)}
}

func (f *fakeStatus) answer(pageRef string, res *provider.StatusResult, err error) {
	f.answers[pageRef] = append(f.answers[pageRef], statusAnswer{res: res, err: err})
}

func (f *fakeStatus) LookupStatus(ctx context.Context, pageRef string) (*provider.StatusResult, error) {
	f.calls[pageRef]++
	queue := f.answers[pageRef]
	if len(queue) == 0 {
		return &provider.StatusResult{Status: "pending"}, nil
	}
	next := queue[0]
	f.answers[pageRef] = queue[1:]
	return next.res, next.err
}

func testPolicy(maxAttempts int) PollPolicy {
	return PollPolicy{
		GraceWindow:    3 * time.Minute,
		MaxAttempts:    maxAttempts,
		BaseBackoff:    2 * time.Minute,
		BackoffCeiling: 30 * time.Minute,
		BatchSize:      100,
	}
}

func TestReconcileResolvesOnLaterAttempt(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	pending := newFakePending(st, txn.ID)
	status := newFakeStatus()
	status.answer(txn.PageRef, &provider.StatusResult{Status: "pending"}, nil)
	status.answer(txn.PageRef, &provider.StatusResult{Status: "pending"}, nil)
	status.answer(txn.PageRef, &provider.StatusResult{Status: "approved", ProviderTxID: "prov-55"}, nil)

	poller := NewPoller(pending, status, arb, testPolicy(10))

	for i := 0; i < 3; i++ {
		require.NoError(t, poller.Reconcile(context.Background()))
	}

	stored := st.txns[txn.ID]
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ResolutionMethod)
	assert.Equal(t, models.ResolutionPolling, *stored.ResolutionMethod)
	assert.Equal(t, 3, pending.attempts[txn.ID])
	assert.Len(t, st.purchases, 1)

	// Resolved transactions drop out of later passes.
	require.NoError(t, poller.Reconcile(context.Background()))
	assert.Equal(t, 3, pending.attempts[txn.ID])
}

func TestReconcileAbandonsAfterMaxAttempts(t *testing.T) {
	st := newMemStore()
	txn, sess := seedCheckout(st)
	arb, alerts := newTestArbiter(st, true)

	pending := newFakePending(st, txn.ID)
	poller := NewPoller(pending, newFakeStatus(), arb, testPolicy(3))

	for i := 0; i < 3; i++ {
		require.NoError(t, poller.Reconcile(context.Background()))
	}

	stored := st.txns[txn.ID]
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ResolutionMethod)
	assert.Equal(t, models.ResolutionAbandoned, *stored.ResolutionMethod)
	assert.Equal(t, 3, pending.attempts[txn.ID])
	assert.Equal(t, models.SessionFailed, st.sessions[sess.ID].Status)
	assert.Len(t, alerts.byKind(alert.KindAbandonedAfterPolling), 1)
	assert.Empty(t, st.purchases)
}

func TestReconcileDeclinedMarksFailed(t *testing.T) {
	st := newMemStore()
	txn, sess := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	pending := newFakePending(st, txn.ID)
	status := newFakeStatus()
	status.answer(txn.PageRef, &provider.StatusResult{Status: "declined", Description: "insufficient funds"}, nil)

	poller := NewPoller(pending, status, arb, testPolicy(10))
	require.NoError(t, poller.Reconcile(context.Background()))

	stored := st.txns[txn.ID]
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "insufficient funds", *stored.FailureReason)

	s := st.sessions[sess.ID]
	assert.Equal(t, models.SessionFailed, s.Status)
}

func TestReconcileIsolatesPerItemErrors(t *testing.T) {
	st := newMemStore()
	broken, _ := seedCheckout(st)
	healthy, _ := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	pending := newFakePending(st, broken.ID, healthy.ID)
	status := newFakeStatus()
	status.answer(broken.PageRef, nil, errors.New("provider timeout"))
	status.answer(healthy.PageRef, &provider.StatusResult{Status: "approved"}, nil)

	poller := NewPoller(pending, status, arb, testPolicy(10))
	require.NoError(t, poller.Reconcile(context.Background()))

	assert.Equal(t, models.StatusPending, st.txns[broken.ID].Status)
	assert.Equal(t, models.StatusCompleted, st.txns[healthy.ID].Status)
	assert.Equal(t, 1, pending.attempts[broken.ID], "failed lookups still consume an attempt")
}

func TestReconcileUnrecognizedStatusCountsAttempt(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	pending := newFakePending(st, txn.ID)
	status := newFakeStatus()
	status.answer(txn.PageRef, &provider.StatusResult{Status: "mystery"}, nil)

	poller := NewPoller(pending, status, arb, testPolicy(10))
	require.NoError(t, poller.Reconcile(context.Background()))

	assert.Equal(t, models.StatusPending, st.txns[txn.ID].Status)
	assert.Equal(t, 1, pending.attempts[txn.ID])
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Minute
	ceiling := 30 * time.Minute

	cases := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"no attempts yet", 0, 0},
		{"first attempt", 1, 2 * time.Minute},
		{"second doubles", 2, 4 * time.Minute},
		{"third doubles again", 3, 8 * time.Minute},
		{"fourth", 4, 16 * time.Minute},
		{"fifth hits ceiling", 5, 30 * time.Minute},
		{"stays at ceiling", 9, 30 * time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BackoffDelay(tc.attempts, base, ceiling))
		})
	}
}
