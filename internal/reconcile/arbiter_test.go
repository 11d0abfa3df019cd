package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay-gateway/internal/alert"
	"github.com/coursepay-gateway/internal/models"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Alert(ctx context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerter) byKind(kind string) []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func newTestArbiter(st *memStore, allowLate bool) (*Arbiter, *recordingAlerter) {
	alerts := &recordingAlerter{}
	return NewArbiter(st, NewApplier(), alerts, allowLate), alerts
}

func TestResolveCompletedGrantsPurchase(t *testing.T) {
	st := newMemStore()
	courseID := uuid.New()
	txn, sess := seedCheckout(st, models.PurchaseIntent{EntityType: models.EntityCourse, EntityID: courseID})
	arb, alerts := newTestArbiter(st, true)

	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status:      models.StatusCompleted,
		Source:      models.ResolutionWebhook,
		RawResponse: []byte(`{"status":"approved"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := st.txns[txn.ID]
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ResolutionMethod)
	assert.Equal(t, models.ResolutionWebhook, *stored.ResolutionMethod)
	assert.NotNil(t, stored.CompletedAt)

	require.Len(t, st.purchases, 1)
	p := st.purchases[purchaseKey(txn.ID, models.EntityCourse, courseID)]
	assert.Equal(t, sess.UserID, p.UserID)
	assert.Equal(t, models.ResolutionWebhook, p.ResolutionMethod)

	assert.Equal(t, models.SessionCompleted, st.sessions[sess.ID].Status)
	assert.Empty(t, alerts.alerts)
}

func TestResolveSecondReportIsDuplicate(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	first, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionWebhook,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first)

	second, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionPolling,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second)

	// The winner's resolution method sticks.
	assert.Equal(t, models.ResolutionWebhook, *st.txns[txn.ID].ResolutionMethod)
	assert.Len(t, st.purchases, 1)
}

func TestResolveConcurrentSourcesOneWinner(t *testing.T) {
	st := newMemStore()
	courseID := uuid.New()
	txn, _ := seedCheckout(st, models.PurchaseIntent{EntityType: models.EntityCourse, EntityID: courseID})
	arb, _ := newTestArbiter(st, true)

	reports := []Report{
		{Status: models.StatusCompleted, Source: models.ResolutionWebhook},
		{Status: models.StatusCompleted, Source: models.ResolutionPolling},
	}

	outcomes := make(chan Outcome, len(reports))
	var wg sync.WaitGroup
	for _, rep := range reports {
		wg.Add(1)
		go func(rep Report) {
			defer wg.Done()
			out, err := arb.Resolve(context.Background(), txn.ID, rep)
			if !assert.NoError(t, err) {
				return
			}
			outcomes <- out
		}(rep)
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for out := range outcomes {
		counts[out]++
	}
	assert.Equal(t, 1, counts[OutcomeApplied])
	assert.Equal(t, 1, counts[OutcomeDuplicate])
	assert.Len(t, st.purchases, 1, "exactly one purchase regardless of which source won")
}

func TestResolveConflictingTerminalReportRejected(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, alerts := newTestArbiter(st, true)

	_, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionWebhook,
	})
	require.NoError(t, err)

	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusFailed,
		Source: models.ResolutionPolling,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, models.StatusCompleted, st.txns[txn.ID].Status, "first writer's state is untouched")
	assert.Len(t, alerts.byKind(alert.KindRejectedResolution), 1)
}

func TestResolveInvalidTargetRejected(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, alerts := newTestArbiter(st, true)

	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusRefunded,
		Source: models.ResolutionWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, models.StatusPending, st.txns[txn.ID].Status)
	assert.Len(t, alerts.byKind(alert.KindRejectedResolution), 1)
	assert.Empty(t, st.purchases)
}

func TestResolveSideEffectFailureRollsBack(t *testing.T) {
	st := newMemStore()
	txn, sess := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	st.failPurchase = errors.New("purchases table unavailable")
	_, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionWebhook,
	})
	require.Error(t, err)

	// Status write and session update roll back with the failed grant, so a
	// later polling pass can retry the whole resolution.
	assert.Equal(t, models.StatusPending, st.txns[txn.ID].Status)
	assert.Equal(t, models.SessionPending, st.sessions[sess.ID].Status)
	assert.Empty(t, st.purchases)

	st.failPurchase = nil
	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionPolling,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Len(t, st.purchases, 1)
}

func TestResolveFailedMarksSessionAndSubscription(t *testing.T) {
	st := newMemStore()
	planID := uuid.New()
	txn, sess := seedCheckout(st, models.PurchaseIntent{EntityType: models.EntitySubscription, EntityID: planID})
	arb, _ := newTestArbiter(st, true)

	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status:        models.StatusFailed,
		Source:        models.ResolutionWebhook,
		FailureReason: "declined by issuer",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	s := st.sessions[sess.ID]
	assert.Equal(t, models.SessionFailed, s.Status)
	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "declined by issuer", *s.ErrorMessage)
	assert.Equal(t, "payment_failed", st.subs[subKey(sess.UserID, planID)])
	assert.Empty(t, st.purchases)
}

func TestResolveSubscriptionActivatesOnce(t *testing.T) {
	st := newMemStore()
	planID := uuid.New()
	txn, sess := seedCheckout(st, models.PurchaseIntent{EntityType: models.EntitySubscription, EntityID: planID})
	st.subs[subKey(sess.UserID, planID)] = "active"
	arb, _ := newTestArbiter(st, true)

	outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "re-activating an active subscription is not an error")
	assert.Equal(t, "active", st.subs[subKey(sess.UserID, planID)])
	assert.Len(t, st.purchases, 1)
}

func TestResolveSavesCustomerToken(t *testing.T) {
	st := newMemStore()
	txn, sess := seedCheckout(st)
	arb, _ := newTestArbiter(st, true)

	raw := []byte(`{"page_ref":"x","status":"approved","token":{"token_ref":"tok-91","card_mask":"4580****1234","expiry_month":4,"expiry_year":2028,"customer_id":"cust-7"}}`)
	_, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status:      models.StatusCompleted,
		Source:      models.ResolutionWebhook,
		RawResponse: raw,
	})
	require.NoError(t, err)

	tok, ok := st.tokens["tok-91"]
	require.True(t, ok)
	assert.Equal(t, sess.UserID, tok.UserID)
	assert.Equal(t, "4580****1234", tok.CardMask)
	assert.True(t, tok.IsActive)
}

func TestResolveLateCompletionForExpiredSession(t *testing.T) {
	setup := func(allowLate bool) (*memStore, *Arbiter, *recordingAlerter, models.Transaction, models.PaymentSession) {
		st := newMemStore()
		txn, sess := seedCheckout(st)
		stored := st.sessions[sess.ID]
		stored.Status = models.SessionExpired
		stored.ExpiresAt = time.Now().Add(-10 * time.Minute)
		arb, alerts := newTestArbiter(st, allowLate)
		return st, arb, alerts, txn, sess
	}

	t.Run("allowed", func(t *testing.T) {
		st, arb, _, txn, sess := setup(true)
		outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
			Status: models.StatusCompleted,
			Source: models.ResolutionWebhook,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, models.SessionCompleted, st.sessions[sess.ID].Status)
	})

	t.Run("held for manual review", func(t *testing.T) {
		st, arb, alerts, txn, sess := setup(false)
		outcome, err := arb.Resolve(context.Background(), txn.ID, Report{
			Status: models.StatusCompleted,
			Source: models.ResolutionWebhook,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, outcome)
		assert.Equal(t, models.StatusPending, st.txns[txn.ID].Status)
		assert.Equal(t, models.SessionExpired, st.sessions[sess.ID].Status)
		assert.Len(t, alerts.byKind(alert.KindRejectedResolution), 1)
	})
}

func TestAbandonMarksFailedWithAlert(t *testing.T) {
	st := newMemStore()
	txn, sess := seedCheckout(st)
	arb, alerts := newTestArbiter(st, true)

	outcome, err := arb.Abandon(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := st.txns[txn.ID]
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ResolutionMethod)
	assert.Equal(t, models.ResolutionAbandoned, *stored.ResolutionMethod)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "polling attempts exhausted")

	assert.Equal(t, models.SessionFailed, st.sessions[sess.ID].Status)
	assert.Len(t, alerts.byKind(alert.KindAbandonedAfterPolling), 1)
}

func TestAbandonAfterResolutionIsDuplicate(t *testing.T) {
	st := newMemStore()
	txn, _ := seedCheckout(st)
	arb, alerts := newTestArbiter(st, true)

	_, err := arb.Resolve(context.Background(), txn.ID, Report{
		Status: models.StatusCompleted,
		Source: models.ResolutionWebhook,
	})
	require.NoError(t, err)

	outcome, err := arb.Abandon(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, models.StatusCompleted, st.txns[txn.ID].Status)
	assert.Empty(t, alerts.byKind(alert.KindAbandonedAfterPolling))
}
