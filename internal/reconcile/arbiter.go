package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coursepay-gateway/internal/alert"
	"github.com/coursepay-gateway/internal/models"
)

// Outcome of a resolution attempt.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Report is a terminal result reported by one of the resolution channels.
type Report struct {
	Status        models.TransactionStatus
	Source        models.ResolutionMethod
	RawResponse   []byte
	FailureReason string
}

// TxScope is the mutation surface available while the transaction row lock
// is held. Every write made through it commits or rolls back with the
// enclosing database transaction.
type TxScope interface {
	SetTerminal(ctx context.Context, txnID uuid.UUID, status models.TransactionStatus, raw []byte, failureReason *string, method models.ResolutionMethod) error
	SessionByPageRef(ctx context.Context, pageRef string) (*models.PaymentSession, error)
	UpdateSessionOutcome(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, errMsg *string) error
	CreatePurchase(ctx context.Context, p *models.Purchase) (bool, error)
	SaveCustomerToken(ctx context.Context, tok *models.CustomerToken) error
	ActivateSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error)
	MarkSubscriptionFailed(ctx context.Context, userID, planID uuid.UUID) error
}

// Store provides exclusive access to one transaction row. fn runs with the
// row locked; returning an error rolls back everything written through the
// scope.
type Store interface {
	WithTransactionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, scope TxScope, txn *models.Transaction) error) error
}

// Arbiter is the single choke point for terminal status transitions. Both
// the webhook path and the polling path pass through Resolve; whichever
// arrives second for the same transaction gets OutcomeDuplicate.
type Arbiter struct {
	store     Store
	effects   *Applier
	alerts    alert.Alerter
	allowLate bool
}

// NewArbiter creates the resolution arbiter
func NewArbiter(store Store, effects *Applier, alerts alert.Alerter, allowLateResolution bool) *Arbiter {
	return &Arbiter{
		store:     store,
		effects:   effects,
		alerts:    alerts,
		allowLate: allowLateResolution,
	}
}

// Resolve applies a reported terminal status to a pending transaction.
// First writer wins: a transaction already in a terminal state yields
// OutcomeDuplicate and no second side effect. An illegal transition target
// yields OutcomeRejected and an ops alert.
func (a *Arbiter) Resolve(ctx context.Context, txnID uuid.UUID, rep Report) (Outcome, error) {
	var outcome Outcome
	var pending *alert.Alert

	err := a.store.WithTransactionLock(ctx, txnID, func(ctx context.Context, scope TxScope, txn *models.Transaction) error {
		if txn.Status.IsTerminal() {
			if rep.Status == txn.Status {
				outcome = OutcomeDuplicate
				return nil
			}
			// A terminal transaction reporting a different terminal status
			// means the channels disagree. Keep the first writer's result
			// and flag it for manual review.
			outcome = OutcomeRejected
			pending = &alert.Alert{
				Kind:          alert.KindRejectedResolution,
				TransactionID: txn.ID,
				Message:       fmt.Sprintf("conflicting report %s via %s for transaction already %s", rep.Status, rep.Source, txn.Status),
				RaisedAt:      time.Now().UTC(),
			}
			return nil
		}

		if !models.IsValidTransition(txn.Status, rep.Status) {
			outcome = OutcomeRejected
			pending = &alert.Alert{
				Kind:          alert.KindRejectedResolution,
				TransactionID: txn.ID,
				Message:       fmt.Sprintf("illegal transition %s -> %s reported via %s", txn.Status, rep.Status, rep.Source),
				RaisedAt:      time.Now().UTC(),
			}
			return nil
		}

		sess, err := scope.SessionByPageRef(ctx, txn.PageRef)
		if err != nil {
			return fmt.Errorf("load session for page ref %s: %w", txn.PageRef, err)
		}

		if sess.Status == models.SessionExpired && !a.allowLate && rep.Status == models.StatusCompleted {
			outcome = OutcomeRejected
			pending = &alert.Alert{
				Kind:          alert.KindRejectedResolution,
				TransactionID: txn.ID,
				Message:       fmt.Sprintf("late completion for expired session %s requires manual reconciliation", sess.ID),
				RaisedAt:      time.Now().UTC(),
			}
			return nil
		}

		var failureReason *string
		if rep.FailureReason != "" {
			failureReason = &rep.FailureReason
		}

		if err := scope.SetTerminal(ctx, txn.ID, rep.Status, rep.RawResponse, failureReason, rep.Source); err != nil {
			return fmt.Errorf("write terminal status: %w", err)
		}

		// Side effects run inside the same lock and database transaction:
		// a failure here rolls the status write back and the transaction
		// stays pending for a later polling pass.
		if err := a.effects.Apply(ctx, scope, txn, sess, rep); err != nil {
			return fmt.Errorf("apply side effects: %w", err)
		}

		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}

	// Alerts fire after the lock is released; the arbiter never blocks the
	// row lock on outbound calls.
	if pending != nil {
		a.alerts.Alert(ctx, *pending)
	}

	if outcome == OutcomeApplied {
		log.Printf("Transaction %s resolved to %s via %s", txnID, rep.Status, rep.Source)
	}

	return outcome, nil
}

// Abandon marks a pending transaction failed after polling exhausted its
// attempt budget. This is a terminal outcome distinct from a
// provider-reported failure and always raises an ops alert.
func (a *Arbiter) Abandon(ctx context.Context, txnID uuid.UUID) (Outcome, error) {
	var outcome Outcome

	err := a.store.WithTransactionLock(ctx, txnID, func(ctx context.Context, scope TxScope, txn *models.Transaction) error {
		if txn.Status.IsTerminal() {
			outcome = OutcomeDuplicate
			return nil
		}

		reason := "polling attempts exhausted without a terminal provider response"
		if err := scope.SetTerminal(ctx, txn.ID, models.StatusFailed, nil, &reason, models.ResolutionAbandoned); err != nil {
			return fmt.Errorf("write abandoned status: %w", err)
		}

		sess, err := scope.SessionByPageRef(ctx, txn.PageRef)
		if err != nil {
			return fmt.Errorf("load session for page ref %s: %w", txn.PageRef, err)
		}

		rep := Report{Status: models.StatusFailed, Source: models.ResolutionAbandoned, FailureReason: reason}
		if err := a.effects.Apply(ctx, scope, txn, sess, rep); err != nil {
			return fmt.Errorf("apply side effects: %w", err)
		}

		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}

	if outcome == OutcomeApplied {
		a.alerts.Alert(ctx, alert.Alert{
			Kind:          alert.KindAbandonedAfterPolling,
			TransactionID: txnID,
			Message:       "transaction abandoned after exhausting polling attempts",
			RaisedAt:      time.Now().UTC(),
		})
	}

	return outcome, nil
}
