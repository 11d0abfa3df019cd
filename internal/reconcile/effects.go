package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
)

// Applier converts a terminal transaction state into access grants exactly
// once. It only runs inside the arbiter's locked scope, but every operation
// is still written to be safely re-invokable: existing grants are detected
// and skipped rather than recreated.
type Applier struct{}

// NewApplier creates the side-effect applier
func NewApplier() *Applier {
	return &Applier{}
}

// Apply executes the side effects for a terminal status.
func (ap *Applier) Apply(ctx context.Context, scope TxScope, txn *models.Transaction, sess *models.PaymentSession, rep Report) error {
	switch rep.Status {
	case models.StatusCompleted:
		return ap.applyCompleted(ctx, scope, txn, sess, rep)
	case models.StatusFailed:
		return ap.applyFailed(ctx, scope, sess, rep)
	case models.StatusCancelled:
		return scope.UpdateSessionOutcome(ctx, sess.ID, models.SessionCancelled, nil)
	default:
		return fmt.Errorf("no side effects defined for status %s", rep.Status)
	}
}

func (ap *Applier) applyCompleted(ctx context.Context, scope TxScope, txn *models.Transaction, sess *models.PaymentSession, rep Report) error {
	for _, intent := range sess.Intents {
		p := &models.Purchase{
			ID:               uuid.New(),
			UserID:           sess.UserID,
			TransactionID:    txn.ID,
			EntityType:       intent.EntityType,
			EntityID:         intent.EntityID,
			ResolutionMethod: rep.Source,
			CreatedAt:        time.Now().UTC(),
		}

		created, err := scope.CreatePurchase(ctx, p)
		if err != nil {
			return fmt.Errorf("grant %s %s: %w", intent.EntityType, intent.EntityID, err)
		}
		if !created {
			log.Printf("Purchase for transaction %s entity %s/%s already exists, skipping",
				txn.ID, intent.EntityType, intent.EntityID)
		}

		if intent.EntityType == models.EntitySubscription {
			activated, err := scope.ActivateSubscription(ctx, sess.UserID, intent.EntityID)
			if err != nil {
				return fmt.Errorf("activate subscription %s: %w", intent.EntityID, err)
			}
			if !activated {
				// Re-activating an active subscription is a no-op, not an error.
				log.Printf("Subscription %s already active for user %s, skipping activation",
					intent.EntityID, sess.UserID)
			}
		}
	}

	if tok, ok := provider.ExtractToken(rep.RawResponse); ok {
		ct := &models.CustomerToken{
			ID:                 uuid.New(),
			UserID:             sess.UserID,
			TokenRef:           tok.TokenRef,
			CardMask:           tok.CardMask,
			ExpiryMonth:        tok.ExpiryMonth,
			ExpiryYear:         tok.ExpiryYear,
			ProviderCustomerID: tok.CustomerID,
			IsActive:           true,
		}
		if err := scope.SaveCustomerToken(ctx, ct); err != nil {
			return fmt.Errorf("save customer token: %w", err)
		}
	}

	return scope.UpdateSessionOutcome(ctx, sess.ID, models.SessionCompleted, nil)
}

func (ap *Applier) applyFailed(ctx context.Context, scope TxScope, sess *models.PaymentSession, rep Report) error {
	// A payment failure hands subscriptions to their failure handler; the
	// retry/downgrade decision lives in the entitlement subsystem.
	for _, intent := range sess.Intents {
		if intent.EntityType != models.EntitySubscription {
			continue
		}
		if err := scope.MarkSubscriptionFailed(ctx, sess.UserID, intent.EntityID); err != nil {
			return fmt.Errorf("hand off subscription failure %s: %w", intent.EntityID, err)
		}
	}

	var errMsg *string
	if rep.FailureReason != "" {
		errMsg = &rep.FailureReason
	}
	return scope.UpdateSessionOutcome(ctx, sess.ID, models.SessionFailed, errMsg)
}
