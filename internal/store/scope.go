package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coursepay-gateway/internal/models"
)

// txScope implements reconcile.TxScope over the database transaction opened
// by WithTransactionLock. Nothing here commits; the enclosing lock scope
// does.
type txScope struct {
	tx pgx.Tx
}

func (s *txScope) SetTerminal(ctx context.Context, txnID uuid.UUID, status models.TransactionStatus, raw []byte, failureReason *string, method models.ResolutionMethod) error {
	// Guarded write: the WHERE clause only matches the pending row, so a
	// terminal state can never be overwritten even if the caller's recheck
	// were bypassed.
	query := `
		UPDATE transactions
		SET status = $1,
		    provider_response = COALESCE($2, provider_response),
		    failure_reason = $3,
		    resolution_method = $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $5 AND status = 'pending'
	`

	tag, err := s.tx.Exec(ctx, query, string(status), raw, failureReason, string(method), txnID)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s is no longer pending", txnID)
	}
	return nil
}

func (s *txScope) SessionByPageRef(ctx context.Context, pageRef string) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE page_ref = $1`

	sess, err := scanSession(s.tx.QueryRow(ctx, query, pageRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *txScope) UpdateSessionOutcome(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, errMsg *string) error {
	query := `
		UPDATE payment_sessions
		SET status = $1,
		    error_message = $2,
		    completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
		    failed_at = CASE WHEN $1 IN ('failed', 'cancelled') THEN NOW() ELSE failed_at END,
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.tx.Exec(ctx, query, string(status), errMsg, sessionID); err != nil {
		return fmt.Errorf("update session outcome: %w", err)
	}
	return nil
}

func (s *txScope) CreatePurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	// ON CONFLICT on (transaction_id, entity_type, entity_id) makes grant
	// creation idempotent under re-invocation.
	query := `
		INSERT INTO purchases (id, user_id, transaction_id, entity_type, entity_id, resolution_method)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id, entity_type, entity_id) DO NOTHING
	`

	tag, err := s.tx.Exec(ctx, query,
		p.ID, p.UserID, p.TransactionID, p.EntityType, p.EntityID, string(p.ResolutionMethod))
	if err != nil {
		return false, fmt.Errorf("insert purchase: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *txScope) SaveCustomerToken(ctx context.Context, tok *models.CustomerToken) error {
	// First token for a user becomes the default.
	query := `
		INSERT INTO customer_tokens (
			id, user_id, token_ref, card_mask, expiry_month, expiry_year,
			provider_customer_id, is_active, is_default
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			NOT EXISTS (SELECT 1 FROM customer_tokens WHERE user_id = $2 AND is_default))
		ON CONFLICT (token_ref) DO UPDATE
		SET card_mask = EXCLUDED.card_mask,
		    expiry_month = EXCLUDED.expiry_month,
		    expiry_year = EXCLUDED.expiry_year,
		    is_active = TRUE,
		    updated_at = NOW()
	`

	_, err := s.tx.Exec(ctx, query,
		tok.ID, tok.UserID, tok.TokenRef, tok.CardMask, tok.ExpiryMonth,
		tok.ExpiryYear, tok.ProviderCustomerID, tok.IsActive)
	if err != nil {
		return fmt.Errorf("save customer token: %w", err)
	}
	return nil
}

func (s *txScope) ActivateSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO subscriptions (user_id, plan_id, status, activated_at)
		VALUES ($1, $2, 'active', NOW())
		ON CONFLICT (user_id, plan_id) DO UPDATE
		SET status = 'active', activated_at = NOW(), updated_at = NOW()
		WHERE subscriptions.status <> 'active'
	`

	tag, err := s.tx.Exec(ctx, query, userID, planID)
	if err != nil {
		return false, fmt.Errorf("activate subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *txScope) MarkSubscriptionFailed(ctx context.Context, userID, planID uuid.UUID) error {
	query := `
		UPDATE subscriptions
		SET status = 'payment_failed', updated_at = NOW()
		WHERE user_id = $1 AND plan_id = $2 AND status <> 'active'
	`

	if _, err := s.tx.Exec(ctx, query, userID, planID); err != nil {
		return fmt.Errorf("mark subscription payment failed: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb column: %w", err)
	}
	return b, nil
}
