package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coursepay-gateway/internal/alert"
	"github.com/coursepay-gateway/internal/models"
)

// TokensByUser lists a user's active recurring-billing tokens, default first.
func (s *Store) TokensByUser(ctx context.Context, userID uuid.UUID) ([]models.CustomerToken, error) {
	query := `
		SELECT id, user_id, token_ref, card_mask, expiry_month, expiry_year,
		       provider_customer_id, is_active, is_default, last_used_at,
		       created_at, updated_at
		FROM customer_tokens
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query customer tokens: %w", err)
	}
	defer rows.Close()

	var out []models.CustomerToken
	for rows.Next() {
		var t models.CustomerToken
		err := rows.Scan(&t.ID, &t.UserID, &t.TokenRef, &t.CardMask,
			&t.ExpiryMonth, &t.ExpiryYear, &t.ProviderCustomerID,
			&t.IsActive, &t.IsDefault, &t.LastUsedAt, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan customer token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetDefaultToken makes one token the user's default, clearing any previous
// default in the same database transaction so at most one default exists.
func (s *Store) SetDefaultToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin default token update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE customer_tokens SET is_default = FALSE, updated_at = NOW()
		 WHERE user_id = $1 AND is_default`, userID); err != nil {
		return fmt.Errorf("clear previous default token: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE customer_tokens SET is_default = TRUE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND is_active`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("set default token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// RecordAlertAttempt persists one ops alert delivery attempt for audit.
func (s *Store) RecordAlertAttempt(ctx context.Context, rec alert.AttemptRecord) error {
	query := `
		INSERT INTO alert_attempts (
			kind, transaction_id, attempt_number, alert_url, payload,
			response_status, response_body, response_time_ms, success
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		rec.Kind, rec.TransactionID, rec.AttemptNumber, rec.URL, rec.Payload,
		rec.StatusCode, rec.ResponseBody, rec.ResponseTimeMs, rec.Success)
	if err != nil {
		return fmt.Errorf("record alert attempt: %w", err)
	}
	return nil
}

// RefundTransaction is the administrative completed -> refunded transition.
// It is not part of the automatic resolution paths.
func (s *Store) RefundTransaction(ctx context.Context, txnID uuid.UUID, reason string) error {
	query := `
		UPDATE transactions
		SET status = 'refunded', failure_reason = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'completed'
	`

	tag, err := s.pool.Exec(ctx, query, reason, txnID)
	if err != nil {
		return fmt.Errorf("refund transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or not in a refundable state.
		row := s.pool.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, txnID)
		var status string
		if scanErr := row.Scan(&status); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("inspect transaction for refund: %w", scanErr)
		}
		return fmt.Errorf("%w: transaction %s is %s", ErrNotRefundable, txnID, status)
	}
	return nil
}
