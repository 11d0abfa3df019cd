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

const sessionColumns = `
	id, user_id, idempotency_key, intents, amount, original_amount, coupons,
	status, page_ref, payment_url, callback_url, return_url, error_message,
	expires_at, completed_at, failed_at, created_at, updated_at`

func scanSession(row pgx.Row) (*models.PaymentSession, error) {
	var sess models.PaymentSession
	var intents, coupons []byte

	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.IdempotencyKey,
		&intents,
		&sess.Amount,
		&sess.OriginalAmount,
		&coupons,
		&sess.Status,
		&sess.PageRef,
		&sess.PaymentURL,
		&sess.CallbackURL,
		&sess.ReturnURL,
		&sess.ErrorMessage,
		&sess.ExpiresAt,
		&sess.CompletedAt,
		&sess.FailedAt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(intents) > 0 {
		if err := json.Unmarshal(intents, &sess.Intents); err != nil {
			return nil, fmt.Errorf("decode session intents: %w", err)
		}
	}
	if len(coupons) > 0 {
		if err := json.Unmarshal(coupons, &sess.Coupons); err != nil {
			return nil, fmt.Errorf("decode session coupons: %w", err)
		}
	}

	return &sess, nil
}

const insertSessionSQL = `
	INSERT INTO payment_sessions (
		id, user_id, idempotency_key, intents, amount, original_amount,
		coupons, status, page_ref, payment_url, callback_url, return_url,
		error_message, expires_at, failed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

func sessionInsertArgs(sess *models.PaymentSession) ([]interface{}, error) {
	intents, err := marshalJSON(sess.Intents)
	if err != nil {
		return nil, err
	}
	coupons, err := marshalJSON(sess.Coupons)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		sess.ID, sess.UserID, sess.IdempotencyKey, intents, sess.Amount,
		sess.OriginalAmount, coupons, string(sess.Status), sess.PageRef,
		sess.PaymentURL, sess.CallbackURL, sess.ReturnURL, sess.ErrorMessage,
		sess.ExpiresAt, sess.FailedAt,
	}, nil
}

// CreateCheckout persists a new session and its pending transaction in one
// atomic unit, so a checkout is never left half-created.
func (s *Store) CreateCheckout(ctx context.Context, sess *models.PaymentSession, txn *models.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkout insert: %w", err)
	}
	defer tx.Rollback(ctx)

	args, err := sessionInsertArgs(sess)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, insertSessionSQL, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCheckout
		}
		return fmt.Errorf("insert payment session: %w", err)
	}

	insertTxnSQL := `
		INSERT INTO transactions (
			id, amount, currency, payment_method, status, page_ref, environment
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, insertTxnSQL,
		txn.ID, txn.Amount, txn.Currency, txn.PaymentMethod,
		string(txn.Status), txn.PageRef, txn.Environment)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkout insert: %w", err)
	}
	return nil
}

// CreateFailedSession records a session whose provider checkout call failed.
// No transaction row is created; the session is terminal from birth.
func (s *Store) CreateFailedSession(ctx context.Context, sess *models.PaymentSession) error {
	args, err := sessionInsertArgs(sess)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, insertSessionSQL, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCheckout
		}
		return fmt.Errorf("insert failed payment session: %w", err)
	}
	return nil
}

// SessionByID fetches one session
func (s *Store) SessionByID(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// SessionByIdempotencyKey fetches a session by its checkout idempotency key
func (s *Store) SessionByIdempotencyKey(ctx context.Context, key uuid.UUID) (*models.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE idempotency_key = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ExpireStaleSessions flips created/pending sessions past their expiry to
// expired. Expired sessions drop out of polling selection.
func (s *Store) ExpireStaleSessions(ctx context.Context) (int64, error) {
	query := `
		UPDATE payment_sessions
		SET status = 'expired', updated_at = NOW()
		WHERE status IN ('created', 'pending') AND expires_at < NOW()
	`

	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
