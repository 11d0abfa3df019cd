package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/reconcile"
)

const transactionColumns = `
	id, amount, currency, payment_method, status, page_ref,
	provider_response, failure_reason, environment, resolution_method,
	polling_attempts, last_polled_at, created_at, updated_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var txn models.Transaction
	var resolutionMethod *string

	err := row.Scan(
		&txn.ID,
		&txn.Amount,
		&txn.Currency,
		&txn.PaymentMethod,
		&txn.Status,
		&txn.PageRef,
		&txn.ProviderResponse,
		&txn.FailureReason,
		&txn.Environment,
		&resolutionMethod,
		&txn.PollingAttempts,
		&txn.LastPolledAt,
		&txn.CreatedAt,
		&txn.UpdatedAt,
		&txn.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if resolutionMethod != nil {
		rm := models.ResolutionMethod(*resolutionMethod)
		txn.ResolutionMethod = &rm
	}

	return &txn, nil
}

// TransactionByPageRef fetches the transaction correlated with a provider
// page reference. Returns ErrNotFound for unknown references.
func (s *Store) TransactionByPageRef(ctx context.Context, pageRef string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE page_ref = $1`

	txn, err := scanTransaction(s.pool.QueryRow(ctx, query, pageRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction by page ref: %w", err)
	}
	return txn, nil
}

// SessionIDByPageRef returns the id of the session owning a page reference.
func (s *Store) SessionIDByPageRef(ctx context.Context, pageRef string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM payment_sessions WHERE page_ref = $1`, pageRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query session id by page ref: %w", err)
	}
	return id, nil
}

// WithTransactionLock runs fn while holding an exclusive row lock on the
// transaction. All writes made through the scope commit atomically when fn
// returns nil and roll back otherwise.
func (s *Store) WithTransactionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, scope reconcile.TxScope, txn *models.Transaction) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	txn, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock transaction row: %w", err)
	}

	if err := fn(ctx, &txScope{tx: tx}, txn); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	return nil
}

// MarkPolled unconditionally increments the attempt counter and stamps
// last_polled_at, so attempts are never double-counted.
func (s *Store) MarkPolled(ctx context.Context, txnID uuid.UUID) (int, error) {
	query := `
		UPDATE transactions
		SET polling_attempts = polling_attempts + 1,
		    last_polled_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING polling_attempts
	`

	var attempts int
	err := s.pool.QueryRow(ctx, query, txnID).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("mark transaction polled: %w", err)
	}
	return attempts, nil
}

// StalePending selects pending transactions eligible for a polling attempt:
// older than the grace window, under the attempt cap, past their doubling
// backoff, and not owned by an expired session.
func (s *Store) StalePending(ctx context.Context, p reconcile.PollPolicy) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.status = 'pending'
		  AND t.page_ref <> ''
		  AND t.created_at < NOW() - make_interval(secs => $1)
		  AND t.polling_attempts < $2
		  AND (t.last_polled_at IS NULL
		       OR t.last_polled_at < NOW() - make_interval(secs =>
		              LEAST($3 * power(2, GREATEST(t.polling_attempts - 1, 0)), $4)))
		  AND NOT EXISTS (
		      SELECT 1 FROM payment_sessions ps
		      WHERE ps.page_ref = t.page_ref AND ps.status = 'expired')
		ORDER BY t.created_at
		LIMIT $5
	`

	rows, err := s.pool.Query(ctx, query,
		p.GraceWindow.Seconds(),
		p.MaxAttempts,
		p.BaseBackoff.Seconds(),
		p.BackoffCeiling.Seconds(),
		p.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale pending transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale pending transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}
