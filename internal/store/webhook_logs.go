package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coursepay-gateway/internal/models"
)

// WebhookOutcome carries the result of processing one inbound notification
// back onto its forensic log row.
type WebhookOutcome struct {
	ProcessingStatus models.WebhookProcessingStatus
	ErrorMessage     *string
	ProviderStatus   *string
	TransactionID    *uuid.UUID
	SessionID        *uuid.UUID
	Trace            []byte
	DurationMs       *int64
	ProcessedAt      time.Time
}

// InsertWebhookLog writes the forensic row for an inbound notification.
// This happens before any processing, so every delivery is recorded even
// when everything after it fails.
func (s *Store) InsertWebhookLog(ctx context.Context, wl *models.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (
			id, page_ref, provider_tx_id, method, sender_ip, user_agent,
			headers, payload, provider_status, processing_status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		wl.ID, wl.PageRef, wl.ProviderTxID, wl.Method, wl.SenderIP,
		wl.UserAgent, wl.Headers, wl.Payload, wl.ProviderStatus,
		string(wl.ProcessingStatus), wl.RetryCount)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// RecordWebhookOutcome stamps the processing result onto a log row.
func (s *Store) RecordWebhookOutcome(ctx context.Context, id uuid.UUID, out WebhookOutcome) error {
	query := `
		UPDATE webhook_logs
		SET processing_status = $1,
		    error_message = $2,
		    provider_status = COALESCE($3, provider_status),
		    transaction_id = COALESCE($4, transaction_id),
		    session_id = COALESCE($5, session_id),
		    trace = COALESCE($6, trace),
		    duration_ms = $7,
		    processed_at = $8
		WHERE id = $9
	`

	_, err := s.pool.Exec(ctx, query,
		string(out.ProcessingStatus), out.ErrorMessage, out.ProviderStatus,
		out.TransactionID, out.SessionID, out.Trace, out.DurationMs,
		out.ProcessedAt, id)
	if err != nil {
		return fmt.Errorf("record webhook outcome: %w", err)
	}
	return nil
}

// BumpWebhookRetry increments the retry counter when asynq re-runs a task.
func (s *Store) BumpWebhookRetry(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_logs SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("bump webhook retry count: %w", err)
	}
	return nil
}
