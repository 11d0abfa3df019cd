package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookProcessingStatus tracks how far an inbound notification got.
type WebhookProcessingStatus string

const (
	WebhookPending   WebhookProcessingStatus = "pending"
	WebhookCompleted WebhookProcessingStatus = "completed"
	WebhookFailed    WebhookProcessingStatus = "failed"
)

// WebhookLog is the append-only forensic record of one inbound provider
// notification. A row is written before any processing is attempted, so every
// delivery is durably recorded even when processing later fails.
type WebhookLog struct {
	ID               uuid.UUID               `db:"id"`
	PageRef          string                  `db:"page_ref"`
	ProviderTxID     *string                 `db:"provider_tx_id"`
	Method           string                  `db:"method"`
	SenderIP         string                  `db:"sender_ip"`
	UserAgent        string                  `db:"user_agent"`
	Headers          []byte                  `db:"headers"` // JSONB subset
	Payload          []byte                  `db:"payload"`
	ProviderStatus   *string                 `db:"provider_status"`
	ProcessingStatus WebhookProcessingStatus `db:"processing_status"`
	Trace            []byte                  `db:"trace"` // JSONB step array
	ErrorMessage     *string                 `db:"error_message"`
	TransactionID    *uuid.UUID              `db:"transaction_id"`
	SessionID        *uuid.UUID              `db:"session_id"`
	DurationMs       *int64                  `db:"duration_ms"`
	RetryCount       int                     `db:"retry_count"`
	CreatedAt        time.Time               `db:"created_at"`
	ProcessedAt      *time.Time              `db:"processed_at"`
}

// TraceStep is one entry in a webhook log's processing trace.
type TraceStep struct {
	Step string    `json:"step"`
	At   time.Time `json:"at"`
}
