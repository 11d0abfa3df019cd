package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
	"github.com/coursepay-gateway/internal/store"
)

const TypeProcessWebhook = "webhook:process"

// SenderMetadata captures the raw request context of an inbound delivery.
type SenderMetadata struct {
	Method    string
	RemoteIP  string
	UserAgent string
	Headers   map[string]string
}

// LogStore is the forensic log surface.
type LogStore interface {
	InsertWebhookLog(ctx context.Context, wl *models.WebhookLog) error
	RecordWebhookOutcome(ctx context.Context, id uuid.UUID, out store.WebhookOutcome) error
	BumpWebhookRetry(ctx context.Context, id uuid.UUID) error
}

// Enqueuer hands processing off to the background worker. *asynq.Client
// satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Ingestor receives provider notifications. The log row is written
// synchronously before anything else; processing happens in the background
// so the provider is acknowledged within a bounded time.
type Ingestor struct {
	logs  LogStore
	queue Enqueuer
}

// NewIngestor creates the webhook ingestor
func NewIngestor(logs LogStore, queue Enqueuer) *Ingestor {
	return &Ingestor{logs: logs, queue: queue}
}

type processPayload struct {
	LogID   uuid.UUID       `json:"log_id"`
	Payload json.RawMessage `json:"payload"`
}

// Receive durably records the delivery and enqueues processing. An error
// means the log row could not be written, and the caller must respond
// non-2xx so the provider retries. Everything after the log write is
// best-effort: the polling fallback recovers from a lost task.
func (i *Ingestor) Receive(ctx context.Context, payload []byte, meta SenderMetadata) (uuid.UUID, error) {
	headers, _ := json.Marshal(meta.Headers)

	wl := &models.WebhookLog{
		ID:               uuid.New(),
		Method:           meta.Method,
		SenderIP:         meta.RemoteIP,
		UserAgent:        meta.UserAgent,
		Headers:          headers,
		Payload:          payload,
		ProcessingStatus: models.WebhookPending,
	}

	// Best-effort pre-parse so even rows for payloads that later fail
	// processing carry their correlation keys.
	if n, err := provider.ParseNotification(payload); err == nil {
		wl.PageRef = n.PageRef
		if n.TransactionID != "" {
			wl.ProviderTxID = &n.TransactionID
		}
		wl.ProviderStatus = &n.Status
	}

	if err := i.logs.InsertWebhookLog(ctx, wl); err != nil {
		return uuid.Nil, fmt.Errorf("persist webhook log: %w", err)
	}

	taskPayload, err := json.Marshal(processPayload{LogID: wl.ID, Payload: payload})
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal task payload: %w", err)
	}

	task := asynq.NewTask(TypeProcessWebhook, taskPayload)
	if _, err := i.queue.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(3)); err != nil {
		// The delivery is already durably logged; the polling reconciler
		// will pick the transaction up if this task is lost.
		msg := "enqueue failed: " + err.Error()
		out := store.WebhookOutcome{
			ProcessingStatus: models.WebhookFailed,
			ErrorMessage:     &msg,
			ProcessedAt:      time.Now().UTC(),
		}
		if recErr := i.logs.RecordWebhookOutcome(ctx, wl.ID, out); recErr != nil {
			log.Printf("Failed to record enqueue failure on webhook log %s: %v", wl.ID, recErr)
		}
		log.Printf("Failed to enqueue webhook processing for log %s: %v", wl.ID, err)
	}

	return wl.ID, nil
}
