package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
	"github.com/coursepay-gateway/internal/reconcile"
	"github.com/coursepay-gateway/internal/store"
)

// TransactionFinder correlates notifications with transactions.
type TransactionFinder interface {
	TransactionByPageRef(ctx context.Context, pageRef string) (*models.Transaction, error)
	SessionIDByPageRef(ctx context.Context, pageRef string) (uuid.UUID, error)
}

// Resolver is the arbiter surface the processor needs.
type Resolver interface {
	Resolve(ctx context.Context, txnID uuid.UUID, rep reconcile.Report) (reconcile.Outcome, error)
}

// Processor handles queued webhook deliveries. Semantic rejections
// (malformed payload, unknown reference, unrecognized status) are recorded
// on the log row and never retried; only infrastructure errors propagate to
// asynq for retry.
type Processor struct {
	logs    LogStore
	txns    TransactionFinder
	arbiter Resolver
}

// NewProcessor creates the webhook processor
func NewProcessor(logs LogStore, txns TransactionFinder, arbiter Resolver) *Processor {
	return &Processor{logs: logs, txns: txns, arbiter: arbiter}
}

// trace accumulates the per-step processing record written back onto the
// webhook log row.
type trace struct {
	steps []models.TraceStep
}

func (t *trace) add(step string) {
	t.steps = append(t.steps, models.TraceStep{Step: step, At: time.Now().UTC()})
}

func (t *trace) bytes() []byte {
	b, _ := json.Marshal(t.steps)
	return b
}

// ProcessWebhook processes one queued provider notification.
func (p *Processor) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var pp processPayload
	if err := json.Unmarshal(task.Payload(), &pp); err != nil {
		return fmt.Errorf("unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	retryCount, _ := asynq.GetRetryCount(ctx)
	return p.process(ctx, pp, retryCount)
}

func (p *Processor) process(ctx context.Context, pp processPayload, retryCount int) error {
	if retryCount > 0 {
		// Redelivery after a transient failure; the log row keeps count.
		if err := p.logs.BumpWebhookRetry(ctx, pp.LogID); err != nil {
			log.Printf("Failed to bump retry count on webhook log %s: %v", pp.LogID, err)
		}
	}

	start := time.Now()
	tr := &trace{}
	tr.add("received")

	n, err := provider.ParseNotification(pp.Payload)
	if err != nil {
		// Malformed payloads are the provider's to resend; nothing to retry here.
		p.recordFailure(ctx, pp.LogID, tr, start, fmt.Sprintf("malformed payload: %v", err))
		return nil
	}
	tr.add("parsed")

	status, err := provider.MapStatus(n.Status)
	if err != nil {
		p.recordFailure(ctx, pp.LogID, tr, start, err.Error())
		return nil
	}

	txn, err := p.txns.TransactionByPageRef(ctx, n.PageRef)
	if errors.Is(err, store.ErrNotFound) {
		// Expected for test and replayed webhooks; logged, not alerted.
		p.recordFailure(ctx, pp.LogID, tr, start, fmt.Sprintf("No transaction found for %s", n.PageRef))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup transaction for %s: %w", n.PageRef, err)
	}
	tr.add("transaction_matched")

	if status == models.StatusPending {
		// Intermediate notification; no transition to attempt.
		tr.add("still_pending")
		p.recordSuccess(ctx, pp.LogID, tr, start, n, txn.ID, n.PageRef)
		return nil
	}

	rep := reconcile.Report{
		Status:        status,
		Source:        models.ResolutionWebhook,
		RawResponse:   pp.Payload,
		FailureReason: failureReason(status, n.Description),
	}

	outcome, err := p.arbiter.Resolve(ctx, txn.ID, rep)
	if err != nil {
		// Transient resolution failure (lock contention, side-effect
		// rollback): record and let asynq retry the task.
		msg := err.Error()
		p.record(ctx, pp.LogID, store.WebhookOutcome{
			ProcessingStatus: models.WebhookFailed,
			ErrorMessage:     &msg,
			TransactionID:    &txn.ID,
			Trace:            tr.bytes(),
			DurationMs:       durationMs(start),
			ProcessedAt:      time.Now().UTC(),
		})
		return fmt.Errorf("resolve transaction %s: %w", txn.ID, err)
	}
	tr.add("resolution_" + string(outcome))

	if outcome == reconcile.OutcomeDuplicate {
		log.Printf("Duplicate webhook for transaction %s (already terminal)", txn.ID)
	}

	p.recordSuccess(ctx, pp.LogID, tr, start, n, txn.ID, n.PageRef)
	return nil
}

func (p *Processor) recordSuccess(ctx context.Context, logID uuid.UUID, tr *trace, start time.Time, n *provider.Notification, txnID uuid.UUID, pageRef string) {
	out := store.WebhookOutcome{
		ProcessingStatus: models.WebhookCompleted,
		ProviderStatus:   &n.Status,
		TransactionID:    &txnID,
		Trace:            tr.bytes(),
		DurationMs:       durationMs(start),
		ProcessedAt:      time.Now().UTC(),
	}
	if sessID, err := p.txns.SessionIDByPageRef(ctx, pageRef); err == nil {
		out.SessionID = &sessID
	}
	p.record(ctx, logID, out)
}

func (p *Processor) recordFailure(ctx context.Context, logID uuid.UUID, tr *trace, start time.Time, msg string) {
	tr.add("failed")
	log.Printf("Webhook log %s: %s", logID, msg)
	p.record(ctx, logID, store.WebhookOutcome{
		ProcessingStatus: models.WebhookFailed,
		ErrorMessage:     &msg,
		Trace:            tr.bytes(),
		DurationMs:       durationMs(start),
		ProcessedAt:      time.Now().UTC(),
	})
}

func (p *Processor) record(ctx context.Context, logID uuid.UUID, out store.WebhookOutcome) {
	if err := p.logs.RecordWebhookOutcome(ctx, logID, out); err != nil {
		log.Printf("Failed to record outcome on webhook log %s: %v", logID, err)
	}
}

func durationMs(start time.Time) *int64 {
	ms := time.Since(start).Milliseconds()
	return &ms
}

func failureReason(status models.TransactionStatus, description string) string {
	if status == models.StatusCompleted {
		return ""
	}
	if description != "" {
		return description
	}
	return "provider reported " + string(status)
}
