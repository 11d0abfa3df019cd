package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
)

// Task types driven by the periodic scheduler.
const (
	TypeReconcilePass  = "reconcile:poll"
	TypeExpireSessions = "sessions:expire"
)

// PollPolicy bounds the polling fallback.
type PollPolicy struct {
	GraceWindow    time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	BackoffCeiling time.Duration
	BatchSize      int
}

// PendingSource selects and marks stale pending transactions.
type PendingSource interface {
	// StalePending returns pending transactions older than the grace window
	// whose per-transaction backoff has elapsed.
	StalePending(ctx context.Context, p PollPolicy) ([]models.Transaction, error)
	// MarkPolled unconditionally increments polling_attempts and stamps
	// last_polled_at, returning the new attempt count. Attempts count even
	// when the provider call fails, so cutoff math stays reproducible.
	MarkPolled(ctx context.Context, txnID uuid.UUID) (int, error)
}

// StatusClient is the provider's pull-side status lookup.
type StatusClient interface {
	LookupStatus(ctx context.Context, pageRef string) (*provider.StatusResult, error)
}

// Resolver is the arbiter surface the poller needs.
type Resolver interface {
	Resolve(ctx context.Context, txnID uuid.UUID, rep Report) (Outcome, error)
	Abandon(ctx context.Context, txnID uuid.UUID) (Outcome, error)
}

// Poller is the background reconciliation worker. Each pass actively queries
// provider status for stale pending transactions that the webhook never
// resolved.
type Poller struct {
	txns     PendingSource
	provider StatusClient
	arbiter  Resolver
	policy   PollPolicy
}

// NewPoller creates the polling reconciler
func NewPoller(txns PendingSource, statusClient StatusClient, arbiter Resolver, policy PollPolicy) *Poller {
	return &Poller{
		txns:     txns,
		provider: statusClient,
		arbiter:  arbiter,
		policy:   policy,
	}
}

// HandleReconcileTask adapts Reconcile to an asynq handler.
func (p *Poller) HandleReconcileTask(ctx context.Context, _ *asynq.Task) error {
	return p.Reconcile(ctx)
}

// Reconcile runs one polling pass. Per-item failures are isolated: one
// transaction's provider error never poisons the pass for the others.
func (p *Poller) Reconcile(ctx context.Context) error {
	batch, err := p.txns.StalePending(ctx, p.policy)
	if err != nil {
		return err
	}

	if len(batch) > 0 {
		log.Printf("Polling pass: %d stale pending transaction(s)", len(batch))
	}

	for i := range batch {
		p.reconcileOne(ctx, &batch[i])
	}

	return nil
}

func (p *Poller) reconcileOne(ctx context.Context, txn *models.Transaction) {
	attempts, err := p.txns.MarkPolled(ctx, txn.ID)
	if err != nil {
		log.Printf("Failed to mark transaction %s polled: %v", txn.ID, err)
		return
	}

	res, err := p.provider.LookupStatus(ctx, txn.PageRef)
	if err != nil {
		log.Printf("Status lookup failed for transaction %s (attempt %d/%d): %v",
			txn.ID, attempts, p.policy.MaxAttempts, err)
		p.maybeAbandon(ctx, txn.ID, attempts)
		return
	}

	status, err := provider.MapStatus(res.Status)
	if err != nil {
		log.Printf("Transaction %s: %v (attempt %d/%d)", txn.ID, err, attempts, p.policy.MaxAttempts)
		p.maybeAbandon(ctx, txn.ID, attempts)
		return
	}

	if status == models.StatusPending {
		// Provider has no terminal answer yet; the transaction stays
		// untouched until the next backoff window.
		p.maybeAbandon(ctx, txn.ID, attempts)
		return
	}

	rep := Report{
		Status:        status,
		Source:        models.ResolutionPolling,
		RawResponse:   res.Raw,
		FailureReason: failureReasonFor(status, res.Description),
	}

	outcome, err := p.arbiter.Resolve(ctx, txn.ID, rep)
	if err != nil {
		log.Printf("Resolution via polling failed for transaction %s: %v", txn.ID, err)
		return
	}

	log.Printf("Polling resolution for transaction %s: status=%s outcome=%s attempt=%d",
		txn.ID, status, outcome, attempts)
}

func (p *Poller) maybeAbandon(ctx context.Context, txnID uuid.UUID, attempts int) {
	if attempts < p.policy.MaxAttempts {
		return
	}
	outcome, err := p.arbiter.Abandon(ctx, txnID)
	if err != nil {
		log.Printf("Failed to abandon transaction %s: %v", txnID, err)
		return
	}
	log.Printf("Transaction %s abandoned after %d polling attempts (outcome=%s)", txnID, attempts, outcome)
}

func failureReasonFor(status models.TransactionStatus, description string) string {
	if status == models.StatusCompleted {
		return ""
	}
	if description != "" {
		return description
	}
	return "provider reported " + string(status)
}

// BackoffDelay returns how long after the previous attempt a transaction
// becomes pollable again: base doubling per attempt, capped at ceiling.
func BackoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
