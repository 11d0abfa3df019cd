package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction represents a single payment attempt against the provider
type Transaction struct {
	ID               uuid.UUID         `db:"id"`
	Amount           decimal.Decimal   `db:"amount"`
	Currency         string            `db:"currency"`
	PaymentMethod    string            `db:"payment_method"`
	Status           TransactionStatus `db:"status"`
	PageRef          string            `db:"page_ref"`          // provider correlation key
	ProviderResponse []byte            `db:"provider_response"` // JSONB
	FailureReason    *string           `db:"failure_reason"`
	Environment      string            `db:"environment"`
	ResolutionMethod *ResolutionMethod `db:"resolution_method"`
	PollingAttempts  int               `db:"polling_attempts"`
	LastPolledAt     *time.Time        `db:"last_polled_at"`
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
	CompletedAt      *time.Time        `db:"completed_at"`
}

// TransactionStatus represents valid transaction states
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusRefunded  TransactionStatus = "refunded"
)

// ResolutionMethod records which channel produced a transaction's final status
type ResolutionMethod string

const (
	ResolutionWebhook   ResolutionMethod = "webhook"
	ResolutionPolling   ResolutionMethod = "polling"
	ResolutionManual    ResolutionMethod = "manual"
	ResolutionAbandoned ResolutionMethod = "abandoned_after_polling"
)

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to TransactionStatus) bool {
	validTransitions := map[TransactionStatus][]TransactionStatus{
		StatusPending:   {StatusCompleted, StatusFailed, StatusCancelled},
		StatusCompleted: {StatusRefunded},
		// No transitions out of the remaining terminal states
		StatusFailed:    {},
		StatusCancelled: {},
		StatusRefunded:  {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further automatic transition can occur
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}
