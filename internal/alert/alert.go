package alert

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Alert kinds raised by the reconciliation core.
const (
	KindAbandonedAfterPolling = "abandoned_after_polling"
	KindRejectedResolution    = "rejected_resolution"
)

// Alert is an operational event that needs human attention.
type Alert struct {
	Kind          string            `json:"kind"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	RaisedAt      time.Time         `json:"raised_at"`
}

// Alerter delivers operational alerts. Implementations must not return
// errors to callers; delivery problems are their own to log.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the process log. Used when no ops webhook
// URL is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) {
	log.Printf("ALERT [%s] transaction=%s: %s", a.Kind, a.TransactionID, a.Message)
}
