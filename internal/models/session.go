package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus is a coarser projection of the underlying transaction status
// plus the session's own expiry.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// Entity types a purchase intent can reference.
const (
	EntityCourse       = "course"
	EntityProduct      = "product"
	EntitySubscription = "subscription"
)

// PurchaseIntent names one entity that will be granted when the session's
// transaction completes.
type PurchaseIntent struct {
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
}

// AppliedCoupon records a coupon that reduced the session total.
type AppliedCoupon struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

// PaymentSession is the checkout unit shown to the user. It groups one or
// more purchase intents into a single provider hosted page.
type PaymentSession struct {
	ID             uuid.UUID        `db:"id"`
	UserID         uuid.UUID        `db:"user_id"`
	IdempotencyKey uuid.UUID        `db:"idempotency_key"`
	Intents        []PurchaseIntent `db:"intents"` // JSONB
	Amount         decimal.Decimal  `db:"amount"`
	OriginalAmount decimal.Decimal  `db:"original_amount"`
	Coupons        []AppliedCoupon  `db:"coupons"` // JSONB
	Status         SessionStatus    `db:"status"`
	PageRef        string           `db:"page_ref"`
	PaymentURL     string           `db:"payment_url"`
	CallbackURL    string           `db:"callback_url"`
	ReturnURL      string           `db:"return_url"`
	ErrorMessage   *string          `db:"error_message"`
	ExpiresAt      time.Time        `db:"expires_at"`
	CompletedAt    *time.Time       `db:"completed_at"`
	FailedAt       *time.Time       `db:"failed_at"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
}

// HasSubscription reports whether any intent activates a subscription.
func (s *PaymentSession) HasSubscription() bool {
	for _, in := range s.Intents {
		if in.EntityType == EntitySubscription {
			return true
		}
	}
	return false
}
