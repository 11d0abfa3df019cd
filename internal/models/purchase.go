package models

import (
	"time"

	"github.com/google/uuid"
)

// Purchase is the access grant record produced when a transaction completes.
// Exactly one purchase exists per (transaction, entity) pair; the unique
// index on those columns is what makes grant creation idempotent.
type Purchase struct {
	ID               uuid.UUID        `db:"id"`
	UserID           uuid.UUID        `db:"user_id"`
	TransactionID    uuid.UUID        `db:"transaction_id"`
	EntityType       string           `db:"entity_type"`
	EntityID         uuid.UUID        `db:"entity_id"`
	ResolutionMethod ResolutionMethod `db:"resolution_method"`
	CreatedAt        time.Time        `db:"created_at"`
}

// CustomerToken is a tokenized payment-method reference used for recurring
// billing. At most one default token per user.
type CustomerToken struct {
	ID                 uuid.UUID  `db:"id"`
	UserID             uuid.UUID  `db:"user_id"`
	TokenRef           string     `db:"token_ref"`
	CardMask           string     `db:"card_mask"`
	ExpiryMonth        int        `db:"expiry_month"`
	ExpiryYear         int        `db:"expiry_year"`
	ProviderCustomerID string     `db:"provider_customer_id"`
	IsActive           bool       `db:"is_active"`
	IsDefault          bool       `db:"is_default"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}
