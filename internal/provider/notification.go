package provider

import (
	"encoding/json"
	"fmt"

	"github.com/coursepay-gateway/internal/models"
)

// TokenDetails is a tokenized payment-method reference the provider may
// attach to an approved notification when the payer opted to save the card.
type TokenDetails struct {
	TokenRef    string `json:"token_ref"`
	CardMask    string `json:"card_mask"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CustomerID  string `json:"customer_id"`
}

// Notification is the provider's webhook payload
type Notification struct {
	PageRef       string        `json:"page_ref"`
	TransactionID string        `json:"transaction_id"`
	Status        string        `json:"status"`
	Description   string        `json:"description"`
	Token         *TokenDetails `json:"token,omitempty"`
}

// ParseNotification decodes a webhook payload and checks the fields needed
// to correlate it with a transaction.
func ParseNotification(payload []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("invalid notification JSON: %w", err)
	}
	if n.PageRef == "" {
		return nil, fmt.Errorf("notification missing page_ref")
	}
	if n.Status == "" {
		return nil, fmt.Errorf("notification missing status")
	}
	return &n, nil
}

// Provider status names as they appear on the wire.
const (
	statusApproved  = "approved"
	statusDeclined  = "declined"
	statusCancelled = "cancelled"
	statusPending   = "pending"
)

// MapStatus converts a provider status name to a transaction status.
// StatusPending means the provider has no terminal answer yet.
func MapStatus(s string) (models.TransactionStatus, error) {
	switch s {
	case statusApproved:
		return models.StatusCompleted, nil
	case statusDeclined:
		return models.StatusFailed, nil
	case statusCancelled:
		return models.StatusCancelled, nil
	case statusPending:
		return models.StatusPending, nil
	default:
		return "", fmt.Errorf("unrecognized provider status %q", s)
	}
}

// ExtractToken pulls token details out of a raw provider payload, if present.
func ExtractToken(raw []byte) (*TokenDetails, bool) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false
	}
	if n.Token == nil || n.Token.TokenRef == "" {
		return nil, false
	}
	return n.Token, true
}
