package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/coursepay-gateway/internal/checkout"
	"github.com/coursepay-gateway/internal/middleware"
	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/store"
	"github.com/coursepay-gateway/internal/webhook"
)

// CheckoutService is the session manager surface the handlers need.
type CheckoutService interface {
	CreateSession(ctx context.Context, userID uuid.UUID, intents []models.PurchaseIntent, couponCodes []string, idempotencyKey uuid.UUID) (*models.PaymentSession, error)
	SessionStatus(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error)
}

// WebhookIngestor receives provider notifications.
type WebhookIngestor interface {
	Receive(ctx context.Context, payload []byte, meta webhook.SenderMetadata) (uuid.UUID, error)
}

// HealthChecker answers the readiness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// AdminStore is the token-management and refund surface exposed to the
// platform backend.
type AdminStore interface {
	TokensByUser(ctx context.Context, userID uuid.UUID) ([]models.CustomerToken, error)
	SetDefaultToken(ctx context.Context, userID, tokenID uuid.UUID) error
	RefundTransaction(ctx context.Context, txnID uuid.UUID, reason string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db        HealthChecker
	checkout  CheckoutService
	ingestor  WebhookIngestor
	admin     AdminStore
	validator *validator.Validate
}

// NewHandler creates a new handler instance
func NewHandler(db HealthChecker, checkoutSvc CheckoutService, ingestor WebhookIngestor, admin AdminStore) *Handler {
	return &Handler{
		db:        db,
		checkout:  checkoutSvc,
		ingestor:  ingestor,
		admin:     admin,
		validator: validator.New(),
	}
}

// CheckoutIntent is one purchase intent in a checkout request
type CheckoutIntent struct {
	EntityType string `json:"entity_type" validate:"required,oneof=course product subscription"`
	EntityID   string `json:"entity_id" validate:"required,uuid4"`
}

// CreateCheckoutRequest represents the POST /checkout body
type CreateCheckoutRequest struct {
	UserID         string           `json:"user_id" validate:"required,uuid4"`
	IdempotencyKey string           `json:"idempotency_key" validate:"required,uuid4"`
	Intents        []CheckoutIntent `json:"intents" validate:"required,min=1,dive"`
	CouponCodes    []string         `json:"coupon_codes"`
}

// CheckoutResponse is the session projection returned to the caller
type CheckoutResponse struct {
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	Amount     string  `json:"amount"`
	PaymentURL string  `json:"payment_url,omitempty"`
	ExpiresAt  string  `json:"expires_at"`
	Error      *string `json:"error,omitempty"`
}

func sessionResponse(sess *models.PaymentSession) CheckoutResponse {
	return CheckoutResponse{
		SessionID:  sess.ID.String(),
		Status:     string(sess.Status),
		Amount:     sess.Amount.StringFixed(2),
		PaymentURL: sess.PaymentURL,
		ExpiresAt:  sess.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Error:      sess.ErrorMessage,
	}
}

// CreateCheckout handles POST /checkout
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	idempotencyKey, err := uuid.Parse(req.IdempotencyKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid idempotency key")
		return
	}

	intents := make([]models.PurchaseIntent, 0, len(req.Intents))
	for _, in := range req.Intents {
		entityID, err := uuid.Parse(in.EntityID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid entity id")
			return
		}
		intents = append(intents, models.PurchaseIntent{EntityType: in.EntityType, EntityID: entityID})
	}

	sess, err := h.checkout.CreateSession(r.Context(), userID, intents, req.CouponCodes, idempotencyKey)
	if err != nil {
		log.Printf("Checkout creation failed: %v", err)

		switch {
		case errors.Is(err, checkout.ErrInvalidPurchaseIntent):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, checkout.ErrCouponRejected):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, checkout.ErrProviderUnavailable):
			respondError(w, http.StatusBadGateway, "Payment provider unavailable")
		default:
			respondError(w, http.StatusInternalServerError, "Failed to create checkout")
		}
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse(sess))
}

// GetCheckout handles GET /checkout/{id}; the UI polls this while the
// transaction resolves.
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	sess, err := h.checkout.SessionStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		log.Printf("Session lookup failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse(sess))
}

// ProviderWebhook handles POST /webhook. The body is recorded verbatim --
// including malformed payloads -- before any processing is attempted, so
// the only failure that earns the provider a non-2xx is a failed log write.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Failed to read webhook body: %v", err)
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	meta := webhook.SenderMetadata{
		Method:    r.Method,
		RemoteIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Headers: map[string]string{
			"Content-Type": r.Header.Get("Content-Type"),
			"X-Signature":  r.Header.Get("X-Signature"),
		},
	}

	logID, err := h.ingestor.Receive(r.Context(), body, meta)
	if err != nil {
		log.Printf("Failed to record webhook delivery: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to record notification")
		return
	}

	log.Printf("Webhook recorded: log_id=%s", logID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"received"}`))
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{
		"status":   "ok",
		"database": "up",
	}

	if err := h.db.Health(r.Context()); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// TokenResponse is the customer token projection returned to the platform
// backend. The token reference itself never leaves this service.
type TokenResponse struct {
	TokenID     string     `json:"token_id"`
	CardMask    string     `json:"card_mask"`
	ExpiryMonth int        `json:"expiry_month"`
	ExpiryYear  int        `json:"expiry_year"`
	IsDefault   bool       `json:"is_default"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// ListTokens handles GET /users/{userID}/tokens
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	tokens, err := h.admin.TokensByUser(r.Context(), userID)
	if err != nil {
		log.Printf("Token listing failed for user %s: %v", userID, err)
		respondError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, TokenResponse{
			TokenID:     t.ID.String(),
			CardMask:    t.CardMask,
			ExpiryMonth: t.ExpiryMonth,
			ExpiryYear:  t.ExpiryYear,
			IsDefault:   t.IsDefault,
			LastUsedAt:  t.LastUsedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

// SetDefaultToken handles PUT /users/{userID}/tokens/{tokenID}/default
func (h *Handler) SetDefaultToken(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	tokenID, err := uuid.Parse(chi.URLParam(r, "tokenID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid token id")
		return
	}

	if err := h.admin.SetDefaultToken(r.Context(), userID, tokenID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Token not found")
			return
		}
		log.Printf("Default token update failed for user %s: %v", userID, err)
		respondError(w, http.StatusInternalServerError, "Failed to update default token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// RefundRequest represents the POST /transactions/{id}/refund body
type RefundRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RefundTransaction handles POST /transactions/{id}/refund. This is the
// administrative completed -> refunded transition; the automatic resolution
// channels never produce it.
func (h *Handler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	if err := h.admin.RefundTransaction(r.Context(), txnID, req.Reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Transaction not found")
		case errors.Is(err, store.ErrNotRefundable):
			respondError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("Refund failed for transaction %s: %v", txnID, err)
			respondError(w, http.StatusInternalServerError, "Failed to refund transaction")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
