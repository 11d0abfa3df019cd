package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coursepay-gateway/internal/models"
	"github.com/coursepay-gateway/internal/provider"
	"github.com/coursepay-gateway/internal/store"
)

// Checkout failure taxonomy. Handlers map these to HTTP statuses.
var (
	ErrInvalidPurchaseIntent = errors.New("invalid purchase intent")
	ErrCouponRejected        = errors.New("coupon rejected")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
)

// Catalog is the product subsystem surface the checkout needs: pricing and
// ownership checks. How entities are modeled is not this core's concern.
type Catalog interface {
	Price(ctx context.Context, intent models.PurchaseIntent) (decimal.Decimal, error)
	Owned(ctx context.Context, userID uuid.UUID, intent models.PurchaseIntent) (bool, error)
}

// CouponValidator validates a coupon code against a subtotal and returns the
// discount it grants.
type CouponValidator interface {
	Validate(ctx context.Context, code string, subtotal decimal.Decimal) (models.AppliedCoupon, error)
}

// CheckoutClient is the provider's checkout-creation API.
type CheckoutClient interface {
	CreateCheckout(ctx context.Context, req provider.CheckoutRequest) (*provider.CheckoutResult, error)
}

// Store is the persistence surface the session manager needs.
type Store interface {
	SessionByIdempotencyKey(ctx context.Context, key uuid.UUID) (*models.PaymentSession, error)
	SessionByID(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error)
	CreateCheckout(ctx context.Context, sess *models.PaymentSession, txn *models.Transaction) error
	CreateFailedSession(ctx context.Context, sess *models.PaymentSession) error
}

// Config holds checkout settings
type Config struct {
	Currency    string
	Environment string
	SessionTTL  time.Duration
	CallbackURL string
	ReturnURL   string
}

// Service creates and reads payment sessions. One session groups one or more
// purchase intents into a single provider hosted page.
type Service struct {
	store    Store
	provider CheckoutClient
	catalog  Catalog
	coupons  CouponValidator
	cfg      Config
}

// NewService creates the session manager
func NewService(st Store, providerClient CheckoutClient, catalog Catalog, coupons CouponValidator, cfg Config) *Service {
	return &Service{
		store:    st,
		provider: providerClient,
		catalog:  catalog,
		coupons:  coupons,
		cfg:      cfg,
	}
}

// CreateSession validates the purchase intents and coupons, obtains a hosted
// payment page from the provider, and persists the session together with its
// pending transaction atomically. A provider failure persists the session as
// failed rather than leaving it half-created.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID, intents []models.PurchaseIntent, couponCodes []string, idempotencyKey uuid.UUID) (*models.PaymentSession, error) {
	// Idempotent replay: a repeated key returns the original session.
	existing, err := s.store.SessionByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		log.Printf("Checkout replay for idempotency key %s, returning session %s", idempotencyKey, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	if len(intents) == 0 {
		return nil, fmt.Errorf("%w: no purchase intents", ErrInvalidPurchaseIntent)
	}

	subtotal := decimal.Zero
	for _, intent := range intents {
		if intent.EntityType == "" || intent.EntityID == uuid.Nil {
			return nil, fmt.Errorf("%w: missing entity reference", ErrInvalidPurchaseIntent)
		}

		price, err := s.catalog.Price(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s is not purchasable: %v",
				ErrInvalidPurchaseIntent, intent.EntityType, intent.EntityID, err)
		}

		owned, err := s.catalog.Owned(ctx, userID, intent)
		if err != nil {
			return nil, fmt.Errorf("ownership check for %s %s: %w", intent.EntityType, intent.EntityID, err)
		}
		if owned {
			return nil, fmt.Errorf("%w: %s %s already owned",
				ErrInvalidPurchaseIntent, intent.EntityType, intent.EntityID)
		}

		subtotal = subtotal.Add(price)
	}

	total := subtotal
	var applied []models.AppliedCoupon
	for _, code := range couponCodes {
		coupon, err := s.coupons.Validate(ctx, code, subtotal)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCouponRejected, code, err)
		}
		applied = append(applied, coupon)
		total = total.Sub(coupon.Discount)
	}
	if total.IsNegative() {
		total = decimal.Zero
	}

	now := time.Now().UTC()
	sess := &models.PaymentSession{
		ID:             uuid.New(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Intents:        intents,
		Amount:         total,
		OriginalAmount: subtotal,
		Coupons:        applied,
		Status:         models.SessionCreated,
		CallbackURL:    s.cfg.CallbackURL,
		ReturnURL:      s.cfg.ReturnURL,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}

	result, err := s.provider.CreateCheckout(ctx, provider.CheckoutRequest{
		Amount:      total,
		Currency:    s.cfg.Currency,
		Description: fmt.Sprintf("Order %s", sess.ID),
		Reference:   sess.ID.String(),
		CallbackURL: s.cfg.CallbackURL,
		ReturnURL:   s.cfg.ReturnURL,
	})
	if err != nil {
		msg := err.Error()
		failedAt := now
		sess.Status = models.SessionFailed
		sess.ErrorMessage = &msg
		sess.FailedAt = &failedAt
		if persistErr := s.store.CreateFailedSession(ctx, sess); persistErr != nil {
			log.Printf("Failed to persist failed session %s: %v", sess.ID, persistErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	sess.PageRef = result.PageRef
	sess.PaymentURL = result.PaymentURL

	txn := &models.Transaction{
		ID:            uuid.New(),
		Amount:        total,
		Currency:      s.cfg.Currency,
		PaymentMethod: "credit_card",
		Status:        models.StatusPending,
		PageRef:       result.PageRef,
		Environment:   s.cfg.Environment,
	}

	if err := s.store.CreateCheckout(ctx, sess, txn); err != nil {
		if errors.Is(err, store.ErrDuplicateCheckout) {
			// Lost an insert race on the idempotency key.
			if winner, lookupErr := s.store.SessionByIdempotencyKey(ctx, idempotencyKey); lookupErr == nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("persist checkout: %w", err)
	}

	log.Printf("Checkout session %s created: amount=%s page_ref=%s expires=%s",
		sess.ID, total.StringFixed(2), sess.PageRef, sess.ExpiresAt.Format(time.RFC3339))

	return sess, nil
}

// SessionStatus reads one session for UI status polling.
func (s *Service) SessionStatus(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	return s.store.SessionByID(ctx, id)
}
