package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coursepay-gateway/internal/models"
)

// PgCatalog is a thin read-only view over the product subsystem's tables.
// Pricing and publishing rules belong to that subsystem; the checkout only
// asks "can this be bought, and for how much".
type PgCatalog struct {
	pool *pgxpool.Pool
}

// NewPgCatalog creates the catalog view
func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

// Price returns the current price of a purchasable entity.
func (c *PgCatalog) Price(ctx context.Context, intent models.PurchaseIntent) (decimal.Decimal, error) {
	query := `
		SELECT price FROM catalog_items
		WHERE entity_type = $1 AND entity_id = $2 AND is_purchasable
	`

	var price decimal.Decimal
	err := c.pool.QueryRow(ctx, query, intent.EntityType, intent.EntityID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("entity not purchasable")
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price lookup: %w", err)
	}
	return price, nil
}

// Owned reports whether the user already holds a grant for the entity.
func (c *PgCatalog) Owned(ctx context.Context, userID uuid.UUID, intent models.PurchaseIntent) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM purchases
			WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
		)
	`

	var owned bool
	err := c.pool.QueryRow(ctx, query, userID, intent.EntityType, intent.EntityID).Scan(&owned)
	if err != nil {
		return false, fmt.Errorf("ownership lookup: %w", err)
	}
	return owned, nil
}

// PgCoupons validates coupon codes against the coupons table.
type PgCoupons struct {
	pool *pgxpool.Pool
}

// NewPgCoupons creates the coupon validator
func NewPgCoupons(pool *pgxpool.Pool) *PgCoupons {
	return &PgCoupons{pool: pool}
}

// Validate checks a coupon code and computes the discount it grants on the
// given subtotal. Percent coupons discount a share of the subtotal; fixed
// coupons discount their face value.
func (c *PgCoupons) Validate(ctx context.Context, code string, subtotal decimal.Decimal) (models.AppliedCoupon, error) {
	query := `
		SELECT discount_type, discount_value
		FROM coupons
		WHERE code = $1 AND is_active AND (valid_until IS NULL OR valid_until > NOW())
	`

	var discountType string
	var discountValue decimal.Decimal
	err := c.pool.QueryRow(ctx, query, code).Scan(&discountType, &discountValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AppliedCoupon{}, fmt.Errorf("unknown or inactive coupon")
	}
	if err != nil {
		return models.AppliedCoupon{}, fmt.Errorf("coupon lookup: %w", err)
	}

	var discount decimal.Decimal
	switch discountType {
	case "percent":
		discount = subtotal.Mul(discountValue).Div(decimal.NewFromInt(100))
	case "fixed":
		discount = discountValue
	default:
		return models.AppliedCoupon{}, fmt.Errorf("unsupported discount type %q", discountType)
	}

	return models.AppliedCoupon{Code: code, Discount: discount.Round(2)}, nil
}
