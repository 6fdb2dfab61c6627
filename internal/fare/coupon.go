package fare

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrCouponNotFound      = apperr.New(apperr.ErrNotFound, "Coupon is invalid or expired")
	ErrCouponLimitExceeded = apperr.New(apperr.ErrLimitExceeded, "Coupon usage limit has been reached")
	ErrCouponAlreadyUsed   = apperr.New(apperr.ErrAlreadyUsed, "You have already used this coupon")
	ErrCouponBelowMinimum  = apperr.New(apperr.ErrBelowMinimum, "Order amount is below the coupon minimum")
)

type Application struct {
	Discount decimal.Decimal
	Final    decimal.Decimal
	Snapshot models.CouponSnapshot
}

// ApplyCoupon validates code for customerID against baseAmount and returns
// the discount. Checks run in a fixed order: existence/window, global cap,
// per-customer cap, minimum cost.
func (e *Engine) ApplyCoupon(ctx context.Context, customerID, code string, baseAmount decimal.Decimal) (Application, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Application{}, ErrCouponNotFound
	}
	c, err := e.Coupons.CouponByCode(ctx, code)
	if errors.Is(err, apperr.ErrNotFound) {
		return Application{}, ErrCouponNotFound
	}
	if err != nil {
		return Application{}, err
	}
	if !c.ActiveAt(e.now()) {
		return Application{}, ErrCouponNotFound
	}

	if c.Capped() {
		total, mine, err := e.Usage.CouponUsage(ctx, c.ID, customerID)
		if err != nil {
			return Application{}, err
		}
		if err := CheckUsage(c, total, mine); err != nil {
			return Application{}, err
		}
	}

	if baseAmount.LessThan(c.MinimumCost) {
		return Application{}, ErrCouponBelowMinimum
	}

	d := Discount(c.Discount, baseAmount)
	return Application{
		Discount: d,
		Final:    baseAmount.Sub(d).Round(2),
		Snapshot: models.CouponSnapshot{CouponID: c.ID, Code: c.Code, Kind: c.Discount},
	}, nil
}

// CheckUsage applies the global cap before the per-customer cap. Stores
// call it again under their write lock, so the counts here must exclude
// the order being written.
func CheckUsage(c *models.Coupon, total, mine int) error {
	if c.ManyUsersCanUse > 0 && total >= c.ManyUsersCanUse {
		return ErrCouponLimitExceeded
	}
	if c.ManyTimesUserCanUse > 0 && mine >= c.ManyTimesUserCanUse {
		return ErrCouponAlreadyUsed
	}
	return nil
}

// Discount computes the discount of kind on base. The result is never
// negative and never exceeds base.
func Discount(kind models.DiscountKind, base decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch kind.Type {
	case models.DiscountFlat:
		d = kind.Value
	case models.DiscountPercent:
		d = base.Mul(kind.Value).Div(hundred)
		if kind.Cap.IsPositive() && d.GreaterThan(kind.Cap) {
			d = kind.Cap
		}
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	if d.GreaterThan(base) {
		d = base
	}
	return d.Round(2)
}
