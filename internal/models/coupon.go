package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountFlat    DiscountType = "flat"
	DiscountPercent DiscountType = "percent"
)

// DiscountKind is Flat(Value) or Percent(Value, Cap). Cap is only
// meaningful for percent discounts; zero means uncapped.
type DiscountKind struct {
	Type  DiscountType    `json:"type"`
	Value decimal.Decimal `json:"value"`
	Cap   decimal.Decimal `json:"cap,omitempty"`
}

func Flat(amount decimal.Decimal) DiscountKind {
	return DiscountKind{Type: DiscountFlat, Value: amount}
}

func Percent(pct, limit decimal.Decimal) DiscountKind {
	return DiscountKind{Type: DiscountPercent, Value: pct, Cap: limit}
}

// ResolveDiscount turns the legacy discountFlat/discountPercent/maximumCost
// columns into a DiscountKind. A positive flat amount always wins; ambiguous
// is true when the percent column was populated as well and got ignored.
func ResolveDiscount(flat, percent, maximumCost decimal.Decimal) (kind DiscountKind, ambiguous bool) {
	if flat.IsPositive() {
		return Flat(flat), percent.IsPositive()
	}
	return Percent(percent, maximumCost), false
}

type Coupon struct {
	ID                  string          `json:"id"`
	Code                string          `json:"code"`
	Discount            DiscountKind    `json:"discount"`
	MinimumCost         decimal.Decimal `json:"minimum_cost"`
	ManyUsersCanUse     int             `json:"many_users_can_use"`      // 0 = unlimited
	ManyTimesUserCanUse int             `json:"many_times_user_can_use"` // 0 = unlimited
	StartAt             time.Time       `json:"start_at"`
	ExpireAt            *time.Time      `json:"expire_at,omitempty"`
	IsEnabled           bool            `json:"is_enabled"`
}

// ActiveAt reports whether the coupon is enabled and inside its validity
// window at t.
func (c *Coupon) ActiveAt(t time.Time) bool {
	if !c.IsEnabled || c.StartAt.After(t) {
		return false
	}
	return c.ExpireAt == nil || !c.ExpireAt.Before(t)
}

// CouponSnapshot is copied onto the order when a coupon is applied and is
// never recomputed from the coupon definition afterwards.
type CouponSnapshot struct {
	CouponID string       `json:"coupon_id"`
	Code     string       `json:"code"`
	Kind     DiscountKind `json:"kind"`
}

// Capped reports whether usage has to be counted before applying c.
func (c *Coupon) Capped() bool {
	return c.ManyUsersCanUse > 0 || c.ManyTimesUserCanUse > 0
}
