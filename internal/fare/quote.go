// Package fare prices trips and applies coupon discounts. Everything except
// the collaborator lookups is pure arithmetic on decimals.
package fare

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	hundred  = decimal.NewFromInt(100)
	thousand = decimal.NewFromInt(1000)
	sixty    = decimal.NewFromInt(60)
)

type ServiceCatalog interface {
	Service(ctx context.Context, id string) (models.Service, error)
}

type CouponStore interface {
	CouponByCode(ctx context.Context, code string) (*models.Coupon, error)
}

// UsageCounter counts non-cancelled orders that reference a coupon, overall
// and for one customer.
type UsageCounter interface {
	CouponUsage(ctx context.Context, couponID, customerID string) (total, byCustomer int, err error)
}

type Router interface {
	EstimateRoute(ctx context.Context, from, to models.Coord) (models.RouteMetrics, error)
}

type Engine struct {
	Catalog ServiceCatalog
	Coupons CouponStore
	Usage   UsageCounter
	Router  Router
	Now     func() time.Time
}

type Quote struct {
	Service models.Service
	Route   models.RouteMetrics
	Amount  decimal.Decimal
}

// Quote prices a trip for serviceID using the routing collaborator's
// metrics.
func (e *Engine) Quote(ctx context.Context, serviceID string, pickup, dropoff models.Coord) (Quote, error) {
	svc, err := e.Catalog.Service(ctx, serviceID)
	if err != nil {
		return Quote{}, err
	}
	route, err := e.Router.EstimateRoute(ctx, pickup, dropoff)
	if err != nil {
		return Quote{}, fmt.Errorf("estimate route: %w", err)
	}
	return Quote{Service: svc, Route: route, Amount: QuoteWithRoute(svc, route)}, nil
}

// QuoteWithRoute is base + per-km + per-minute, floored at the service
// minimum and rounded to cents.
func QuoteWithRoute(svc models.Service, route models.RouteMetrics) decimal.Decimal {
	km := decimal.NewFromFloat(route.DistanceM).Div(thousand)
	minutes := decimal.NewFromFloat(route.DurationS).Div(sixty)
	amount := svc.BaseFare.Add(svc.PerKm.Mul(km)).Add(svc.PerMinute.Mul(minutes))
	if amount.LessThan(svc.MinimumFare) {
		amount = svc.MinimumFare
	}
	return amount.Round(2)
}

// Percentage returns pct percent of amount, rounded to cents.
func Percentage(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(2)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
