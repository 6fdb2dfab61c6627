package fare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeCoupons map[string]*models.Coupon

func (f fakeCoupons) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	c, ok := f[code]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return c, nil
}

type fakeUsage struct{ total, mine int }

func (f fakeUsage) CouponUsage(ctx context.Context, couponID, customerID string) (int, int, error) {
	return f.total, f.mine, nil
}

type fakeCatalog map[string]models.Service

func (f fakeCatalog) Service(ctx context.Context, id string) (models.Service, error) {
	s, ok := f[id]
	if !ok {
		return models.Service{}, apperr.ErrNotFound
	}
	return s, nil
}

type fixedRouter models.RouteMetrics

func (f fixedRouter) EstimateRoute(ctx context.Context, from, to models.Coord) (models.RouteMetrics, error) {
	return models.RouteMetrics(f), nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func coupon(code string, kind models.DiscountKind) *models.Coupon {
	return &models.Coupon{ID: "c_" + code, Code: code, Discount: kind, IsEnabled: true, StartAt: now.Add(-time.Hour)}
}

func engine(coupons fakeCoupons, usage fakeUsage) *Engine {
	return &Engine{Coupons: coupons, Usage: usage, Now: func() time.Time { return now }}
}

func TestApplyCouponPercent(t *testing.T) {
	c := coupon("SAVE10", models.Percent(d("10"), decimal.Zero))
	c.MinimumCost = d("20")
	e := engine(fakeCoupons{"SAVE10": c}, fakeUsage{})

	app, err := e.ApplyCoupon(context.Background(), "cust1", "SAVE10", d("50"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !app.Discount.Equal(d("5.00")) || !app.Final.Equal(d("45.00")) {
		t.Fatalf("discount=%s final=%s, want 5.00/45.00", app.Discount, app.Final)
	}
	if app.Snapshot.Code != "SAVE10" || app.Snapshot.Kind.Type != models.DiscountPercent {
		t.Fatalf("unexpected snapshot %+v", app.Snapshot)
	}
}

func TestApplyCouponFlatWinsOverPercent(t *testing.T) {
	kind, ambiguous := models.ResolveDiscount(d("5"), d("10"), decimal.Zero)
	if !ambiguous {
		t.Fatal("expected both-populated coupon to be reported as ambiguous")
	}
	e := engine(fakeCoupons{"FLAT5": coupon("FLAT5", kind)}, fakeUsage{})

	for _, base := range []string{"12", "50", "500"} {
		app, err := e.ApplyCoupon(context.Background(), "cust1", "FLAT5", d(base))
		if err != nil {
			t.Fatalf("apply on %s: %v", base, err)
		}
		if !app.Discount.Equal(d("5")) {
			t.Fatalf("base %s: discount=%s, want 5", base, app.Discount)
		}
	}
}

func TestApplyCouponAlreadyUsed(t *testing.T) {
	c := coupon("ONCE", models.Flat(d("3")))
	c.ManyTimesUserCanUse = 1
	e := engine(fakeCoupons{"ONCE": c}, fakeUsage{total: 1, mine: 1})

	_, err := e.ApplyCoupon(context.Background(), "cust1", "ONCE", d("30"))
	if !errors.Is(err, ErrCouponAlreadyUsed) || !errors.Is(err, apperr.ErrAlreadyUsed) {
		t.Fatalf("expected ErrCouponAlreadyUsed, got %v", err)
	}
	if err.Error() != "You have already used this coupon" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestApplyCouponValidationOrder(t *testing.T) {
	expired := now.Add(-time.Minute)
	cases := []struct {
		name  string
		mut   func(c *models.Coupon)
		usage fakeUsage
		base  string
		want  error
	}{
		{"disabled", func(c *models.Coupon) { c.IsEnabled = false }, fakeUsage{}, "50", ErrCouponNotFound},
		{"not started", func(c *models.Coupon) { c.StartAt = now.Add(time.Hour) }, fakeUsage{}, "50", ErrCouponNotFound},
		{"expired", func(c *models.Coupon) { c.ExpireAt = &expired }, fakeUsage{}, "50", ErrCouponNotFound},
		// global cap is checked before the per-customer cap and the minimum
		{"global cap", func(c *models.Coupon) {
			c.ManyUsersCanUse = 2
			c.ManyTimesUserCanUse = 1
			c.MinimumCost = d("100")
		}, fakeUsage{total: 2, mine: 1}, "50", ErrCouponLimitExceeded},
		{"customer cap before minimum", func(c *models.Coupon) {
			c.ManyTimesUserCanUse = 1
			c.MinimumCost = d("100")
		}, fakeUsage{total: 1, mine: 1}, "50", ErrCouponAlreadyUsed},
		{"below minimum", func(c *models.Coupon) { c.MinimumCost = d("20") }, fakeUsage{}, "19.99", ErrCouponBelowMinimum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := coupon("X", models.Flat(d("1")))
			tc.mut(c)
			e := engine(fakeCoupons{"X": c}, tc.usage)
			_, err := e.ApplyCoupon(context.Background(), "cust1", "X", d(tc.base))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestApplyCouponUnknownCode(t *testing.T) {
	e := engine(fakeCoupons{}, fakeUsage{})
	if _, err := e.ApplyCoupon(context.Background(), "cust1", "NOPE", d("10")); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDiscountBounds(t *testing.T) {
	cases := []struct {
		name string
		kind models.DiscountKind
		base string
		want string
	}{
		{"percent capped", models.Percent(d("50"), d("8")), "40", "8"},
		{"percent uncapped", models.Percent(d("50"), decimal.Zero), "40", "20"},
		{"percent rounding", models.Percent(d("15"), decimal.Zero), "10.33", "1.55"},
		{"flat clamps to base", models.Flat(d("25")), "12.50", "12.50"},
		{"full percent", models.Percent(d("120"), decimal.Zero), "10", "10"},
	}
	for _, tc := range cases {
		got := Discount(tc.kind, d(tc.base))
		if !got.Equal(d(tc.want)) {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
		if got.GreaterThan(d(tc.base)) {
			t.Errorf("%s: discount exceeds base", tc.name)
		}
	}
}

func TestQuote(t *testing.T) {
	svc := models.Service{
		ID:          "economy",
		BaseFare:    d("2.50"),
		PerKm:       d("1.20"),
		PerMinute:   d("0.30"),
		MinimumFare: d("5"),
	}
	e := &Engine{
		Catalog: fakeCatalog{"economy": svc},
		Router:  fixedRouter{DistanceM: 5500, DurationS: 900},
	}
	q, err := e.Quote(context.Background(), "economy", models.Coord{}, models.Coord{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 2.50 + 5.5*1.20 + 15*0.30 = 13.60
	if !q.Amount.Equal(d("13.60")) {
		t.Fatalf("amount = %s, want 13.60", q.Amount)
	}

	short := QuoteWithRoute(svc, models.RouteMetrics{DistanceM: 300, DurationS: 60})
	if !short.Equal(d("5")) {
		t.Fatalf("expected minimum fare, got %s", short)
	}

	if _, err := e.Quote(context.Background(), "lux", models.Coord{}, models.Coord{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected unknown service to be not found, got %v", err)
	}
}
