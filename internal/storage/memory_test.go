package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

func bookedOrder(id, customer string) *models.Order {
	return &models.Order{
		ID:            id,
		Status:        models.StatusBooked,
		CustomerID:    customer,
		ServiceID:     "economy",
		PaymentMode:   models.PaymentCash,
		EstimatedFare: decimal.NewFromInt(10),
		FinalFare:     decimal.NewFromInt(10),
		CreatedAt:     time.Now(),
	}
}

func TestAcceptDriverFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateOrder(ctx, bookedOrder("o1", "c1")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	start := make(chan struct{})
	for _, drv := range []string{"d1", "d2", "d3", "d4"} {
		wg.Add(1)
		go func(drv string) {
			defer wg.Done()
			<-start
			_, err := m.AcceptDriver(ctx, "o1", drv, time.Now())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("unexpected error %v", err)
			}
		}(drv)
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	o, _ := m.GetOrder(ctx, "o1")
	if o.Status != models.StatusDriverAccepted || o.DriverID == nil || o.FoundAt == nil || o.AcceptedAt == nil {
		t.Fatalf("unexpected order after assignment %+v", o)
	}
}

func TestAcceptDriverRequiresBooked(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	o := bookedOrder("o1", "c1")
	o.Status = models.StatusRiderCanceled
	_ = m.CreateOrder(ctx, o)

	if _, err := m.AcceptDriver(ctx, "o1", "d1", time.Now()); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict on cancelled order, got %v", err)
	}
	if _, err := m.AcceptDriver(ctx, "missing", "d1", time.Now()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateOrderCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateOrder(ctx, bookedOrder("o1", "c1"))

	_, err := m.UpdateOrder(ctx, "o1", models.StatusRequested, func(o *models.Order) error {
		o.Status = models.StatusExpired
		return nil
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for stale from-status, got %v", err)
	}

	boom := errors.New("boom")
	if _, err := m.UpdateOrder(ctx, "o1", models.StatusBooked, func(o *models.Order) error {
		o.Status = models.StatusExpired
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, _ := m.GetOrder(ctx, "o1")
	if got.Status != models.StatusBooked {
		t.Fatalf("failed mutate leaked: %s", got.Status)
	}

	// returned orders are copies
	got.Status = models.StatusFinished
	again, _ := m.GetOrder(ctx, "o1")
	if again.Status != models.StatusBooked {
		t.Fatal("store shares pointers with callers")
	}
}

func TestCouponUsageSkipsCancelled(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	coupon := "cp1"
	for i, st := range []models.OrderStatus{models.StatusFinished, models.StatusRiderCanceled, models.StatusDriverCanceled, models.StatusStarted} {
		o := bookedOrder(string(rune('a'+i)), "c1")
		o.Status = st
		o.CouponID = &coupon
		_ = m.CreateOrder(ctx, o)
	}
	other := bookedOrder("z", "c2")
	other.CouponID = &coupon
	_ = m.CreateOrder(ctx, other)

	total, mine, err := m.CouponUsage(ctx, coupon, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || mine != 2 {
		t.Fatalf("total=%d mine=%d, want 3/2", total, mine)
	}
}

func TestCreateOrderHoldsCouponCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.PutCoupon(models.Coupon{ID: "cp1", Code: "ONCE", ManyUsersCanUse: 1, IsEnabled: true})
	coupon := "cp1"

	var wg sync.WaitGroup
	errs := make([]error, 8)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := bookedOrder(string(rune('a'+i)), string(rune('A'+i)))
			o.CouponID = &coupon
			<-start
			errs[i] = m.CreateOrder(ctx, o)
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, fare.ErrCouponLimitExceeded):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("created %d orders on a single-use coupon", created)
	}
	if total, _, _ := m.CouponUsage(ctx, coupon, ""); total != 1 {
		t.Fatalf("usage = %d, want 1", total)
	}
}

func TestUpdateOrderHoldsCouponCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.PutCoupon(models.Coupon{ID: "cp1", Code: "TWICE", ManyTimesUserCanUse: 1, IsEnabled: true})
	coupon := "cp1"

	used := bookedOrder("o1", "c1")
	used.Status = models.StatusFinished
	used.CouponID = &coupon
	if err := m.CreateOrder(ctx, used); err != nil {
		t.Fatal(err)
	}
	_ = m.CreateOrder(ctx, bookedOrder("o2", "c1"))

	_, err := m.UpdateOrder(ctx, "o2", models.StatusBooked, func(o *models.Order) error {
		o.CouponID = &coupon
		return nil
	})
	if !errors.Is(err, fare.ErrCouponAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	if got, _ := m.GetOrder(ctx, "o2"); got.CouponID != nil {
		t.Fatal("rejected coupon was stored")
	}

	// a cancelled use frees the slot
	if _, err := m.UpdateOrder(ctx, "o1", models.StatusFinished, func(o *models.Order) error {
		o.Status = models.StatusRiderCanceled
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateOrder(ctx, "o2", models.StatusBooked, func(o *models.Order) error {
		o.CouponID = &coupon
		return nil
	}); err != nil {
		t.Fatalf("expected coupon to apply, got %v", err)
	}
}

func TestPendingDispatchOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	for i, st := range []models.OrderStatus{models.StatusBooked, models.StatusFinished, models.StatusRequested, models.StatusDriverAccepted} {
		o := bookedOrder(string(rune('a'+i)), "c1")
		o.Status = st
		o.CreatedAt = base.Add(-time.Duration(i) * time.Minute)
		_ = m.CreateOrder(ctx, o)
	}
	ids, err := m.PendingDispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Fatalf("pending = %v, want [c a]", ids)
	}
}

func TestHasActiveOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	done := bookedOrder("o1", "c1")
	done.Status = models.StatusFinished
	_ = m.CreateOrder(ctx, done)

	if active, _ := m.HasActiveOrder(ctx, "c1"); active {
		t.Fatal("finished order counted as active")
	}
	_ = m.CreateOrder(ctx, bookedOrder("o2", "c1"))
	if active, _ := m.HasActiveOrder(ctx, "c1"); !active {
		t.Fatal("booked order not counted as active")
	}
}
