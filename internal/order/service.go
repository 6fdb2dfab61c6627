package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/wallet"
)

type Store interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, id string, from models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error)
	AcceptDriver(ctx context.Context, id, driverID string, at time.Time) (*models.Order, error)
	PendingDispatch(ctx context.Context) ([]string, error)
	HasActiveOrder(ctx context.Context, customerID string) (bool, error)
}

// Aborter stops an in-flight dispatch for an order.
type Aborter interface {
	Abort(orderID string)
}

// FareWatcher is told when an order's fare changes while it is being
// dispatched. An Aborter may also implement it.
type FareWatcher interface {
	FareChanged(ctx context.Context, o *models.Order)
}

type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, orderID string, amount decimal.Decimal) (string, error)
}

type Service struct {
	store    Store
	fares    *fare.Engine
	ledger   *wallet.Ledger
	payments PaymentGateway
	notifier notify.Notifier
	logger   *slog.Logger
	aborter  Aborter
	now      func() time.Time
}

func NewService(store Store, fares *fare.Engine, ledger *wallet.Ledger, payments PaymentGateway, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    store,
		fares:    fares,
		ledger:   ledger,
		payments: payments,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetAborter wires the dispatcher in after construction; the two depend on
// each other.
func (s *Service) SetAborter(a Aborter) { s.aborter = a }

type CreateRequest struct {
	CustomerID  string             `json:"customer_id"`
	ServiceID   string             `json:"service_id"`
	Pickup      models.Address     `json:"pickup"`
	Dropoff     models.Address     `json:"dropoff"`
	PaymentMode models.PaymentMode `json:"payment_mode"`
	CouponCode  string             `json:"coupon_code,omitempty"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Order, error) {
	if req.CustomerID == "" || req.ServiceID == "" {
		return nil, apperr.New(apperr.ErrBadRequest, "customer_id and service_id are required")
	}
	if req.PaymentMode == "" {
		req.PaymentMode = models.PaymentCash
	}
	if !req.PaymentMode.Valid() {
		return nil, apperr.New(apperr.ErrBadRequest, "unknown payment mode "+string(req.PaymentMode))
	}
	active, err := s.store.HasActiveOrder(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, apperr.New(apperr.ErrConflict, "customer already has an active order")
	}

	q, err := s.fares.Quote(ctx, req.ServiceID, req.Pickup.Loc, req.Dropoff.Loc)
	if err != nil {
		return nil, err
	}
	o := &models.Order{
		ID:            uuid.NewString(),
		Status:        models.StatusRequested,
		CustomerID:    req.CustomerID,
		ServiceID:     req.ServiceID,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		PaymentMode:   req.PaymentMode,
		Route:         q.Route,
		EstimatedFare: q.Amount,
		FinalFare:     q.Amount,
		CreatedAt:     s.now().UTC(),
	}
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		app, err := s.fares.ApplyCoupon(ctx, req.CustomerID, code, q.Amount)
		if err != nil {
			return nil, err
		}
		applyDiscount(o, app)
	}
	if o.PaymentMode == models.PaymentWallet {
		bal, err := s.ledger.Balance(ctx, models.CustomerAccount(o.CustomerID))
		if err != nil {
			return nil, err
		}
		if bal.LessThan(o.FinalFare) {
			return nil, wallet.ErrInsufficientBalance
		}
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order created", "order_id", o.ID, "customer_id", o.CustomerID, "fare", o.FinalFare.String())
	payload := statusPayload(o)
	s.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventOrderCreated, payload)
	s.notifier.Notify(ctx, notify.Admins, notify.EventOrderCreated, payload)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ApplyCoupon attaches a coupon to an order that has no driver yet. An
// order takes at most one coupon.
func (s *Service) ApplyCoupon(ctx context.Context, orderID, customerID, code string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, apperr.New(apperr.ErrForbidden, "order belongs to another customer")
	}
	if o.Status != models.StatusRequested && o.Status != models.StatusBooked {
		return nil, apperr.New(apperr.ErrConflict, "coupon can only be applied before a driver is found")
	}
	if o.Coupon != nil {
		return nil, apperr.New(apperr.ErrConflict, "a coupon is already applied to this order")
	}
	app, err := s.fares.ApplyCoupon(ctx, customerID, code, o.EstimatedFare)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateOrder(ctx, orderID, o.Status, func(cur *models.Order) error {
		if cur.Coupon != nil {
			return apperr.New(apperr.ErrConflict, "a coupon is already applied to this order")
		}
		applyDiscount(cur, app)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("coupon applied", "order_id", updated.ID, "code", app.Snapshot.Code, "fare", updated.FinalFare.String())
	if fw, ok := s.aborter.(FareWatcher); ok && updated.Status == models.StatusBooked {
		fw.FareChanged(ctx, updated)
	}
	return updated, nil
}

func applyDiscount(o *models.Order, app fare.Application) {
	snap := app.Snapshot
	o.Coupon = &snap
	o.CouponID = &snap.CouponID
	o.Discount = app.Discount
	o.FinalFare = app.Final
}

// transition moves an order from -> to under compare-and-set. mutate may
// adjust other fields in the same write.
func (s *Service) transition(ctx context.Context, id string, from, to models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	if !CanTransition(from, to) {
		s.logger.Error("invalid order transition", "order_id", id, "from", from, "to", to)
		return nil, fmt.Errorf("order %s %s -> %s: %w", id, from, to, apperr.ErrInvalidTransition)
	}
	now := s.now().UTC()
	o, err := s.store.UpdateOrder(ctx, id, from, func(o *models.Order) error {
		o.Status = to
		stamp(o, to, now)
		if mutate != nil {
			return mutate(o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.announce(ctx, o)
	return o, nil
}

func (s *Service) announce(ctx context.Context, o *models.Order) {
	payload := statusPayload(o)
	s.notifier.Notify(ctx, notify.Order(o.ID), notify.EventOrderStatus, payload)
	s.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventOrderStatus, payload)
	if o.DriverID != nil {
		s.notifier.Notify(ctx, notify.Driver(*o.DriverID), notify.EventOrderStatus, payload)
	}
}

func statusPayload(o *models.Order) map[string]any {
	p := map[string]any{
		"order_id":   o.ID,
		"status":     o.Status,
		"final_fare": o.FinalFare,
	}
	if o.DriverID != nil {
		p["driver_id"] = *o.DriverID
	}
	return p
}

// MarkBooked moves a fresh order into Booked when the first offer goes
// out. Later rounds find it already Booked and leave it alone.
func (s *Service) MarkBooked(ctx context.Context, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case models.StatusBooked:
		return o, nil
	case models.StatusRequested:
		return s.transition(ctx, id, o.Status, models.StatusBooked, nil)
	}
	return nil, fmt.Errorf("order %s is %s: %w", id, o.Status, apperr.ErrConflict)
}

// AcceptOffer hands the order to driverID and marks it accepted in one
// write. At most one caller wins; the rest get ErrConflict.
func (s *Service) AcceptOffer(ctx context.Context, id, driverID string) (*models.Order, error) {
	o, err := s.store.AcceptDriver(ctx, id, driverID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	observability.OrderTransitionsTotal.WithLabelValues(string(models.StatusBooked), string(models.StatusDriverAccepted)).Inc()
	s.announce(ctx, o)
	return o, nil
}

// PendingDispatch lists orders that still need a driver, oldest first.
func (s *Service) PendingDispatch(ctx context.Context) ([]string, error) {
	return s.store.PendingDispatch(ctx)
}

// Terminalize ends a dispatch that produced no driver.
func (s *Service) Terminalize(ctx context.Context, id string, to models.OrderStatus) (*models.Order, error) {
	switch to {
	case models.StatusNotFound, models.StatusNoCloseFound, models.StatusExpired:
	default:
		return nil, fmt.Errorf("terminalize to %s: %w", to, apperr.ErrInvalidTransition)
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, fmt.Errorf("order %s already %s: %w", id, o.Status, apperr.ErrConflict)
	}
	return s.transition(ctx, id, o.Status, to, nil)
}

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
)

type CancelRequest struct {
	OrderID  string  `json:"-"`
	Actor    Actor   `json:"actor"`
	ActorID  string  `json:"actor_id"`
	ReasonID *string `json:"reason_id,omitempty"`
}

// Cancel is allowed until the trip starts. Once a driver holds the order
// the cancelling party pays the service's cancellation fee.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*models.Order, error) {
	var to models.OrderStatus
	switch req.Actor {
	case ActorRider:
		to = models.StatusRiderCanceled
	case ActorDriver:
		to = models.StatusDriverCanceled
	default:
		return nil, apperr.New(apperr.ErrBadRequest, "actor must be rider or driver")
	}

	var updated *models.Order
	// dispatch may move the order between our read and write; retry on that
	for attempt := 0; attempt < 3; attempt++ {
		o, err := s.store.GetOrder(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if req.Actor == ActorRider && o.CustomerID != req.ActorID {
			return nil, apperr.New(apperr.ErrForbidden, "order belongs to another customer")
		}
		if req.Actor == ActorDriver && !o.AssignedTo(req.ActorID) {
			return nil, apperr.New(apperr.ErrForbidden, "driver is not assigned to this order")
		}
		updated, err = s.transition(ctx, o.ID, o.Status, to, func(cur *models.Order) error {
			cur.CancelReasonID = req.ReasonID
			return nil
		})
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, apperr.New(apperr.ErrConflict, "order changed while cancelling, try again")
	}

	if s.aborter != nil {
		s.aborter.Abort(updated.ID)
	}
	if updated.DriverID != nil {
		s.postCancellationFee(ctx, updated, req.Actor)
	}
	payload := statusPayload(updated)
	s.notifier.Notify(ctx, notify.Rider(updated.CustomerID), notify.EventOrderCanceled, payload)
	if updated.DriverID != nil {
		s.notifier.Notify(ctx, notify.Driver(*updated.DriverID), notify.EventOrderCanceled, payload)
	}
	return updated, nil
}

// postCancellationFee runs after the cancellation is committed; a ledger
// failure is logged and does not undo it.
func (s *Service) postCancellationFee(ctx context.Context, o *models.Order, actor Actor) {
	svc, err := s.fares.Catalog.Service(ctx, o.ServiceID)
	if err != nil {
		s.logger.Error("cancellation fee: service lookup failed", "order_id", o.ID, "error", err)
		return
	}
	fee := svc.CancellationFee.Round(2)
	if !fee.IsPositive() {
		return
	}
	driverAcct := models.DriverAccount(*o.DriverID)
	var entries []wallet.Entry
	if actor == ActorRider {
		riderAcct := models.CustomerAccount(o.CustomerID)
		entries = append(entries, wallet.Entry{
			AccountID: riderAcct, Type: models.Debit, Action: models.ActionCancellationFee,
			Amount: fee, Description: "Cancellation fee", OrderID: &o.ID,
			IdempotencyKey: "cancel:" + o.ID + ":" + riderAcct,
		})
		if share := fare.Percentage(fee, svc.CancellationDriverShare); share.IsPositive() {
			entries = append(entries, wallet.Entry{
				AccountID: driverAcct, Type: models.Credit, Action: models.ActionCancellationCompensation,
				Amount: share, Description: "Rider cancellation compensation", OrderID: &o.ID,
				IdempotencyKey: "cancel:" + o.ID + ":" + driverAcct,
			})
		}
	} else {
		entries = append(entries, wallet.Entry{
			AccountID: driverAcct, Type: models.Debit, Action: models.ActionCancellationFee,
			Amount: fee, Description: "Cancellation fee", OrderID: &o.ID,
			IdempotencyKey: "cancel:" + o.ID + ":" + driverAcct,
		})
	}
	if _, err := s.ledger.PostBatch(ctx, wallet.Batch{Entries: entries}); err != nil {
		s.logger.Error("cancellation fee not posted", "order_id", o.ID, "error", err)
	}
}

func (s *Service) assigned(ctx context.Context, id, driverID string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.AssignedTo(driverID) {
		return nil, apperr.New(apperr.ErrForbidden, "driver is not assigned to this order")
	}
	return o, nil
}

func (s *Service) Arrive(ctx context.Context, id, driverID string) (*models.Order, error) {
	if _, err := s.assigned(ctx, id, driverID); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, models.StatusDriverAccepted, models.StatusArrived, nil)
}

// Start begins the trip. A prepaid order is parked in WaitingForPrePay
// until its payment is confirmed.
func (s *Service) Start(ctx context.Context, id, driverID string) (*models.Order, error) {
	o, err := s.assigned(ctx, id, driverID)
	if err != nil {
		return nil, err
	}
	if o.PaymentMode == models.PaymentOnlinePrepaid && !o.Settled {
		if o.Status == models.StatusWaitingForPrePay {
			return nil, apperr.New(apperr.ErrConflict, "waiting for the rider's prepayment")
		}
		return s.requestPayment(ctx, o, o.Status, models.StatusWaitingForPrePay)
	}
	return s.transition(ctx, id, o.Status, models.StatusStarted, nil)
}

// Complete ends the trip. Cash and wallet orders settle here; a postpaid
// order is parked until its payment is confirmed.
func (s *Service) Complete(ctx context.Context, id, driverID string) (*models.Order, error) {
	o, err := s.assigned(ctx, id, driverID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusStarted {
		s.logger.Error("invalid order transition", "order_id", id, "from", o.Status, "to", models.StatusFinished)
		return nil, fmt.Errorf("order %s is %s: %w", id, o.Status, apperr.ErrInvalidTransition)
	}
	switch o.PaymentMode {
	case models.PaymentOnlinePostpaid:
		return s.requestPayment(ctx, o, models.StatusStarted, models.StatusWaitingForPostPay)
	case models.PaymentOnlinePrepaid:
		return s.transition(ctx, id, models.StatusStarted, models.StatusFinished, nil)
	}
	if err := s.settle(ctx, o); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, models.StatusStarted, models.StatusFinished, markSettled)
}

func (s *Service) requestPayment(ctx context.Context, o *models.Order, from, to models.OrderStatus) (*models.Order, error) {
	if !CanTransition(from, to) {
		s.logger.Error("invalid order transition", "order_id", o.ID, "from", from, "to", to)
		return nil, fmt.Errorf("order %s %s -> %s: %w", o.ID, from, to, apperr.ErrInvalidTransition)
	}
	if s.payments == nil {
		return nil, errors.New("no payment gateway configured")
	}
	url, err := s.payments.CreatePaymentLink(ctx, o.ID, o.FinalFare)
	if err != nil {
		return nil, fmt.Errorf("create payment link: %w", err)
	}
	updated, err := s.transition(ctx, o.ID, from, to, func(cur *models.Order) error {
		cur.PaymentURL = &url
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventPaymentRequired, map[string]any{
		"order_id": o.ID,
		"amount":   o.FinalFare,
		"pay_url":  url,
	})
	return updated, nil
}

type PaymentResult struct {
	OrderID   string `json:"order_id"`
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
}

// ConfirmPayment feeds back the gateway outcome for a parked order. A
// result for an already settled order is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, res PaymentResult) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, res.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Settled {
		return o, nil
	}
	var to models.OrderStatus
	switch o.Status {
	case models.StatusWaitingForPrePay:
		to = models.StatusStarted
	case models.StatusWaitingForPostPay:
		to = models.StatusFinished
	default:
		return nil, apperr.New(apperr.ErrConflict, "order is not awaiting payment")
	}
	if !res.Success {
		s.logger.Warn("payment failed", "order_id", o.ID, "reference", res.Reference)
		s.notifier.Notify(ctx, notify.Rider(o.CustomerID), notify.EventPaymentFailed, map[string]any{
			"order_id": o.ID,
			"pay_url":  o.PaymentURL,
		})
		return o, nil
	}

	if err := s.settle(ctx, o); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, o.ID, o.Status, to, markSettled)
	if errors.Is(err, apperr.ErrConflict) {
		// a concurrent confirmation got there first
		if cur, gerr := s.store.GetOrder(ctx, o.ID); gerr == nil && cur.Settled {
			return cur, nil
		}
	}
	return updated, err
}

func markSettled(o *models.Order) error {
	paid := o.FinalFare
	o.PaidAmount = &paid
	o.Settled = true
	return nil
}

// settle posts the ride's money movements as one batch. Keys are per
// order and account so replays do not post twice.
func (s *Service) settle(ctx context.Context, o *models.Order) error {
	if o.DriverID == nil {
		return fmt.Errorf("settle order %s without driver: %w", o.ID, apperr.ErrConflict)
	}
	svc, err := s.fares.Catalog.Service(ctx, o.ServiceID)
	if err != nil {
		return err
	}
	b := settlementBatch(o, svc)
	if _, err := s.ledger.PostBatch(ctx, b); err != nil {
		return fmt.Errorf("settle order %s: %w", o.ID, err)
	}
	s.logger.Info("order settled", "order_id", o.ID, "mode", o.PaymentMode, "entries", len(b.Entries))
	return nil
}

func settlementBatch(o *models.Order, svc models.Service) wallet.Batch {
	commission := fare.Percentage(o.FinalFare, svc.ProviderSharePercent)
	net := o.FinalFare.Sub(commission)
	rider := models.CustomerAccount(o.CustomerID)
	driver := models.DriverAccount(*o.DriverID)
	entry := func(acct string, typ models.TransactionType, action models.TransactionAction, amt decimal.Decimal, desc string) wallet.Entry {
		return wallet.Entry{
			AccountID: acct, Type: typ, Action: action, Amount: amt, Description: desc,
			OrderID: &o.ID, IdempotencyKey: "settle:" + o.ID + ":" + acct,
		}
	}

	var entries []wallet.Entry
	switch o.PaymentMode {
	case models.PaymentCash:
		// the driver collected the fare and owes the platform its share
		if commission.IsPositive() {
			entries = append(entries, entry(driver, models.Debit, models.ActionCommission, commission, "Platform commission"))
		}
	case models.PaymentWallet:
		if o.FinalFare.IsPositive() {
			entries = append(entries, entry(rider, models.Debit, models.ActionRideSettlement, o.FinalFare, "Ride payment"))
		}
		if net.IsPositive() {
			entries = append(entries, entry(driver, models.Credit, models.ActionRideEarning, net, "Ride earning"))
		}
	default:
		if net.IsPositive() {
			entries = append(entries, entry(driver, models.Credit, models.ActionRideEarning, net, "Ride earning"))
		}
	}
	return wallet.Batch{Entries: entries}
}
