package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusRequested         OrderStatus = "requested"
	StatusBooked            OrderStatus = "booked"
	StatusFound             OrderStatus = "found"
	StatusNotFound          OrderStatus = "not_found"
	StatusNoCloseFound      OrderStatus = "no_close_found"
	StatusDriverAccepted    OrderStatus = "driver_accepted"
	StatusArrived           OrderStatus = "arrived"
	StatusWaitingForPrePay  OrderStatus = "waiting_for_pre_pay"
	StatusStarted           OrderStatus = "started"
	StatusWaitingForPostPay OrderStatus = "waiting_for_post_pay"
	StatusFinished          OrderStatus = "finished"
	StatusRiderCanceled     OrderStatus = "rider_canceled"
	StatusDriverCanceled    OrderStatus = "driver_canceled"
	StatusExpired           OrderStatus = "expired"
)

func (s OrderStatus) Canceled() bool {
	return s == StatusRiderCanceled || s == StatusDriverCanceled
}

// TerminalStatuses have no outgoing transitions.
var TerminalStatuses = []OrderStatus{
	StatusFinished, StatusRiderCanceled, StatusDriverCanceled,
	StatusExpired, StatusNotFound, StatusNoCloseFound,
}

func (s OrderStatus) Terminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

type PaymentMode string

const (
	PaymentCash           PaymentMode = "cash"
	PaymentWallet         PaymentMode = "wallet"
	PaymentOnlinePrepaid  PaymentMode = "online_prepaid"
	PaymentOnlinePostpaid PaymentMode = "online_postpaid"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentCash, PaymentWallet, PaymentOnlinePrepaid, PaymentOnlinePostpaid:
		return true
	}
	return false
}

func (m PaymentMode) Online() bool {
	return m == PaymentOnlinePrepaid || m == PaymentOnlinePostpaid
}

type Order struct {
	ID          string       `json:"id"`
	Status      OrderStatus  `json:"status"`
	CustomerID  string       `json:"customer_id"`
	DriverID    *string      `json:"driver_id,omitempty"`
	ServiceID   string       `json:"service_id"`
	Pickup      Address      `json:"pickup"`
	Dropoff     Address      `json:"dropoff"`
	PaymentMode PaymentMode  `json:"payment_mode"`
	Route       RouteMetrics `json:"route"`

	EstimatedFare decimal.Decimal  `json:"estimated_fare"` // costBest
	Discount      decimal.Decimal  `json:"discount"`
	FinalFare     decimal.Decimal  `json:"final_fare"` // costAfterCoupon
	PaidAmount    *decimal.Decimal `json:"paid_amount,omitempty"`
	TipAmount     decimal.Decimal  `json:"tip_amount"`

	CouponID       *string         `json:"coupon_id,omitempty"`
	Coupon         *CouponSnapshot `json:"coupon,omitempty"`
	CancelReasonID *string         `json:"cancel_reason_id,omitempty"`
	PaymentURL     *string         `json:"payment_url,omitempty"`
	Settled        bool            `json:"settled"`

	CreatedAt   time.Time  `json:"created_at"`
	BookedAt    *time.Time `json:"booked_at,omitempty"`
	FoundAt     *time.Time `json:"found_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// AssignedTo reports whether driverID is the driver on the order.
func (o *Order) AssignedTo(driverID string) bool {
	return o.DriverID != nil && *o.DriverID == driverID
}

// Clone returns a deep enough copy for callers that must not share
// pointers with a store.
func (o *Order) Clone() *Order {
	cp := *o
	if o.DriverID != nil {
		v := *o.DriverID
		cp.DriverID = &v
	}
	if o.PaidAmount != nil {
		v := *o.PaidAmount
		cp.PaidAmount = &v
	}
	if o.CouponID != nil {
		v := *o.CouponID
		cp.CouponID = &v
	}
	if o.Coupon != nil {
		v := *o.Coupon
		cp.Coupon = &v
	}
	if o.CancelReasonID != nil {
		v := *o.CancelReasonID
		cp.CancelReasonID = &v
	}
	if o.PaymentURL != nil {
		v := *o.PaymentURL
		cp.PaymentURL = &v
	}
	return &cp
}
