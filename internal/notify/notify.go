// Package notify is the outbound contract the core uses to announce state
// changes. Delivery is best effort: Notify never fails the caller, and
// consumers must tolerate duplicated or reordered events.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// Channel addresses the audience of an event: rider:<id>, driver:<id>,
// order:<id> or admins.
type Channel string

const Admins Channel = "admins"

func Rider(id string) Channel { return Channel("rider:" + id) }

func Driver(id string) Channel { return Channel("driver:" + id) }

func Order(id string) Channel { return Channel("order:" + id) }

const (
	EventOrderCreated        = "order:created"
	EventOrderStatus         = "order:status"
	EventOffer               = "order:offer"
	EventOfferExpired        = "order:offer_expired"
	EventOfferWithdrawn      = "order:offer_withdrawn"
	EventOfferUpdated        = "order:offer_updated"
	EventDriverFound         = "order:driver_found"
	EventNoDriver            = "order:no_driver"
	EventPaymentRequired     = "order:payment_required"
	EventPaymentFailed       = "order:payment_failed"
	EventOrderCanceled       = "order:canceled"
	EventWalletTransaction   = "wallet:transaction"
	EventWithdrawalRequested = "wallet:withdrawal_requested"
)

type Notifier interface {
	Notify(ctx context.Context, ch Channel, event string, payload any)
}

// Event is the unit handed to sinks. ID doubles as the idempotency key.
type Event struct {
	ID        string          `json:"id"`
	Channel   Channel         `json:"channel"`
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sink performs the actual delivery of one event.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Channel, string, any) {}
