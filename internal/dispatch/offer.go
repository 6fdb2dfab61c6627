package dispatch

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeFailed: the driver accepted but the order could not be written.
	OutcomeFailed Outcome = "failed"
)

// Attempt is the audit record of one offer.
type Attempt struct {
	OrderID     string     `json:"order_id"`
	DriverID    string     `json:"driver_id"`
	OfferedAt   time.Time  `json:"offered_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Outcome     Outcome    `json:"outcome"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

var ErrNoOffer = apperr.New(apperr.ErrConflict, "no open offer for this driver")

type response struct {
	accept bool
	reply  chan error
}

// Offer is the single outstanding offer of a dispatch session. It owns the
// acceptance timer and a response slot that can be used once.
type Offer struct {
	OrderID   string
	DriverID  string
	OfferedAt time.Time

	expiresAt time.Time
	timer     *time.Timer
	responses chan response

	mu     sync.Mutex
	used   bool
	closed bool
}

func newOffer(orderID, driverID string, now time.Time, timeout time.Duration) *Offer {
	return &Offer{
		OrderID:   orderID,
		DriverID:  driverID,
		OfferedAt: now,
		expiresAt: now.Add(timeout),
		timer:     time.NewTimer(timeout),
		responses: make(chan response, 1),
	}
}

func (o *Offer) ExpiresAt() time.Time { return o.expiresAt }

func (o *Offer) Remaining(now time.Time) time.Duration {
	if d := o.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Stop releases the timer. It reports whether the timer was still running.
func (o *Offer) Stop() bool { return o.timer.Stop() }

// respond claims the response slot. Only the first call on an open offer
// succeeds; the returned channel receives the coordinator's verdict.
func (o *Offer) respond(accept bool) (<-chan error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.used || o.closed {
		return nil, false
	}
	o.used = true
	reply := make(chan error, 1)
	o.responses <- response{accept: accept, reply: reply}
	return reply, true
}

// close stops accepting responses and answers one that raced the close.
func (o *Offer) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Stop()
	select {
	case r := <-o.responses:
		r.reply <- ErrNoOffer
	default:
	}
}
