// Package order owns the order lifecycle. Every status change goes through
// the transition graph below and lands as a compare-and-set in the store.
package order

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var AllowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusRequested: {
		models.StatusBooked, models.StatusNoCloseFound, models.StatusNotFound,
		models.StatusExpired, models.StatusRiderCanceled,
	},
	// dispatch takes Booked straight to DriverAccepted in one write; Found
	// remains for orders stored before that
	models.StatusBooked: {
		models.StatusFound, models.StatusDriverAccepted, models.StatusNotFound, models.StatusNoCloseFound,
		models.StatusExpired, models.StatusRiderCanceled,
	},
	models.StatusFound: {
		models.StatusDriverAccepted, models.StatusRiderCanceled, models.StatusDriverCanceled,
	},
	models.StatusDriverAccepted: {
		models.StatusArrived, models.StatusRiderCanceled, models.StatusDriverCanceled,
	},
	models.StatusArrived: {
		models.StatusStarted, models.StatusWaitingForPrePay, models.StatusRiderCanceled, models.StatusDriverCanceled,
	},
	models.StatusWaitingForPrePay: {
		models.StatusStarted, models.StatusRiderCanceled, models.StatusDriverCanceled,
	},
	models.StatusStarted:           {models.StatusFinished, models.StatusWaitingForPostPay},
	models.StatusWaitingForPostPay: {models.StatusFinished},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stamp records when the order entered to.
func stamp(o *models.Order, to models.OrderStatus, at time.Time) {
	switch to {
	case models.StatusBooked:
		o.BookedAt = &at
	case models.StatusFound:
		o.FoundAt = &at
	case models.StatusDriverAccepted:
		o.AcceptedAt = &at
	case models.StatusArrived:
		o.ArrivedAt = &at
	case models.StatusStarted:
		o.StartedAt = &at
	case models.StatusFinished:
		o.FinishedAt = &at
	case models.StatusRiderCanceled, models.StatusDriverCanceled:
		o.CancelledAt = &at
	}
}
