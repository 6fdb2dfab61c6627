package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Address struct {
	Text string `json:"text"`
	Loc  Coord  `json:"loc"`
}

type Vehicle struct {
	Class string `json:"class"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Vehicle Vehicle   `json:"vehicle"`
	Updated time.Time `json:"updated"`
}

// Service is a bookable ride product (economy, comfort, ...) with its rate
// card and the fee split applied at settlement and cancellation.
type Service struct {
	ID                      string          `json:"id"`
	VehicleClass            string          `json:"vehicle_class"`
	BaseFare                decimal.Decimal `json:"base_fare"`
	PerKm                   decimal.Decimal `json:"per_km"`
	PerMinute               decimal.Decimal `json:"per_minute"`
	MinimumFare             decimal.Decimal `json:"minimum_fare"`
	CancellationFee         decimal.Decimal `json:"cancellation_fee"`
	CancellationDriverShare decimal.Decimal `json:"cancellation_driver_share"` // percent of the fee
	ProviderSharePercent    decimal.Decimal `json:"provider_share_percent"`    // platform commission
	SearchRadiusM           float64         `json:"search_radius_m"`
}

// RouteMetrics is what the routing collaborator returns for a trip.
type RouteMetrics struct {
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
}
