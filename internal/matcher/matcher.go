// Package matcher selects dispatch candidates for an order: online drivers
// within the service's search radius, nearest first, ties broken by id.
package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Geo interface {
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]geo.Candidate, error)
}

// BlockList reports whether rider and driver have blocked each other in
// either direction.
type BlockList interface {
	Blocked(ctx context.Context, riderID, driverID string) (bool, error)
}

type Matcher struct {
	Geo            Geo
	Blocks         BlockList // optional
	TopN           int
	DefaultRadiusM float64
}

// Result separates "nobody around" from "nobody suitable".
type Result struct {
	Eligible []geo.Candidate
	InRadius int
}

func (m *Matcher) Candidates(ctx context.Context, o *models.Order, svc models.Service) (Result, error) {
	radius := svc.SearchRadiusM
	if radius <= 0 {
		radius = m.DefaultRadiusM
	}
	// the whole radius is read; TopN caps what survives the filters
	near, err := m.Geo.Nearby(ctx, o.Pickup.Loc, radius, 0)
	if err != nil {
		return Result{}, fmt.Errorf("nearby drivers: %w", err)
	}

	var res Result
	for _, c := range near {
		if m.Blocks != nil {
			blocked, err := m.Blocks.Blocked(ctx, o.CustomerID, c.Driver.ID)
			if err != nil {
				return Result{}, fmt.Errorf("block list: %w", err)
			}
			if blocked {
				continue
			}
		}
		res.InRadius++
		if !Eligible(c.Driver, svc) {
			continue
		}
		res.Eligible = append(res.Eligible, c)
	}
	geo.SortCandidates(res.Eligible)
	limit := m.TopN
	if limit <= 0 {
		limit = 10
	}
	if len(res.Eligible) > limit {
		res.Eligible = res.Eligible[:limit]
	}
	return res, nil
}

// Eligible reports whether d can serve svc.
func Eligible(d models.Driver, svc models.Service) bool {
	if !d.Online {
		return false
	}
	return svc.VehicleClass == "" || d.Vehicle.Class == svc.VehicleClass
}
