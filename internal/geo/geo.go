package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver found near a point.
type Candidate struct {
	Driver    models.Driver `json:"driver"`
	DistanceM float64       `json:"distance_m"`
}

// Geo is the driver index used by the matcher, the location ingest and
// the driver_found payload. Nearby with limit 0 returns the whole radius.
type Geo interface {
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
	Driver(ctx context.Context, id string) (models.Driver, bool, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Driver(ctx context.Context, id string) (models.Driver, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok, nil
}

// Nearby scans every driver; fine for tests and single-node runs.
func (g *Index) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(at.Lat, at.Lon, d.Loc.Lat, d.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceM: dist})
	}
	g.mu.RUnlock()

	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders by distance, nearest first, then by driver id.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DistanceM != cs[j].DistanceM {
			return cs[i].DistanceM < cs[j].DistanceM
		}
		return cs[i].Driver.ID < cs[j].Driver.ID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
