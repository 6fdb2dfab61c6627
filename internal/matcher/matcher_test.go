package matcher

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeGeo struct {
	cands []geo.Candidate
	limit int
}

func (f *fakeGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]geo.Candidate, error) {
	f.limit = limit
	return f.cands, nil
}

func cand(id string, dist float64, class string) geo.Candidate {
	return geo.Candidate{Driver: models.Driver{ID: id, Online: true, Vehicle: models.Vehicle{Class: class}}, DistanceM: dist}
}

func order() *models.Order { return &models.Order{ID: "o1", CustomerID: "r1"} }

func TestCandidatesTieBreakByID(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("B", 100, ""), cand("A", 100, ""), cand("C", 50, "")}}
	m := &Matcher{Geo: g, TopN: 5}
	res, err := m.Candidates(context.Background(), order(), models.Service{SearchRadiusM: 3000})
	if err != nil {
		t.Fatal(err)
	}
	got := []string{res.Eligible[0].Driver.ID, res.Eligible[1].Driver.ID, res.Eligible[2].Driver.ID}
	if got[0] != "C" || got[1] != "A" || got[2] != "B" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestCandidatesIneligibleClass(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("A", 10, "economy"), cand("B", 20, "economy")}}
	m := &Matcher{Geo: g}
	res, _ := m.Candidates(context.Background(), order(), models.Service{VehicleClass: "comfort"})
	if res.InRadius != 2 || len(res.Eligible) != 0 {
		t.Fatalf("expected 2 in radius, none eligible: %+v", res)
	}
}

func TestCandidatesSkipBlocked(t *testing.T) {
	blocks := NewMemoryBlocks()
	blocks.Block("r1", "A")
	g := &fakeGeo{cands: []geo.Candidate{cand("A", 10, ""), cand("B", 20, "")}}
	m := &Matcher{Geo: g, Blocks: blocks}
	res, _ := m.Candidates(context.Background(), order(), models.Service{})
	if res.InRadius != 1 || len(res.Eligible) != 1 || res.Eligible[0].Driver.ID != "B" {
		t.Fatalf("blocked driver not skipped: %+v", res)
	}

	blocks.Block("r1", "B")
	res, _ = m.Candidates(context.Background(), order(), models.Service{})
	if res.InRadius != 0 {
		t.Fatalf("expected nobody in radius once all are blocked: %+v", res)
	}
}

func TestCandidatesFilterBeforeTopN(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	pickup := models.Coord{Lat: 52.5200, Lon: 13.4050}
	// ten comfort drivers crowd the pickup; the only economy one is ~556m out
	for i := 0; i < 10; i++ {
		_ = idx.Upsert(ctx, models.Driver{
			ID:      "c" + string(rune('0'+i)),
			Loc:     models.Coord{Lat: pickup.Lat + 0.0001*float64(i+1), Lon: pickup.Lon},
			Online:  true,
			Vehicle: models.Vehicle{Class: "comfort"},
		})
	}
	_ = idx.Upsert(ctx, models.Driver{ID: "e1", Loc: models.Coord{Lat: pickup.Lat + 0.005, Lon: pickup.Lon}, Online: true, Vehicle: models.Vehicle{Class: "economy"}})

	m := &Matcher{Geo: idx, TopN: 10}
	o := &models.Order{ID: "o1", CustomerID: "r1", Pickup: models.Address{Loc: pickup}}
	res, err := m.Candidates(ctx, o, models.Service{VehicleClass: "economy", SearchRadiusM: 3000})
	if err != nil {
		t.Fatal(err)
	}
	if res.InRadius != 11 || len(res.Eligible) != 1 || res.Eligible[0].Driver.ID != "e1" {
		t.Fatalf("economy driver lost behind nearer comfort drivers: %+v", res)
	}
}

func TestCandidatesTopNAppliesToEligible(t *testing.T) {
	blocks := NewMemoryBlocks()
	blocks.Block("r1", "A")
	blocks.Block("r1", "B")
	g := &fakeGeo{cands: []geo.Candidate{cand("A", 10, ""), cand("B", 20, ""), cand("C", 30, ""), cand("D", 40, ""), cand("E", 50, "")}}
	m := &Matcher{Geo: g, Blocks: blocks, TopN: 2}
	res, err := m.Candidates(context.Background(), order(), models.Service{})
	if err != nil {
		t.Fatal(err)
	}
	if g.limit != 0 {
		t.Fatalf("radius query truncated to %d", g.limit)
	}
	if len(res.Eligible) != 2 || res.Eligible[0].Driver.ID != "C" || res.Eligible[1].Driver.ID != "D" {
		t.Fatalf("unexpected candidates %+v", res.Eligible)
	}
	if res.InRadius != 3 {
		t.Fatalf("in radius = %d, want 3", res.InRadius)
	}
}
