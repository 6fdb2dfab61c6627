package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyRadiusAndOrder(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	pickup := models.Coord{Lat: 52.5200, Lon: 13.4050}
	_ = g.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 52.60, Lon: 13.40}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "b", Loc: models.Coord{Lat: 52.5210, Lon: 13.4050}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "a", Loc: models.Coord{Lat: 52.5210, Lon: 13.4050}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 52.5201, Lon: 13.4050}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "off", Loc: pickup, Online: false})

	got, err := g.Nearby(ctx, pickup, 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"near", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i].Driver.ID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Driver.ID, id)
		}
	}

	limited, _ := g.Nearby(ctx, pickup, 3000, 1)
	if len(limited) != 1 || limited[0].Driver.ID != "near" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestDriverLookup(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.Driver{ID: "d1", Rating: 4.8, Online: true, Vehicle: models.Vehicle{Class: "economy"}})
	d, ok, err := g.Driver(ctx, "d1")
	if err != nil || !ok || d.Rating != 4.8 || d.Updated.IsZero() {
		t.Fatalf("unexpected %+v ok=%v err=%v", d, ok, err)
	}
	if _, ok, _ := g.Driver(ctx, "nobody"); ok {
		t.Fatal("found unknown driver")
	}
}

func TestDriverMetaRoundTrip(t *testing.T) {
	in := models.Driver{ID: "d1", Rating: 4.5, Online: true, Loc: models.Coord{Lat: 1.5, Lon: 2.5},
		Vehicle: models.Vehicle{Class: "comfort", Model: "Prius", Color: "white", Plate: "B-1"}}
	fields := metaFields(in)
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v.(string)
	}
	out := driverFromMeta("d1", m)
	if out.Rating != in.Rating || !out.Online || out.Vehicle != in.Vehicle || out.Loc != in.Loc {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
