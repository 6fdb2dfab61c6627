package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		d    models.Driver
		ok   bool
	}{
		{"ok", models.Driver{ID: "d1", Loc: models.Coord{Lat: 52.5, Lon: 13.4}, Rating: 4.9}, true},
		{"no id", models.Driver{Loc: models.Coord{Lat: 1, Lon: 1}}, false},
		{"bad lat", models.Driver{ID: "d1", Loc: models.Coord{Lat: 91}}, false},
		{"bad rating", models.Driver{ID: "d1", Rating: 7}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.d)
		if (err == nil) != tc.ok {
			t.Errorf("%s: got %v", tc.name, err)
		}
		if err != nil && !errors.Is(err, apperr.ErrBadRequest) {
			t.Errorf("%s: expected bad request, got %v", tc.name, err)
		}
	}
}

func TestDirectPublishStampsUpdate(t *testing.T) {
	idx := geo.NewIndex()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Direct{Index: idx, Now: func() time.Time { return now }}
	if err := p.Publish(context.Background(), models.Driver{ID: "d1", Online: true}); err != nil {
		t.Fatal(err)
	}
	d, ok, err := idx.Driver(context.Background(), "d1")
	if err != nil || !ok {
		t.Fatalf("driver not indexed: %v", err)
	}
	if !d.Updated.Equal(now) {
		t.Fatalf("updated %s", d.Updated)
	}
}

func TestDecode(t *testing.T) {
	d, err := Decode([]byte(`{"id":"d1","loc":{"lat":1,"lon":2},"rating":4.5,"online":true,"vehicle":{"class":"economy"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Vehicle.Class != "economy" || !d.Online {
		t.Fatalf("decoded %+v", d)
	}
	if _, err := Decode([]byte(`{"loc":{"lat":1,"lon":2}}`)); err == nil {
		t.Fatal("expected missing id to be rejected")
	}
	if _, err := Decode([]byte(`nope`)); err == nil {
		t.Fatal("expected garbage to be rejected")
	}
}
