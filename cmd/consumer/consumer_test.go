package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeIndex fails the first failN upserts
type fakeIndex struct {
	failN int
	calls int
	last  models.Driver
}

func (f *fakeIndex) Upsert(ctx context.Context, d models.Driver) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("geo fail")
	}
	f.last = d
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failN: 2}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 || f.last.ID != "d1" {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	// 10ms + 20ms of backoff
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failN: 5}
	d := models.Driver{ID: "d1"}
	if err := upsertWithRetry(context.Background(), f, d, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpsertWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeIndex{failN: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := upsertWithRetry(ctx, f, models.Driver{ID: "d1"}, 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}
