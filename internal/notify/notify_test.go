package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type flakySink struct {
	mu    sync.Mutex
	fails int
	calls int
	got   []Event
	done  chan struct{}
}

func (f *flakySink) Deliver(ctx context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("relay down")
	}
	f.got = append(f.got, e)
	close(f.done)
	return nil
}

func TestOutboxRetriesUntilDelivered(t *testing.T) {
	sink := &flakySink{fails: 2, done: make(chan struct{})}
	o := NewOutbox(NewMemoryQueue(8), sink, quietLogger())
	o.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Notify(ctx, Rider("r1"), EventOrderStatus, map[string]string{"status": "booked"})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
	e := sink.got[0]
	if e.ID == "" || e.Channel != "rider:r1" || e.Name != EventOrderStatus {
		t.Fatalf("unexpected event %+v", e)
	}
	if string(e.Data) != `{"status":"booked"}` {
		t.Fatalf("unexpected payload %s", e.Data)
	}
}

type countingSink struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSink) Deliver(ctx context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return errors.New("always down")
}

func (c *countingSink) n() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestOutboxDropsAfterAttempts(t *testing.T) {
	sink := &countingSink{}
	q := NewMemoryQueue(8)
	o := NewOutbox(q, sink, quietLogger())
	o.Attempts = 2
	o.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Notify(ctx, Admins, EventNoDriver, nil)
	o.Notify(ctx, Admins, EventNoDriver, nil)
	go o.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for sink.n() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.n(); got != 4 {
		t.Fatalf("expected both events attempted twice, got %d calls", got)
	}
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Enqueue(context.Background(), Event{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), Event{ID: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestHTTPRelayPostsToChannel(t *testing.T) {
	var gotPath, gotKey string
	var body relayBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	relay := NewHTTPRelay(srv.URL + "/")
	e := Event{ID: "evt-1", Channel: Driver("d7"), Name: EventOffer, Data: json.RawMessage(`{"order_id":"o1"}`)}
	if err := relay.Deliver(context.Background(), e); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotPath != "/emit/driver:d7" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "evt-1" || body.Event != EventOffer || string(body.Data) != `{"order_id":"o1"}` {
		t.Fatalf("unexpected request key=%q body=%+v", gotKey, body)
	}
}

func TestHTTPRelayRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPRelay(srv.URL).Deliver(context.Background(), Event{ID: "x", Channel: Admins})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub(quietLogger())
	upgrader := websocket.Upgrader{}
	subscribed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(Order("o1"), conn)
		close(subscribed)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-subscribed

	if hub.Subscribers(Order("o1")) != 1 {
		t.Fatal("expected one subscriber")
	}
	if err := hub.Deliver(context.Background(), Event{ID: "e1", Channel: Order("o1"), Name: EventOrderStatus}); err != nil {
		t.Fatal(err)
	}
	if err := hub.Deliver(context.Background(), Event{ID: "e2", Channel: Order("other")}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.ID != "e1" || e.Name != EventOrderStatus {
		t.Fatalf("unexpected event %+v", e)
	}
}
