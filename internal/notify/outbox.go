package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrQueueFull = errors.New("notification queue full")

// Delivery is an event read from a queue together with the id used to ack it.
type Delivery struct {
	ID    string
	Event Event
}

type Queue interface {
	Enqueue(ctx context.Context, e Event) error
	Read(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, deliveryID string) error
}

// MemoryQueue is a bounded in-process queue. Enqueue never blocks.
type MemoryQueue struct {
	ch chan Event
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Read(ctx context.Context) ([]Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-q.ch:
		return []Delivery{{ID: e.ID, Event: e}}, nil
	}
}

func (q *MemoryQueue) Ack(context.Context, string) error { return nil }

// Outbox decouples state transitions from delivery: Notify only enqueues,
// Run delivers to the sink with retries.
type Outbox struct {
	queue    Queue
	sink     Sink
	logger   *slog.Logger
	Attempts int
	Backoff  time.Duration
}

func NewOutbox(q Queue, sink Sink, logger *slog.Logger) *Outbox {
	return &Outbox{queue: q, sink: sink, logger: logger, Attempts: 3, Backoff: 200 * time.Millisecond}
}

func (o *Outbox) Notify(ctx context.Context, ch Channel, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("notification payload not encodable", "channel", ch, "event", event, "error", err)
		observability.NotificationsTotal.WithLabelValues("invalid").Inc()
		return
	}
	e := Event{ID: uuid.NewString(), Channel: ch, Name: event, Data: data, CreatedAt: time.Now().UTC()}

	// the caller's request may already be finished; the event must still land
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.queue.Enqueue(enqCtx, e); err != nil {
		o.logger.Warn("notification not queued", "channel", ch, "event", event, "error", err)
		observability.NotificationsTotal.WithLabelValues("enqueue_failed").Inc()
		return
	}
	observability.NotificationsTotal.WithLabelValues("queued").Inc()
}

// Run drains the queue until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	for {
		ds, err := o.queue.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("outbox read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			continue
		}
		for _, d := range ds {
			if err := o.deliver(ctx, d.Event); err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Error("dropping notification", "id", d.Event.ID, "channel", d.Event.Channel, "event", d.Event.Name, "error", err)
				observability.NotificationsTotal.WithLabelValues("dropped").Inc()
			} else {
				observability.NotificationsTotal.WithLabelValues("delivered").Inc()
			}
			if err := o.queue.Ack(ctx, d.ID); err != nil {
				o.logger.Warn("outbox ack failed", "id", d.ID, "error", err)
			}
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, e Event) error {
	attempts := o.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := o.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = o.sink.Deliver(dctx, e)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Multi fans an event out to several sinks and reports every failure.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
