package notify

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorder is an in-memory Notifier for tests and local runs. OnNotify, if
// set, is called synchronously for every event.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	OnNotify func(Event)
}

func (r *Recorder) Notify(ctx context.Context, ch Channel, event string, payload any) {
	data, _ := json.Marshal(payload)
	e := Event{Channel: ch, Name: event, Data: data}
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.OnNotify
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events named event were sent on ch.
func (r *Recorder) Count(ch Channel, event string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Channel == ch && e.Name == event {
			n++
		}
	}
	return n
}
