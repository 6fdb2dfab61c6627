package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub fans events out to websocket subscribers of a channel. A channel
// with no subscribers is not an error.
type Hub struct {
	mu       sync.RWMutex
	sessions map[Channel]map[*wsSession]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sessions: make(map[Channel]map[*wsSession]struct{}), logger: logger}
}

// Add subscribes conn to ch. The returned func unsubscribes it.
func (h *Hub) Add(ch Channel, conn *websocket.Conn) func() {
	s := &wsSession{conn: conn}
	h.mu.Lock()
	if h.sessions[ch] == nil {
		h.sessions[ch] = make(map[*wsSession]struct{})
	}
	h.sessions[ch][s] = struct{}{}
	h.mu.Unlock()
	return func() { h.remove(ch, s) }
}

func (h *Hub) remove(ch Channel, s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[ch], s)
	if len(h.sessions[ch]) == 0 {
		delete(h.sessions, ch)
	}
}

func (h *Hub) Subscribers(ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[ch])
}

func (h *Hub) Deliver(ctx context.Context, e Event) error {
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions[e.Channel]))
	for s := range h.sessions[e.Channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(e); err != nil {
			h.logger.Warn("ws send failed", "channel", e.Channel, "error", err)
			h.remove(e.Channel, s)
			_ = s.conn.Close()
		}
	}
	return nil
}
