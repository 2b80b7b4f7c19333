package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-negotiator/internal/events"
	"github.com/example/ride-negotiator/internal/observability"
)

const writeWait = 5 * time.Second

// Session is one websocket subscribed to a ride's thread.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

type hello struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
}

// Hub fans negotiation events out to the websocket sessions watching each
// ride. It satisfies events.Publisher.
type Hub struct {
	mu     sync.RWMutex
	rides  map[string]map[*Session]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{rides: make(map[string]map[*Session]struct{}), logger: logger}
}

// Add registers conn for rideID and confirms the subscription to the client.
func (h *Hub) Add(rideID string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	set, ok := h.rides[rideID]
	if !ok {
		set = make(map[*Session]struct{})
		h.rides[rideID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()

	if err := s.Send(hello{Type: "subscribed", RideID: rideID}); err != nil {
		h.Remove(rideID, s)
	}
	return s
}

// Remove drops the session and closes its connection. Removing twice is a
// no-op.
func (h *Hub) Remove(rideID string, s *Session) {
	h.mu.Lock()
	set, ok := h.rides[rideID]
	if ok {
		if _, ok = set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.rides, rideID)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		observability.WSSessions.Dec()
		_ = s.conn.Close()
	}
}

// Serve subscribes conn to rideID and blocks until the client goes away.
// Inbound frames are read only to notice the close.
func (h *Hub) Serve(rideID string, conn *websocket.Conn) {
	s := h.Add(rideID, conn)
	defer h.Remove(rideID, s)
	// Clear any deadline inherited from the HTTP server's read timeout.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) Subscribers(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rides[rideID])
}

// Publish pushes e to every session of its ride. A session that cannot be
// written is dropped; that is not a delivery failure of the event itself.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rides[e.RideID]))
	for s := range h.rides[e.RideID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(e); err != nil {
			h.logger.Debug("ws_send_failed", "ride_id", e.RideID, "error", err)
			h.Remove(e.RideID, s)
		}
	}
	return nil
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.rides
	h.rides = make(map[string]map[*Session]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for s := range set {
			observability.WSSessions.Dec()
			_ = s.conn.Close()
		}
	}
}
