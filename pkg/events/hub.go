// Package events provides the in-process session event hub feeding the
// WebSocket stream. The gateway is a single process, so no cross-host
// fan-out is involved: publishers are the session service, subscribers are
// WebSocket connections.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType distinguishes the two event shapes carried per session.
type EventType string

const (
	// EventStatus signals a session status transition.
	EventStatus EventType = "session.status"
	// EventLog signals an appended log row.
	EventLog EventType = "session.log"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events (slow-consumer drop).
const subscriberBuffer = 16

// SessionEvent is one event on a session's stream.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Status    string    `json:"status,omitempty"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans session events out to per-session subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan SessionEvent // session id → subscriber id → channel
	nextID int
	closed bool
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[int]chan SessionEvent),
		logger: slog.Default().With("component", "events"),
	}
}

// Publish delivers the event to every subscriber of its session without
// blocking. Events to full subscriber channels are dropped.
func (h *Hub) Publish(ev SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for id, ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Dropping event for slow subscriber",
				"session_id", ev.SessionID, "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribe registers a subscriber for one session's events. The returned
// cancel function unregisters and closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan SessionEvent)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs, ok := h.subs[sessionID]
			if !ok {
				return // hub closed; Close already closed the channel
			}
			if _, ok := subs[id]; !ok {
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subs = make(map[string]map[int]chan SessionEvent)
}
