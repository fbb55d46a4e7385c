package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/warplock/v1/syncbus"
)

// Event values sent to watchers.
const (
	EventLocked   = "locked"
	EventUnlocked = "unlocked"
)

// Event is one lock state change. Bursts on the same key may be collapsed.
type Event struct {
	Key   string `json:"key"`
	Event string `json:"event"`
}

// subscribe merges the lock and unlock topics of key into one stream that
// ends when ctx is done or the bus drops the subscription.
func (s *Server) subscribe(ctx context.Context, key string) (<-chan Event, error) {
	lockTopic, unlockTopic := syncbus.LockTopic(key), syncbus.UnlockTopic(key)
	locked, err := s.bus.Subscribe(ctx, lockTopic)
	if err != nil {
		return nil, err
	}
	unlocked, err := s.bus.Subscribe(ctx, unlockTopic)
	if err != nil {
		_ = s.bus.Unsubscribe(context.Background(), lockTopic, locked)
		return nil, err
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		defer func() {
			_ = s.bus.Unsubscribe(context.Background(), lockTopic, locked)
			_ = s.bus.Unsubscribe(context.Background(), unlockTopic, unlocked)
		}()
		for {
			var ev Event
			select {
			case _, ok := <-locked:
				if !ok {
					return
				}
				ev = Event{Key: key, Event: EventLocked}
			case _, ok := <-unlocked:
				if !ok {
					return
				}
				ev = Event{Key: key, Event: EventUnlocked}
			case <-ctx.Done():
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var upgrader = websocket.Upgrader{}

// handleWebSocket streams lock events of the "key" query parameter over
// WebSocket as JSON messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	if s.bus == nil {
		http.Error(w, "events unavailable", http.StatusNotImplemented)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// subscribe before the upgrade so no event is missed once the client is connected
	events, err := s.subscribe(ctx, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// the reader notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// handleSSE streams lock events of the "key" query parameter over
// Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	if s.bus == nil {
		http.Error(w, "events unavailable", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.subscribe(ctx, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Key); err != nil {
			return
		}
		flusher.Flush()
	}
}
