package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"adslink/bridge"
	"adslink/entity"
	"adslink/logging"
)

// SSE event type constants.
const (
	eventEntity = "entity"
	eventState  = "state"
	eventConfig = "config"
)

// sseEvent is an internal event for the SSE hub.
type sseEvent struct {
	Type   string
	Entity string // set when the event belongs to one entity
	Data   interface{}
}

// stateUpdate is the JSON payload for state events.
type stateUpdate struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// configUpdate is the JSON payload for config events, sent after the
// config file is saved.
type configUpdate struct {
	Entities  int    `json:"entities"`
	Timestamp string `json:"timestamp"`
}

// sseClient represents a connected SSE client.
type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("web-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("web-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// setupEvents wires registry and hub listeners to broadcast SSE events.
// Returns a cleanup function that removes the listeners.
func (s *Server) setupEvents() func() {
	events := s.events

	removeUpdate := s.registry.OnUpdate(func(snap entity.Snapshot) {
		events.Broadcast(sseEvent{
			Type:   eventEntity,
			Entity: snap.ID,
			Data:   snap,
		})
	})

	removeState := s.hub.OnStateChange(func(state bridge.State) {
		upd := stateUpdate{
			State:     state.String(),
			Connected: state == bridge.StateConnected,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.hub.LastError(); err != nil {
			upd.Error = err.Error()
		}
		events.Broadcast(sseEvent{Type: eventState, Data: upd})
	})

	listenerID := s.config.AddOnChangeListener(func() {
		s.config.Lock()
		count := len(s.config.Entities)
		s.config.Unlock()
		events.Broadcast(sseEvent{
			Type: eventConfig,
			Data: configUpdate{
				Entities:  count,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		})
	})

	return func() {
		removeUpdate()
		removeState()
		s.config.RemoveOnChangeListener(listenerID)
	}
}

// handleSSE serves the /api/v1/events SSE endpoint.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	hub := s.events
	s.mu.RUnlock()
	if hub == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	var entityFilter map[string]bool
	if ids := r.URL.Query().Get("entities"); ids != "" {
		entityFilter = make(map[string]bool)
		for _, id := range strings.Split(ids, ",") {
			entityFilter[strings.TrimSpace(id)] = true
		}
	}

	client := &sseClient{
		id:     fmt.Sprintf("web-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	hub.register <- client

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			hub.unregister <- client
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if entityFilter != nil && event.Entity != "" && !entityFilter[event.Entity] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
