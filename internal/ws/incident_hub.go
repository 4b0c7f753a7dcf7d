// Package ws pushes incident status changes to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"ppewatch/internal/pipeline"
)

// client is one websocket subscriber. Only its write pump touches the
// connection for writing.
type client struct {
	cameraID string // empty receives every camera
	send     chan []byte
}

// IncidentHub fans incident events out to connected clients
type IncidentHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewIncidentHub creates an empty hub
func NewIncidentHub(log zerolog.Logger) *IncidentHub {
	return &IncidentHub{
		clients: make(map[*client]bool),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

func (h *IncidentHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("camera_id", c.cameraID).Int("clients", total).Msg("client registered")
}

func (h *IncidentHub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Run broadcasts events until the channel closes or ctx is done
func (h *IncidentHub) Run(ctx context.Context, events <-chan *pipeline.IncidentEvent) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(e)
		}
	}
}

// Broadcast sends one event to every matching client. A client whose buffer
// is full is disconnected rather than allowed to slow the others down.
func (h *IncidentHub) Broadcast(e *pipeline.IncidentEvent) {
	data, err := json.Marshal(NewIncidentMessage(e))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal incident message")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.cameraID != "" && c.cameraID != e.CameraID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("camera_id", c.cameraID).Msg("dropping slow websocket client")
		h.unregister(c)
	}
}

// ClientCount returns the number of connected clients
func (h *IncidentHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *IncidentHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
