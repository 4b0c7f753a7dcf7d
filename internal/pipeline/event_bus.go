package pipeline

import (
	"sync"
	"time"

	"ppewatch/internal/store"
)

// IncidentEvent announces a status change of an incident
type IncidentEvent struct {
	ReportID string        `json:"report_id"`
	Status   string        `json:"status"`
	Previous string        `json:"previous_status,omitempty"`
	Severity string        `json:"severity"`
	CameraID string        `json:"camera_id,omitempty"`
	Missing  []string      `json:"missing_ppe"`
	Error    string        `json:"error_message,omitempty"`
	Time     time.Time     `json:"time"`
	Record   *store.Record `json:"record,omitempty"`

	// Annotated frame for notifiers that attach an image
	Annotated []byte `json:"-"`
}

// Terminal reports whether the event carries a final status
func (e *IncidentEvent) Terminal() bool {
	switch e.Status {
	case "completed", "partial", "failed":
		return true
	}
	return false
}

// IncidentHandler receives incident events
type IncidentHandler interface {
	OnIncident(event *IncidentEvent)
}

// IncidentHandlerFunc adapts a function to IncidentHandler
type IncidentHandlerFunc func(event *IncidentEvent)

func (f IncidentHandlerFunc) OnIncident(event *IncidentEvent) {
	f(event)
}

// EventBus provides pub/sub for incident events. The pipeline publishes;
// presentation adapters subscribe, so the core never calls them directly.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan *IncidentEvent
	handler      IncidentHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
}

// Subscribe registers a handler for events from all cameras.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler IncidentHandler) func() {
	sub := &eventSubscription{handler: handler}
	b.add(sub)

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel that receives events, and an
// unsubscribe function that closes it. Events are dropped while it is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *IncidentEvent, func()) {
	return b.SubscribeCameraChannel("", bufferSize)
}

// SubscribeCameraChannel is SubscribeChannel restricted to one camera
func (b *EventBus) SubscribeCameraChannel(cameraID string, bufferSize int) (<-chan *IncidentEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *IncidentEvent, bufferSize)
	sub := &eventSubscription{
		cameraFilter: cameraID,
		channel:      ch,
	}
	b.add(sub)

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish sends an event to all subscribers. Handlers run synchronously so
// each subscriber sees the transitions of a job in order.
func (b *EventBus) Publish(event *IncidentEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != event.CameraID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnIncident(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
