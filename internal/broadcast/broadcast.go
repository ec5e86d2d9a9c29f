// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package broadcast fans out location and subscription events to attached observers.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wneessen/location-updates/internal/logger"
)

type EventType string

const (
	// EventLocation is sent for every location change.
	EventLocation EventType = "location"
	// EventPreference is sent when the subscription state changes.
	EventPreference EventType = "preference"

	defaultObserverBuffer = 16
)

// Location is the position carried by a location event.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
	Source   string  `json:"source,omitempty"`
}

// Event is a single broadcast message. Text is the human readable location.
type Event struct {
	Type       EventType `json:"type"`
	Requesting bool      `json:"requesting"`
	Location   *Location `json:"location,omitempty"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

// Sink receives every event in addition to the attached observers.
type Sink interface {
	Publish(e Event) error
}

// Observer receives events until it is detached.
type Observer struct {
	ID     uuid.UUID
	events chan Event
}

// Events returns the event channel. It is closed when the observer is detached.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Hub delivers events to its observers without blocking. An observer that does not keep up
// loses events.
type Hub struct {
	logger *logger.Logger

	mu        sync.Mutex
	observers map[uuid.UUID]*Observer
	sinks     []Sink
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:    log,
		observers: make(map[uuid.UUID]*Observer),
	}
}

// AddSink registers a sink that receives every published event.
func (h *Hub) AddSink(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Attach registers a new observer with the given buffer size.
func (h *Hub) Attach(size int) *Observer {
	if size < 1 {
		size = defaultObserverBuffer
	}
	obs := &Observer{ID: uuid.New(), events: make(chan Event, size)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[obs.ID] = obs
	return obs
}

// Detach removes the observer and closes its channel. Detaching twice is a no-op.
func (h *Hub) Detach(obs *Observer) bool {
	if obs == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[obs.ID]; !ok {
		return false
	}
	delete(h.observers, obs.ID)
	close(obs.events)
	return true
}

// Len returns the number of attached observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, obs := range h.observers {
		select {
		case obs.events <- e:
		default:
			h.logger.Debug("observer is too slow, dropping event", slog.String("observer", id.String()),
				slog.String("type", string(e.Type)))
		}
	}
	for _, sink := range h.sinks {
		if err := sink.Publish(e); err != nil {
			h.logger.Error("failed to publish event to sink", logger.Err(err))
		}
	}
}
