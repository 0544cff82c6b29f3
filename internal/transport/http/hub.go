package http

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"

	"github.com/rs/zerolog/log"
)

// Hub tracks the session rooms of this process and implements app.Broadcaster on top of the event bus:
// every broadcast goes through the bus, and every event coming back from it is delivered to local rooms.
type Hub struct {
	bus app.EventBus

	mu      sync.RWMutex
	rooms   map[string]map[*Connection]struct{}
	onEvent []func(domain.Event)

	cancel func()
	done   chan struct{}
}

func NewHub(bus app.EventBus) *Hub {
	return &Hub{
		bus:   bus,
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// OnEvent registers a hook run for every event received from the bus, after local delivery.
func (h *Hub) OnEvent(fn func(domain.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvent = append(h.onEvent, fn)
}

// Start subscribes to the bus and begins delivering events. It returns once the subscription is live.
func (h *Hub) Start(ctx context.Context) error {
	events, cancel, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	h.cancel = cancel
	h.done = make(chan struct{})
	log.Info().Msg("hub started")

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					log.Warn().Msg("event stream closed")
					return
				}
				h.deliver(event)
			}
		}
	}()
	return nil
}

// Close stops consuming the bus.
func (h *Hub) Close() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	log.Info().Msg("hub stopped")
}

// Broadcast publishes an event for every connection in the session's room, in every process.
func (h *Hub) Broadcast(ctx context.Context, accessCode, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, domain.Event{
		AccessCode: accessCode,
		Type:       eventType,
		Payload:    raw,
		EmittedAt:  time.Now(),
	})
}

// RoomSize reports how many local connections are in the session's room.
func (h *Hub) RoomSize(accessCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[accessCode])
}

func (h *Hub) join(c *Connection, accessCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[accessCode] == nil {
		h.rooms[accessCode] = make(map[*Connection]struct{})
	}
	h.rooms[accessCode][c] = struct{}{}

	log.Debug().
		Str("connection_id", c.ID).
		Str("access_code", accessCode).
		Int("room_size", len(h.rooms[accessCode])).
		Msg("connection joined room")
}

func (h *Hub) leave(c *Connection, accessCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[accessCode]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, accessCode)
	}
}

func (h *Hub) deliver(event domain.Event) {
	message, err := json.Marshal(outboundMessage[json.RawMessage]{Type: event.Type, Payload: event.Payload})
	if err != nil {
		log.Error().Err(err).Str("event", event.Type).Msg("failed to marshal event for delivery")
		return
	}

	// Snapshot the room to avoid holding the lock while sending.
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[event.AccessCode]))
	for c := range h.rooms[event.AccessCode] {
		targets = append(targets, c)
	}
	hooks := append(([]func(domain.Event))(nil), h.onEvent...)
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(message) {
			log.Warn().
				Str("connection_id", c.ID).
				Str("access_code", event.AccessCode).
				Msg("connection send buffer full, closing connection")
			c.close()
		}
	}
	for _, hook := range hooks {
		hook(event)
	}

	log.Debug().
		Str("event", event.Type).
		Str("access_code", event.AccessCode).
		Int("connections", len(targets)).
		Msg("event delivered")
}
