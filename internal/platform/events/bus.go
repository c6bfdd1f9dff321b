package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a class of validation lifecycle event.
type Type string

// Event types published on the bus.
const (
	TypeProgress          Type = "progress"
	TypeCompleted         Type = "completed"
	TypeFailed            Type = "failed"
	TypeCancelled         Type = "cancelled"
	TypePaused            Type = "paused"
	TypeSettingsChanged   Type = "settings-changed"
	TypeSettingsActivated Type = "settings-activated"
	TypeCache             Type = "cache"
	TypeHeartbeat         Type = "heartbeat"
)

// Event is a single typed message delivered to subscribers.
type Event struct {
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bus is an in-process publish/subscribe hub for typed validation events.
// Publishing never blocks: subscribers with a full buffer miss the event.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "event-bus").Logger(),
		subs:   make(map[int]chan Event),
	}
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(t Type, payload interface{}) {
	evt := Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Debug().Int("subscriber", id).Str("type", string(t)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns the channel plus an unsubscribe function. Unsubscribe is
// idempotent and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
