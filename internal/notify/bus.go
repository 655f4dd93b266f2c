package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmcatalog/dmcat/pkg/types"
)

// Bus is an in-process pub/sub of status change events. Subscribers are
// guarded by mu so that a channel is never closed while a publish sends on it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// Subscriber receives events whose key identity starts with one of Filters.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}

// NewBus creates a new bus with per-subscriber channel capacity bufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// NotifyStatusChange publishes a new event for the key.
func (b *Bus) NotifyStatusChange(_ context.Context, key types.DataKey, newStatus, oldStatus types.DataStatus) error {
	b.Publish(NewEvent(key, newStatus, oldStatus))
	return nil
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(ev Event) {
	identity := ev.Key.Identity()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !matchesFilter(sub, identity) {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			// Channel full - drop event, do NOT block
		}
	}
}

// Subscribe adds a subscriber with the given id. Filters are identity
// prefixes, e.g. a namespace followed by "|"; none means all events.
// Subscribing again with an id in use replaces and closes the old subscriber.
func (b *Bus) Subscribe(id string, filters ...string) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subscribers[id]; ok {
		close(old.Ch)
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.Ch)
	}
}

// LogEvents writes a log line for every event received by sub until its
// channel is closed.
func LogEvents(sub *Subscriber) {
	for ev := range sub.Ch {
		log.Info().Str("event_id", ev.ID).Str("identity", ev.Key.Identity()).
			Int("version", ev.Key.Version()).Str("status", string(ev.NewStatus)).
			Msg("business object data status changed")
	}
}

func matchesFilter(sub *Subscriber, identity string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if filter == "" || strings.HasPrefix(identity, filter) {
			return true
		}
	}
	return false
}
