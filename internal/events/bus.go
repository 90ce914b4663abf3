// Package events distributes record and sync state changes to in-process
// subscribers and, optionally, to websocket clients.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

// Type names a kind of change.
type Type string

const (
	RecordChanged    Type = "record.changed"
	RecordDeleted    Type = "record.deleted"
	SyncState        Type = "sync.state"
	SyncCompleted    Type = "sync.completed"
	SyncFailed       Type = "sync.failed"
	QueueFailed      Type = "queue.failed"
	ConflictResolved Type = "conflict.resolved"
	Connectivity     Type = "connectivity"
)

// Event is a single change notification.
type Event struct {
	Type       Type              `json:"type"`
	EntityType models.EntityType `json:"entityType,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
	Data       any               `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Subscription receives events until closed.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	bus    *Bus
	id     uint64
	closed sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.remove(s.id)
	})
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	clock  clockwork.Clock
	logger *slog.Logger
}

// NewBus creates a Bus. A nil clock uses the real clock.
func NewBus(clock clockwork.Clock, logger *slog.Logger) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		clock:  clock,
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, bus: b, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"type", e.Type, "entity_id", e.EntityID)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}
