package coordinator

import (
	"sync"
	"time"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
)

type EventType string

const (
	EventCommitted   EventType = "committed"
	EventReloaded    EventType = "reloaded"
	EventSynced      EventType = "synced"
	EventSyncFailed  EventType = "sync-failed"
	EventPendingItem EventType = "pending-item"
)

type Event struct {
	Type   EventType
	Reason categories.Reason
	Sync   *bridge.SyncResult
	Item   *categories.ItemRef
	At     time.Time
}

const subscriberBuffer = 32

// eventBus fans events out to subscribers. Slow subscribers lose events
// rather than stalling publishers.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]chan Event{}}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribe returns a stream of coordinator events and a func that ends it.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}
