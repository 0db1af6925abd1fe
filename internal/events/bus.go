package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Klingon-tech/chainstate/internal/log"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// SubscriberID identifies a subscription.
type SubscriberID string

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]chan Event
	dropped     uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[SubscriberID]chan Event)}
}

// Subscribe registers a subscriber with a channel of the given capacity.
func (b *Bus) Subscribe(buffer int) (SubscriberID, <-chan Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := SubscriberID(uuid.Must(uuid.NewV7()).String())
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	n := len(b.subscribers)
	b.mu.Unlock()

	log.Chain.Debug().Str("subscriber", string(id)).Int("total", n).Msg("Subscribed to events")
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[id]
	if !ok {
		return false
	}
	delete(b.subscribers, id)
	close(ch)
	return true
}

// Publish delivers evs in order to every subscriber.
func (b *Bus) Publish(evs ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range evs {
		for id, ch := range b.subscribers {
			select {
			case ch <- ev:
			default:
				b.dropped++
				log.Chain.Warn().
					Str("subscriber", string(id)).
					Str("event", string(ev.Type())).
					Msg("Subscriber channel full, event dropped")
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped on full channels.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
