// Package bus provides a small in-process event bus. Components that
// observe a replaceable record opportunistically (a relay list arriving on
// an unrelated live subscription, say) publish it here; interested caches
// subscribe instead of being called from arbitrary call sites.
package bus

import (
	"sync"

	"relaymesh/internal/metrics"
	"relaymesh/internal/types"
)

const subscriberBuffer = 64

// Bus fans events out to kind-filtered subscribers. Publish never blocks:
// a subscriber that is not keeping up misses events, which is acceptable
// because every consumer treats the bus as a hint, not a source of truth.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	kinds map[int]bool
	ch    chan types.Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in the given kinds (all kinds when empty).
// The returned cancel func unregisters and closes the channel.
func (b *Bus) Subscribe(kinds ...int) (<-chan types.Event, func()) {
	sub := &subscriber{ch: make(chan types.Event, subscriberBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[int]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(evt types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[evt.Kind] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			metrics.BusDropped.Inc()
		}
	}
}
