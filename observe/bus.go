package observe

import (
	"sync"
	"sync/atomic"
)

// Bus fans events out to every subscriber. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	next    int
	dropped atomic.Int64
	onDrop  func(T)
}

// NewBus creates an empty bus. onDrop, if non-nil, is called for each dropped delivery.
func NewBus[T any](onDrop func(T)) *Bus[T] {
	return &Bus[T]{
		subs:   make(map[int]chan T),
		onDrop: onDrop,
	}
}

// Subscribe registers a subscriber with the given buffer size
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(ev)
			}
		}
	}
}

// Dropped returns how many deliveries were dropped so far
func (b *Bus[T]) Dropped() int64 {
	return b.dropped.Load()
}
