// Package observe provides the observable state holders and event streams
// that components use to communicate instead of sharing mutable fields.
package observe

import "sync"

// Value holds a single current value and notifies subscribers on change.
// Subscribers always see the latest value; intermediate values may be
// conflated when a subscriber falls behind.
type Value[T any] struct {
	mu   sync.RWMutex
	v    T
	subs map[int]chan T
	next int
}

// NewValue creates a Value holding initial
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		v:    initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Set replaces the current value and notifies subscribers
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = v
	o.broadcastLocked(v)
}

// Update applies fn to the current value atomically and returns the result
func (o *Value[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.v = fn(o.v)
	o.broadcastLocked(o.v)
	return o.v
}

// Subscribe returns a channel that immediately yields the current value and
// then every later value (conflated). Call cancel to stop receiving.
func (o *Value[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	ch <- o.v
	id := o.next
	o.next++
	o.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
	return ch, cancel
}

// Must be called with lock held
func (o *Value[T]) broadcastLocked(v T) {
	for _, ch := range o.subs {
		select {
		case ch <- v:
		default:
			// Drop the stale value, keep the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}
