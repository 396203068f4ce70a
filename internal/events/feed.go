package events

import "sync"

// Feed delivers values of a single event kind to its subscribers.
// Delivery is synchronous and in registration order, so a publisher
// returns only after every subscriber has seen the value. Subscribers
// that need to block should hand the value off to their own goroutine.
type Feed[T any] struct {
	mu   sync.RWMutex
	subs []func(T)
}

// NewFeed creates an empty feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{}
}

// Subscribe registers fn to receive every subsequently published value.
// There is no unsubscribe; feeds live as long as their owning component.
func (f *Feed[T]) Subscribe(fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

// Publish hands v to each subscriber in registration order.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Len reports the number of subscribers, mainly for tests.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
