package util

import (
	"sync"
)

// AtomicEvent holds the latest value of something that changes and
// wakes up at most one pending reader. Older values are overwritten.
type AtomicEvent[T any] struct {
	mu     sync.Mutex
	value  T
	notify chan struct{}
}

func NewAtomicEvent[T any]() *AtomicEvent[T] {
	return &AtomicEvent[T]{
		notify: make(chan struct{}, 1),
	}
}

// Send replaces the value and signals the channel. Never blocks.
func (ae *AtomicEvent[T]) Send(event T) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.value = event
	signal(ae.notify)
}

// Update applies fn to the current value under the lock and signals.
func (ae *AtomicEvent[T]) Update(fn func(T) T) T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.value = fn(ae.value)
	signal(ae.notify)
	return ae.value
}

// Channel returns the notification channel for use in select statements.
func (ae *AtomicEvent[T]) Channel() <-chan struct{} {
	return ae.notify
}

func (ae *AtomicEvent[T]) Value() T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.value
}

// HasPending reports whether a notification is waiting. Does not
// consume it.
func (ae *AtomicEvent[T]) HasPending() bool {
	return len(ae.notify) > 0
}

// AtomicMapEvent collects the latest value per key until a reader
// consumes them all at once.
type AtomicMapEvent[K comparable, T any] struct {
	mu     sync.Mutex
	value  map[K]T
	notify chan struct{}
}

func NewAtomicMapEvent[K comparable, T any]() *AtomicMapEvent[K, T] {
	return &AtomicMapEvent[K, T]{
		notify: make(chan struct{}, 1),
		value:  make(map[K]T),
	}
}

// Send stores event for key and signals the channel. Never blocks.
func (ae *AtomicMapEvent[K, T]) Send(key K, event T) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.value[key] = event
	signal(ae.notify)
}

func (ae *AtomicMapEvent[K, T]) Channel() <-chan struct{} {
	return ae.notify
}

// ConsumeValues returns everything sent since the last call and clears
// a pending notification.
func (ae *AtomicMapEvent[K, T]) ConsumeValues() map[K]T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ret := ae.value
	ae.value = make(map[K]T, len(ret))
	select {
	case <-ae.notify:
	default:
	}
	return ret
}

func (ae *AtomicMapEvent[K, T]) HasPending() bool {
	return len(ae.notify) > 0
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// already pending
	}
}
