// Package bus is an in-process typed publish/subscribe bus scoped by key.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBuffer = 32

type subscription[T any] struct {
	ch   chan T
	once sync.Once
}

func (s *subscription[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans values of type T out to the subscribers of a key. Publish never blocks; a
// subscriber whose buffer is full misses the value.
type Bus[K comparable, T any] struct {
	buffer int

	mu     sync.RWMutex
	subs   map[K]map[*subscription[T]]struct{}
	closed bool
}

// New returns a bus whose subscriptions buffer up to buffer values; <= 0 uses 32.
func New[K comparable, T any](buffer int) *Bus[K, T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus[K, T]{
		buffer: buffer,
		subs:   make(map[K]map[*subscription[T]]struct{}),
	}
}

// Publish delivers v to every subscriber of key and returns how many received it.
func (b *Bus[K, T]) Publish(key K, v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs[key] {
		select {
		case s.ch <- v:
			delivered++
		default:
			log.Warn().Interface("key", key).Msg("bus: subscriber buffer full, dropping value")
		}
	}
	return delivered
}

// Subscribe returns a channel receiving values published to key until ctx ends or the
// returned cancel func is called. The channel is closed afterwards.
func (b *Bus[K, T]) Subscribe(ctx context.Context, key K) (<-chan T, func()) {
	s := &subscription[T]{ch: make(chan T, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, func() {}
	}
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*subscription[T]]struct{})
		b.subs[key] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(key, s)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return s.ch, cancel
}

func (b *Bus[K, T]) remove(key K, s *subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	s.close()
}

// Subscribers returns the number of live subscriptions for key.
func (b *Bus[K, T]) Subscribers(key K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (b *Bus[K, T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, set := range b.subs {
		for s := range set {
			s.close()
		}
		delete(b.subs, key)
	}
}
