// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package notify provides a small typed publish/subscribe hub. Components
// announce state changes (connection closed, connectivity changed, pending
// count changed) through a Hub instead of sharing mutable globals.
package notify

import "sync"

// DefaultBuffer is the per-subscriber channel capacity used by NewHub when
// a non-positive buffer is requested.
const DefaultBuffer = 16

// Hub fans out values of type T to every current subscriber.
// Publish never blocks: a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
}

// NewHub creates a hub whose subscriber channels hold up to buffer values.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes the
// subscription and closes the channel; calling it more than once is safe.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to all subscribers without blocking.
// It reports how many subscribers received the value.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Subsequent Subscribe calls return
// an already closed channel and Publish becomes a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
