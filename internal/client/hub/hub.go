// Package hub is a keyed subscriber registry. Handlers registered under one
// key never receive values published under another.
package hub

import (
	"sync"
)

// Hub fans values of type T out to handlers grouped by key.
type Hub[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	clients map[string]map[uint64]func(T)
}

// New creates an empty Hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{clients: make(map[string]map[uint64]func(T))}
}

// Subscribe registers fn under key and returns its unsubscribe function.
// Calling the returned function more than once is harmless.
func (h *Hub[T]) Subscribe(key string, fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if _, ok := h.clients[key]; !ok {
		h.clients[key] = make(map[uint64]func(T))
	}
	h.clients[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(key, id) })
	}
}

func (h *Hub[T]) unsubscribe(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[key]; ok {
		delete(clients, id)
		if len(clients) == 0 {
			delete(h.clients, key)
		}
	}
}

// Publish delivers v to every handler of key. Handlers run synchronously on
// the caller's goroutine, outside the hub lock, so they may (un)subscribe.
func (h *Hub[T]) Publish(key string, v T) {
	h.mu.RLock()
	handlers := make([]func(T), 0, len(h.clients[key]))
	for _, fn := range h.clients[key] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Count reports the number of handlers registered under key.
func (h *Hub[T]) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// Keys reports the keys that currently have handlers.
func (h *Hub[T]) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.clients))
	for k := range h.clients {
		keys = append(keys, k)
	}
	return keys
}
