// Package registry maps request ids to in-flight execution handles. It is the
// single source of truth for which execution an inbound notification belongs
// to.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDanglingReference is returned by Lookup for an id that was never
	// registered or has already been released. Callers drop the notification.
	ErrDanglingReference = errors.New("registry: dangling request reference")
	// ErrDuplicateRequest is returned when registering an id twice.
	ErrDuplicateRequest = errors.New("registry: request already registered")
)

// Entry is one registered request.
type Entry[H any] struct {
	ID     int64
	Handle H
}

// Registry is safe for concurrent use.
type Registry[H any] struct {
	mu      sync.RWMutex
	entries map[int64]H
}

// New returns an empty registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{entries: make(map[int64]H)}
}

// Register associates id with h.
func (r *Registry[H]) Register(id int64, h H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	r.entries[id] = h
	return nil
}

// Lookup returns the handle registered under id.
func (r *Registry[H]) Lookup(id int64) (H, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	if !ok {
		var zero H
		return zero, fmt.Errorf("%w: %d", ErrDanglingReference, id)
	}
	return h, nil
}

// Release forgets id. Releasing an unknown id is a no-op.
func (r *Registry[H]) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of registered requests.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Drain removes and returns every entry, ordered by id.
func (r *Registry[H]) Drain() []Entry[H] {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int64]H)
	r.mu.Unlock()

	out := make([]Entry[H], 0, len(entries))
	for id, h := range entries {
		out = append(out, Entry[H]{ID: id, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
