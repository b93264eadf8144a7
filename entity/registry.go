package entity

import (
	"fmt"
	"sync"
)

// Registry holds the configured entities and fans their state updates
// out to publishers (MQTT, API, caches).
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Entity
	order     []string
	listeners map[int]func(Snapshot)
	nextID    int
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]Entity),
		listeners: make(map[int]func(Snapshot)),
	}
}

// updateSink is implemented by base so the registry can attach its
// fan-out to adapters.
type updateSink interface {
	setNotify(fn func(Snapshot))
}

func (b *base) setNotify(fn func(Snapshot)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Add registers an entity. IDs must be unique.
func (r *Registry) Add(e Entity) error {
	r.mu.Lock()
	if _, exists := r.byID[e.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("duplicate entity id %q", e.ID())
	}
	r.byID[e.ID()] = e
	r.order = append(r.order, e.ID())
	r.mu.Unlock()

	if sink, ok := e.(updateSink); ok {
		sink.setNotify(r.broadcast)
	}
	return nil
}

// Get returns the entity with the given ID.
func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// List returns all entities in registration order.
func (r *Registry) List() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Snapshots returns the current state of every entity.
func (r *Registry) Snapshots() []Snapshot {
	entities := r.List()
	out := make([]Snapshot, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Snapshot())
	}
	return out
}

// OnUpdate registers a listener invoked on every entity state change.
// The returned function removes it.
func (r *Registry) OnUpdate(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) broadcast(snap Snapshot) {
	r.mu.RLock()
	fns := make([]func(Snapshot), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close stops every entity.
func (r *Registry) Close() {
	for _, e := range r.List() {
		e.Close()
	}
}
