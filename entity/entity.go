// Package entity adapts typed PLC variables into Home-Assistant-style
// entities: each adapter subscribes to one or more variables through the
// bridge and exposes state, availability, and write-backed commands.
package entity

import (
	"fmt"
	"sync"
	"time"

	"adslink/ads"
	"adslink/bridge"
	"adslink/logging"
)

// Kind is the closed set of supported entity types.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
	KindLight        Kind = "light"
	KindCover        Kind = "cover"
	KindValve        Kind = "valve"
	KindSelect       Kind = "select"
)

// Valid reports whether k names a supported entity type.
func (k Kind) Valid() bool {
	switch k {
	case KindSensor, KindBinarySensor, KindSwitch, KindLight, KindCover, KindValve, KindSelect:
		return true
	}
	return false
}

// Subscription is the handle an adapter keeps for each tracked
// variable.
type Subscription interface {
	Close()
}

// Hub is the slice of the bridge hub the adapters need. Wrap a
// *bridge.Hub with WrapHub.
type Hub interface {
	Subscribe(spec ads.VariableSpec, target bridge.Subscriber) (Subscription, error)
	Write(spec ads.VariableSpec, v ads.Value) error
	State() bridge.State
	OnStateChange(fn func(bridge.State)) func()
}

// WrapHub adapts a *bridge.Hub to the Hub interface.
func WrapHub(h *bridge.Hub) Hub { return bridgeHub{h} }

type bridgeHub struct{ h *bridge.Hub }

func (w bridgeHub) Subscribe(spec ads.VariableSpec, target bridge.Subscriber) (Subscription, error) {
	return w.h.Subscribe(spec, target)
}

func (w bridgeHub) Write(spec ads.VariableSpec, v ads.Value) error { return w.h.Write(spec, v) }
func (w bridgeHub) State() bridge.State                            { return w.h.State() }
func (w bridgeHub) OnStateChange(fn func(bridge.State)) func()     { return w.h.OnStateChange(fn) }

// Snapshot is one entity's externally visible state at a point in time.
type Snapshot struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       Kind           `json:"kind"`
	Available  bool           `json:"available"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Entity is implemented by every adapter in this package.
type Entity interface {
	ID() string
	Name() string
	Kind() Kind

	// Available reports whether the entity has a value and the hub is
	// connected. Entities are unavailable until their first delivery.
	Available() bool

	// Snapshot returns the current state for publishers and the API.
	Snapshot() Snapshot

	// Close stops all subscriptions. No updates fire afterwards.
	Close()
}

// base carries the state machinery shared by every adapter.
type base struct {
	hub  Hub
	id   string
	name string
	kind Kind

	mu        sync.RWMutex
	connected bool
	ready     bool
	state     any
	attrs     map[string]any
	lastErr   error
	updatedAt time.Time
	closed    bool

	notify      func(Snapshot)
	subs        []Subscription
	removeState func()
}

func (b *base) init(hub Hub, kind Kind, id, name string) {
	b.hub = hub
	b.kind = kind
	b.id = id
	b.name = name
	b.attrs = make(map[string]any)
	b.connected = hub.State() == bridge.StateConnected
	b.removeState = hub.OnStateChange(func(s bridge.State) {
		b.mu.Lock()
		b.connected = s == bridge.StateConnected
		b.mu.Unlock()
		b.fireUpdate()
	})
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

func (b *base) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.connected
}

func (b *base) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var attrs map[string]any
	if len(b.attrs) > 0 {
		attrs = make(map[string]any, len(b.attrs))
		for k, v := range b.attrs {
			attrs[k] = v
		}
	}
	return Snapshot{
		ID:         b.id,
		Name:       b.name,
		Kind:       b.kind,
		Available:  b.ready && b.connected,
		State:      b.state,
		Attributes: attrs,
		UpdatedAt:  b.updatedAt,
	}
}

// LastError returns the most recent per-entity delivery error.
func (b *base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// track subscribes to spec and funnels decoded values through apply,
// which runs with the state lock held. Primary trackers gate
// availability on their first delivery.
func (b *base) track(spec ads.VariableSpec, primary bool, apply func(v ads.Value)) error {
	sub, err := b.hub.Subscribe(spec, &tracker{base: b, primary: primary, apply: apply})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// tracker forwards one variable's deliveries into the entity state.
type tracker struct {
	base    *base
	primary bool
	apply   func(v ads.Value)
}

func (t *tracker) OnValue(v ads.Value) {
	b := t.base
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.lastErr = nil
	t.apply(v)
	if t.primary {
		b.ready = true
	}
	b.updatedAt = time.Now()
	b.mu.Unlock()
	b.fireUpdate()
}

func (t *tracker) OnError(err error) {
	b := t.base
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.lastErr = err
	b.mu.Unlock()
	logging.DebugLog("entity", "%s: %v", b.id, err)
	b.fireUpdate()
}

func (b *base) fireUpdate() {
	b.mu.RLock()
	fn := b.notify
	closed := b.closed
	b.mu.RUnlock()
	if fn != nil && !closed {
		fn(b.Snapshot())
	}
}

func (b *base) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	remove := b.removeState
	b.removeState = nil
	b.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, s := range subs {
		s.Close()
	}
}

// write pushes a command value to the PLC.
func (b *base) write(spec ads.VariableSpec, v ads.Value) error {
	if err := b.hub.Write(spec, v); err != nil {
		return fmt.Errorf("%s: write %s: %w", b.id, spec.Name, err)
	}
	return nil
}
