// Package events is the in-process notification bus between the transport
// clients and the hosting lifecycle scopes.
package events

import (
	"sort"
	"sync"
	"time"
)

// Kind names one notification type.
type Kind string

const (
	// KindVerificationFailed is published by an endpoint whose TLS peer could
	// not be verified (pin mismatch or untrusted chain).
	KindVerificationFailed Kind = "transport.verification_failed"
	// KindPresenceConfigSettled is published by the presence client when a
	// pending presence config finishes negotiating.
	KindPresenceConfigSettled Kind = "presence.config_settled"
)

// Event is one published notification. Source and Err are optional.
type Event struct {
	Kind   Kind
	Source string
	Err    error
	At     time.Time
}

type Handler func(Event)

// Bus fans events out to subscribers of the matching kind.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[Kind]map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[uint64]Handler)}
}

// Subscription is released with Close; Close is idempotent.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h
	return &Subscription{bus: b, kind: kind, id: id}
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.kind], s.id)
		if len(s.bus.subs[s.kind]) == 0 {
			delete(s.bus.subs, s.kind)
		}
	})
}

// Publish delivers ev synchronously to a snapshot of the current subscribers,
// in subscription order. Handlers must not block.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[ev.Kind]))
	for id := range b.subs[ev.Kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[ev.Kind][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers reports the live subscriber count for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
