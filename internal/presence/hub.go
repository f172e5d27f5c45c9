// Package presence fans projection changes out to live subscribers.
//
// The hub keeps the latest projection per child and only forwards a change
// whose UpdatedAt is newer than what it has seen, so subscribers observe the
// store's last-write-wins order even when the same change arrives twice (once
// from the local service and once from the database notification channel).
//
// Delivery is synchronous and serialized: callbacks run on the publishing
// goroutine and must not block, Publish or Subscribe. Unsubscribe may be
// called from anywhere, including from inside a callback.
package presence

import (
	"sync"
	"sync/atomic"

	"ikid/internal/metrics"
	"ikid/internal/model"
)

// Hub is a per-child subscriber registry.
type Hub struct {
	deliver sync.Mutex // orders publishes and initial deliveries

	mu     sync.Mutex
	latest map[string]model.Presence
	subs   map[string]map[uint64]*Subscription
	nextID uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]model.Presence),
		subs:   make(map[string]map[uint64]*Subscription),
	}
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	hub     *Hub
	childID string
	id      uint64
	fn      func(model.Presence)
	closed  atomic.Bool
}

// ChildID returns the child this subscription observes.
func (s *Subscription) ChildID() string { return s.childID }

// Unsubscribe releases the subscription. It is idempotent; once it returns no
// new callback starts.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.closed.Swap(true) {
		return
	}
	h := s.hub
	h.mu.Lock()
	if set, ok := h.subs[s.childID]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.subs, s.childID)
		}
	}
	h.mu.Unlock()
	metrics.PresenceSubscriptions.Dec()
}

func (s *Subscription) send(p model.Presence) {
	if s.closed.Load() {
		return
	}
	s.fn(p)
}

// Subscribe registers fn for childID. If a projection is cached for the child
// fn receives it before Subscribe returns.
func (h *Hub) Subscribe(childID string, fn func(model.Presence)) *Subscription {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{hub: h, childID: childID, id: h.nextID, fn: fn}
	set, ok := h.subs[childID]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.subs[childID] = set
	}
	set[sub.id] = sub
	cached, hasCached := h.latest[childID]
	h.mu.Unlock()
	metrics.PresenceSubscriptions.Inc()

	if hasCached {
		sub.send(cached)
	}
	return sub
}

// Publish records p and notifies the child's subscribers. It reports whether
// p was newer than the cached projection and therefore delivered.
func (h *Hub) Publish(p model.Presence) bool {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	if prev, ok := h.latest[p.ChildID]; ok && !p.UpdatedAt.After(prev.UpdatedAt) {
		h.mu.Unlock()
		return false
	}
	h.latest[p.ChildID] = p
	targets := make([]*Subscription, 0, len(h.subs[p.ChildID]))
	for _, sub := range h.subs[p.ChildID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.send(p)
	}
	return true
}

// Latest returns the cached projection for childID.
func (h *Hub) Latest(childID string) (model.Presence, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.latest[childID]
	return p, ok
}

// Forget drops the cached projection, e.g. after the child is deleted.
func (h *Hub) Forget(childID string) {
	h.mu.Lock()
	delete(h.latest, childID)
	h.mu.Unlock()
}

// Watched returns the ids of children with at least one subscriber.
func (h *Hub) Watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the number of live subscriptions for childID.
func (h *Hub) Subscribers(childID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[childID])
}
