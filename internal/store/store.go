// Package store holds the Entity Store: the in-memory, single-writer,
// many-reader cache of the last known Core-shaped state for every
// available entity (spec §4.3).
package store

import (
	"sync"

	"github.com/corebridge/ha-integration/internal/mapper"
	"github.com/corebridge/ha-integration/internal/model"
)

// Delta is published on every applied change: either a full replace
// (Full=true, the store having just been rebuilt wholesale) or a
// per-entity update naming the attributes that changed.
type Delta struct {
	EntityID          string
	Full              bool
	ChangedAttributes []string
	Removed           bool
}

// broadcastCap bounds the per-subscriber delta channel; a subscriber that
// cannot keep up is dropped rather than allowed to block the writer
// (spec §5 "Backpressure").
const broadcastCap = 256

// Store is exclusively written by the HA Client's update stream (single
// writer) and read by many Core Sessions via Get/All or the
// broadcast subscription (spec §4.3, §5 "Shared resources").
type Store struct {
	mu       sync.RWMutex
	entities map[string]model.Entity

	subMu sync.Mutex
	subs  map[int]chan Delta
	nextSub int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entities: make(map[string]model.Entity),
		subs:     make(map[int]chan Delta),
	}
}

// Subscribe registers a new broadcast listener. The returned channel is
// closed when Unsubscribe is called; callers must drain it to avoid being
// dropped by a full buffer (which itself is handled silently by publish).
func (s *Store) Subscribe() (id int, ch <-chan Delta) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id = s.nextSub
	c := make(chan Delta, broadcastCap)
	s.subs[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if c, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(c)
	}
}

func (s *Store) publish(d Delta) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, c := range s.subs {
		select {
		case c <- d:
		default:
			// Slow subscriber: drop it rather than block the writer
			// (spec §5). The Core Session owning this channel is
			// responsible for noticing the channel closed and closing
			// its socket.
			delete(s.subs, id)
			close(c)
		}
	}
}

// ApplyFull replaces the store wholesale from a batch of HA snapshots —
// used on initial bootstrap and on every reconnect (spec §4.3 "full
// refresh on connect/resubscribe").
func (s *Store) ApplyFull(snapshots []model.HASnapshot) {
	next := make(map[string]model.Entity, len(snapshots))
	for _, snap := range snapshots {
		if e, ok := mapper.Decode(snap); ok {
			next[e.EntityID] = e
		}
	}

	s.mu.Lock()
	s.entities = next
	s.mu.Unlock()

	s.publish(Delta{Full: true})
}

// ApplyDelta decodes and applies a single HA state_changed snapshot. An
// unsupported domain is a no-op (mapper returned false); an unchanged
// decode is also a no-op so subscribers never see spurious deltas.
func (s *Store) ApplyDelta(snap model.HASnapshot) {
	entity, ok := mapper.Decode(snap)
	if !ok {
		return
	}

	s.mu.Lock()
	prev, existed := s.entities[entity.EntityID]
	changed := diffAttributes(prev, entity, existed)
	if len(changed) == 0 && existed {
		s.mu.Unlock()
		return
	}
	s.entities[entity.EntityID] = entity
	s.mu.Unlock()

	s.publish(Delta{EntityID: entity.EntityID, ChangedAttributes: changed})
}

func diffAttributes(prev, next model.Entity, prevExisted bool) []string {
	if !prevExisted {
		out := make([]string, 0, len(next.Attributes))
		for k := range next.Attributes {
			out = append(out, k)
		}
		return out
	}
	var changed []string
	for k, v := range next.Attributes {
		if pv, ok := prev.Attributes[k]; !ok || pv != v {
			changed = append(changed, k)
		}
	}
	for k := range prev.Attributes {
		if _, ok := next.Attributes[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// Get returns a snapshot of one entity.
func (s *Store) Get(entityID string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return model.Entity{}, false
	}
	return e.Clone(), true
}

// All returns a snapshot of every entity currently known.
func (s *Store) All() []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	return out
}
