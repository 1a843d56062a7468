// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"

	"github.com/ice-blockchain/ion-connect-client/model"
)

// EventStore resolves the latest version of the mutable event classes for
// one session. At most one event is retained per key: the one with the
// greatest created_at, ties broken by the lexicographically smallest id.
type EventStore struct {
	mx          sync.RWMutex
	replaceable map[model.ReplaceableKey]*model.Event
	addressable map[model.AddressableKey]*model.Event
}

func NewEventStore() *EventStore {
	return &EventStore{
		replaceable: make(map[model.ReplaceableKey]*model.Event),
		addressable: make(map[model.AddressableKey]*model.Event),
	}
}

// ResolveReplaceable stores the event if it wins against the current entry
// for its (pubkey, kind) key. False means the event is stale and must not
// reach subscribers as a latest result.
func (s *EventStore) ResolveReplaceable(event *model.Event) (accepted bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	key := event.ReplaceableKey()
	if existing, found := s.replaceable[key]; found && !event.Supersedes(existing) {
		return false
	}
	s.replaceable[key] = event

	return true
}

// ResolveAddressable is ResolveReplaceable over (pubkey, kind, d-tag).
func (s *EventStore) ResolveAddressable(event *model.Event) (accepted bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	key := event.AddressableKey()
	if existing, found := s.addressable[key]; found && !event.Supersedes(existing) {
		return false
	}
	s.addressable[key] = event

	return true
}

func (s *EventStore) LatestReplaceable(key model.ReplaceableKey) *model.Event {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.replaceable[key]
}

func (s *EventStore) LatestAddressable(key model.AddressableKey) *model.Event {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.addressable[key]
}
