// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"log"
	"sort"
	"sync"
	stdlibtime "time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ice-blockchain/ion-connect-client/model"
)

type (
	subscriptionState uint8

	subscription struct {
		id       string
		filters  model.Filters
		onEvent  OnEvent
		onEose   OnEndOfStoredEvents
		state    subscriptionState
		eoseSeen bool

		// buffer keys by event id: at most once per id per flush cycle.
		buffer     map[string]*model.Event
		flushTimer *clock.Timer
	}

	// subscriptionManager owns one session's query registry and the
	// buffer/flush machinery. All frame sending goes through send.
	subscriptionManager struct {
		clock         clock.Clock
		flushInterval stdlibtime.Duration
		send          func(envelope model.Envelope) error
		onClosed      func(subscriptionID, reason string)

		mx   sync.Mutex
		subs map[string]*subscription
	}
)

const (
	subscriptionOpen subscriptionState = iota
	subscriptionClosed
)

func newSubscriptionManager(
	clk clock.Clock,
	flushInterval stdlibtime.Duration,
	send func(envelope model.Envelope) error,
	onClosed func(subscriptionID, reason string),
) *subscriptionManager {
	return &subscriptionManager{
		clock:         clk,
		flushInterval: flushInterval,
		send:          send,
		onClosed:      onClosed,
		subs:          make(map[string]*subscription),
	}
}

func (m *subscriptionManager) open(filters model.Filters, onEvent OnEvent, onEose OnEndOfStoredEvents) string {
	sub := &subscription{
		id:      uuid.NewString(),
		filters: filters,
		onEvent: onEvent,
		onEose:  onEose,
		state:   subscriptionOpen,
		buffer:  make(map[string]*model.Event),
	}
	m.mx.Lock()
	m.subs[sub.id] = sub
	m.mx.Unlock()

	if err := m.send(&model.ReqEnvelope{SubscriptionID: sub.id, Filters: filters}); err != nil {
		log.Printf("WARN: failed to send REQ for subscription %v: %v", sub.id, err)
	}

	return sub.id
}

// close is idempotent: closing twice, or an unknown id, is a no-op.
func (m *subscriptionManager) close(subscriptionID string) {
	m.mx.Lock()
	sub, found := m.subs[subscriptionID]
	if found {
		sub.state = subscriptionClosed
		sub.stopFlushTimerLocked()
		delete(m.subs, subscriptionID)
	}
	m.mx.Unlock()
	if !found {
		return
	}

	if err := m.send(&model.CloseEnvelope{SubscriptionID: subscriptionID}); err != nil {
		log.Printf("WARN: failed to send CLOSE for subscription %v: %v", subscriptionID, err)
	}
}

// buffer appends a validated event, at most once per id within one
// unflushed cycle, and debounces the flush.
func (m *subscriptionManager) buffer(subscriptionID string, event *model.Event) {
	m.mx.Lock()
	defer m.mx.Unlock()

	sub, found := m.subs[subscriptionID]
	if !found || sub.state != subscriptionOpen {
		return
	}
	sub.buffer[event.ID] = event
	if sub.flushTimer == nil {
		sub.flushTimer = m.clock.AfterFunc(m.flushInterval, func() { m.flush(subscriptionID) })
	} else {
		sub.flushTimer.Reset(m.flushInterval)
	}
}

func (m *subscriptionManager) flush(subscriptionID string) {
	m.mx.Lock()
	sub, found := m.subs[subscriptionID]
	if !found {
		m.mx.Unlock()

		return
	}
	events, onEvent := sub.drainLocked()
	m.mx.Unlock()

	deliver(events, onEvent)
}

// endOfStoredEvents flushes immediately and signals onEose exactly once
// per subscription lifetime, no matter how many EOSE frames arrive.
func (m *subscriptionManager) endOfStoredEvents(subscriptionID string) {
	m.mx.Lock()
	sub, found := m.subs[subscriptionID]
	if !found {
		m.mx.Unlock()

		return
	}
	events, onEvent := sub.drainLocked()
	var onEose OnEndOfStoredEvents
	if !sub.eoseSeen {
		sub.eoseSeen = true
		onEose = sub.onEose
	}
	m.mx.Unlock()

	deliver(events, onEvent)
	if onEose != nil {
		onEose()
	}
}

func (m *subscriptionManager) markClosed(subscriptionID, reason string) {
	m.mx.Lock()
	sub, found := m.subs[subscriptionID]
	if found {
		sub.state = subscriptionClosed
		sub.stopFlushTimerLocked()
		delete(m.subs, subscriptionID)
	}
	m.mx.Unlock()

	if found && m.onClosed != nil {
		m.onClosed(subscriptionID, reason)
	}
}

// snapshot returns the open subscriptions for re-establishment after a
// reconnect.
func (m *subscriptionManager) snapshot() []*model.ReqEnvelope {
	m.mx.Lock()
	defer m.mx.Unlock()

	result := make([]*model.ReqEnvelope, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.state == subscriptionOpen {
			result = append(result, &model.ReqEnvelope{SubscriptionID: sub.id, Filters: sub.filters})
		}
	}

	return result
}

// discardBuffers drops pending events without delivering them.
func (m *subscriptionManager) discardBuffers() {
	m.mx.Lock()
	defer m.mx.Unlock()

	for _, sub := range m.subs {
		sub.stopFlushTimerLocked()
		sub.buffer = make(map[string]*model.Event)
	}
}

func (sub *subscription) drainLocked() ([]*model.Event, OnEvent) {
	if len(sub.buffer) == 0 {
		return nil, sub.onEvent
	}
	events := make([]*model.Event, 0, len(sub.buffer))
	for _, event := range sub.buffer {
		events = append(events, event)
	}
	sub.buffer = make(map[string]*model.Event)
	sub.stopFlushTimerLocked()
	sortEvents(events)

	return events, sub.onEvent
}

func (sub *subscription) stopFlushTimerLocked() {
	if sub.flushTimer != nil {
		sub.flushTimer.Stop()
		sub.flushTimer = nil
	}
}

// sortEvents is the canonical delivery order: created_at descending, ids
// ascending for equal timestamps.
func sortEvents(events []*model.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Supersedes(events[j])
	})
}

func deliver(events []*model.Event, onEvent OnEvent) {
	if onEvent == nil {
		return
	}
	for _, event := range events {
		onEvent(event)
	}
}
