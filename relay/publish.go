// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"

	"github.com/ice-blockchain/ion-connect-client/model"
)

type (
	// PublishOutcome is the relay's verdict for one published event.
	PublishOutcome struct {
		Success bool
		Reason  string
		Prefix  model.OKReasonPrefix
	}

	// publishCoordinator correlates outbound EVENT frames with inbound OK
	// frames by event id. Multiple concurrent publishes of the same id all
	// resolve off the first OK; later OKs for an already-resolved id are
	// dropped.
	publishCoordinator struct {
		mx      sync.Mutex
		pending map[string][]chan *PublishOutcome
	}
)

func newPublishCoordinator() *publishCoordinator {
	return &publishCoordinator{pending: make(map[string][]chan *PublishOutcome)}
}

func (c *publishCoordinator) register(eventID string) <-chan *PublishOutcome {
	outcome := make(chan *PublishOutcome, 1)
	c.mx.Lock()
	c.pending[eventID] = append(c.pending[eventID], outcome)
	c.mx.Unlock()

	return outcome
}

func (c *publishCoordinator) unregister(eventID string, outcome <-chan *PublishOutcome) {
	c.mx.Lock()
	defer c.mx.Unlock()

	waiters := c.pending[eventID]
	for i, waiter := range waiters {
		if waiter == outcome {
			c.pending[eventID] = append(waiters[:i], waiters[i+1:]...)

			break
		}
	}
	if len(c.pending[eventID]) == 0 {
		delete(c.pending, eventID)
	}
}

func (c *publishCoordinator) resolve(ok *model.OKEnvelope) {
	c.mx.Lock()
	waiters := c.pending[ok.EventID]
	delete(c.pending, ok.EventID)
	c.mx.Unlock()

	if len(waiters) == 0 {
		return
	}
	prefix, reason := model.ParseOKReason(ok.Reason)
	outcome := &PublishOutcome{Success: ok.OK, Reason: reason, Prefix: prefix}
	for _, waiter := range waiters {
		waiter <- outcome
	}
}

// failAll rejects every pending publish, used on disconnect.
func (c *publishCoordinator) failAll() {
	c.mx.Lock()
	pending := c.pending
	c.pending = make(map[string][]chan *PublishOutcome)
	c.mx.Unlock()

	for _, waiters := range pending {
		for _, waiter := range waiters {
			waiter <- &PublishOutcome{Success: false, Reason: ErrConnectionClosed.Error(), Prefix: model.PrefixError}
		}
	}
}
