// SPDX-License-Identifier: ice License 1.0

package client

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"

	"github.com/ice-blockchain/ion-connect-client/model"
	"github.com/ice-blockchain/ion-connect-client/relay"
)

type (
	// Client aggregates a set of relay sessions behind one surface:
	// publishes fan out to every relay, subscriptions and fetches merge
	// the answers back, deduplicated by event id.
	Client struct {
		cfg      *Config
		relayCfg relay.Config
		factory  SessionFactory

		registry       metrics.Registry
		publishOK      metrics.Counter
		publishFailed  metrics.Counter
		eventsReceived metrics.Counter
		eventsFetched  metrics.Counter
		reconnects     metrics.Counter
		relayCount     metrics.Gauge

		mx       sync.RWMutex
		sessions map[string]Session
		subs     map[string]*mergedSubscription
	}

	// mergedSubscription tracks one logical query spread over the relay
	// set. onEose fires once, after every participating relay reported
	// end of stored events.
	mergedSubscription struct {
		mx       sync.Mutex
		perRelay map[string]string
		done     map[string]bool
		pending  int
		eoseSent bool
		onEose   func()
	}
)

func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = new(Config)
	}
	factory := cfg.SessionFactory
	if factory == nil {
		factory = func(url string, relayCfg *relay.Config) Session {
			return relay.NewSession(url, relayCfg)
		}
	}
	registry := metrics.NewRegistry()
	c := &Client{
		cfg:            cfg,
		relayCfg:       cfg.Relay,
		factory:        factory,
		registry:       registry,
		publishOK:      metrics.NewRegisteredCounter("publish/accepted", registry),
		publishFailed:  metrics.NewRegisteredCounter("publish/rejected", registry),
		eventsReceived: metrics.NewRegisteredCounter("events/received", registry),
		eventsFetched:  metrics.NewRegisteredCounter("events/fetched", registry),
		reconnects:     metrics.NewRegisteredCounter("reconnects", registry),
		relayCount:     metrics.NewRegisteredGauge("relays", registry),
		sessions:       make(map[string]Session),
		subs:           make(map[string]*mergedSubscription),
	}
	userStateHook := c.relayCfg.OnStateChange
	c.relayCfg.OnStateChange = func(relayURL string, state relay.State) {
		if state == relay.StateReconnecting {
			c.reconnects.Inc(1)
		}
		if userStateHook != nil {
			userStateHook(relayURL, state)
		}
	}

	return c
}

// Metrics exposes the aggregate counters.
func (c *Client) Metrics() metrics.Registry {
	return c.registry
}

// AddRelay connects a new relay. Adding an already-known relay, under any
// alias of its normalized URL, is a no-op.
func (c *Client) AddRelay(ctx context.Context, relayURL string) error {
	normalized, err := NormalizeRelayURL(relayURL)
	if err != nil {
		return err
	}
	c.mx.RLock()
	_, known := c.sessions[normalized]
	c.mx.RUnlock()
	if known {
		return nil
	}

	session := c.factory(normalized, &c.relayCfg)
	if err = session.Connect(ctx); err != nil {
		return errors.Wrapf(err, "failed to connect relay %v", normalized)
	}

	c.mx.Lock()
	if _, known = c.sessions[normalized]; known {
		c.mx.Unlock()

		return session.Disconnect()
	}
	c.sessions[normalized] = session
	c.relayCount.Update(int64(len(c.sessions)))
	c.mx.Unlock()

	return nil
}

// RemoveRelay disconnects and forgets a relay, together with its legs of
// every merged subscription.
func (c *Client) RemoveRelay(relayURL string) error {
	normalized, err := NormalizeRelayURL(relayURL)
	if err != nil {
		return err
	}
	c.mx.Lock()
	session, known := c.sessions[normalized]
	if !known {
		c.mx.Unlock()

		return errors.Wrapf(ErrRelayNotFound, "%v", normalized)
	}
	delete(c.sessions, normalized)
	c.relayCount.Update(int64(len(c.sessions)))
	subs := make([]*mergedSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mx.Unlock()

	for _, sub := range subs {
		sub.dropRelay(normalized)
	}

	return session.Disconnect()
}

// Relays lists the normalized URLs of the connected set.
func (c *Client) Relays() []string {
	c.mx.RLock()
	defer c.mx.RUnlock()

	result := make([]string, 0, len(c.sessions))
	for normalized := range c.sessions {
		result = append(result, normalized)
	}

	return result
}

// Close disconnects every relay.
func (c *Client) Close() error {
	c.mx.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.subs = make(map[string]*mergedSubscription)
	c.relayCount.Update(0)
	c.mx.Unlock()

	var mErr *multierror.Error
	for normalized, session := range sessions {
		if err := session.Disconnect(); err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to disconnect %v", normalized))
		}
	}

	return mErr.ErrorOrNil()
}

// Publish fans the event out to every relay and waits for all verdicts.
// The call succeeds when at least one relay accepts the event, the
// per-relay results carry the full picture.
func (c *Client) Publish(ctx context.Context, event *model.Event) ([]*PublishResult, error) {
	sessions := c.snapshot()
	if len(sessions) == 0 {
		return nil, ErrNoRelays
	}

	results := make([]*PublishResult, 0, len(sessions))
	var (
		wg        sync.WaitGroup
		resultsMx sync.Mutex
	)
	for normalized, session := range sessions {
		wg.Add(1)
		go func(normalized string, session Session) {
			defer wg.Done()
			outcome, err := session.Publish(ctx, event)
			resultsMx.Lock()
			results = append(results, &PublishResult{RelayURL: normalized, Outcome: outcome, Err: err})
			resultsMx.Unlock()
		}(normalized, session)
	}
	wg.Wait()

	accepted := 0
	var mErr *multierror.Error
	for _, result := range results {
		switch {
		case result.Err != nil:
			mErr = multierror.Append(mErr, errors.Wrapf(result.Err, "relay %v", result.RelayURL))
		case result.Outcome.Success:
			accepted++
		default:
			mErr = multierror.Append(mErr, errors.Errorf("relay %v rejected event %v: %v", result.RelayURL, event.ID, result.Outcome.Reason))
		}
	}
	c.publishOK.Inc(int64(accepted))
	c.publishFailed.Inc(int64(len(results) - accepted))
	if accepted > 0 {
		return results, nil
	}

	return results, errors.Wrapf(mErr.ErrorOrNil(), "publish of event %v failed on all relays", event.ID)
}

// Subscribe opens the query on every currently-known relay and returns a
// merged subscription id. Events arrive tagged with their source relay,
// onEose fires once after every relay delivered its backlog.
func (c *Client) Subscribe(filters model.Filters, onEvent OnRelayEvent, onEose func()) (string, error) {
	sessions := c.snapshot()
	if len(sessions) == 0 {
		return "", ErrNoRelays
	}

	merged := &mergedSubscription{
		perRelay: make(map[string]string, len(sessions)),
		done:     make(map[string]bool, len(sessions)),
		pending:  len(sessions),
		onEose:   onEose,
	}
	mergedID := uuid.NewString()
	c.mx.Lock()
	c.subs[mergedID] = merged
	c.mx.Unlock()

	opened := 0
	var mErr *multierror.Error
	for normalized, session := range sessions {
		subscriptionID, err := session.Subscribe(filters,
			func(event *model.Event) {
				c.eventsReceived.Inc(1)
				if onEvent != nil {
					onEvent(normalized, event)
				}
			},
			func() { merged.relayDone(normalized) })
		if err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "relay %v", normalized))
			merged.relayDone(normalized)

			continue
		}
		merged.mx.Lock()
		merged.perRelay[normalized] = subscriptionID
		merged.mx.Unlock()
		opened++
	}
	if opened == 0 {
		c.mx.Lock()
		delete(c.subs, mergedID)
		c.mx.Unlock()

		return "", errors.Wrap(mErr.ErrorOrNil(), "subscription failed on all relays")
	}
	if err := mErr.ErrorOrNil(); err != nil {
		log.Printf("WARN: subscription %v opened partially: %v", mergedID, err)
	}

	return mergedID, nil
}

// Unsubscribe closes every relay leg of a merged subscription, unknown
// ids are a no-op.
func (c *Client) Unsubscribe(mergedID string) {
	c.mx.Lock()
	merged, found := c.subs[mergedID]
	if found {
		delete(c.subs, mergedID)
	}
	sessions := make(map[string]Session, len(c.sessions))
	for normalized, session := range c.sessions {
		sessions[normalized] = session
	}
	c.mx.Unlock()
	if !found {
		return
	}

	merged.mx.Lock()
	perRelay := merged.perRelay
	merged.perRelay = make(map[string]string)
	merged.mx.Unlock()
	for normalized, subscriptionID := range perRelay {
		if session, known := sessions[normalized]; known {
			session.Unsubscribe(subscriptionID)
		}
	}
}

// FetchMany queries every relay for the stored backlog and merges the
// answers, deduplicated by event id, newest first. Partial relay
// failures are tolerated as long as at least one relay answers.
func (c *Client) FetchMany(ctx context.Context, filters model.Filters) ([]*model.Event, error) {
	sessions := c.snapshot()
	if len(sessions) == 0 {
		return nil, ErrNoRelays
	}

	type fetchResult struct {
		relayURL string
		events   []*model.Event
		err      error
	}
	resultCh := make(chan *fetchResult, len(sessions))
	for normalized, session := range sessions {
		go func(normalized string, session Session) {
			events, err := session.Fetch(ctx, filters)
			resultCh <- &fetchResult{relayURL: normalized, events: events, err: err}
		}(normalized, session)
	}

	deduped := make(map[string]*model.Event)
	answered := 0
	var mErr *multierror.Error
	for range len(sessions) {
		result := <-resultCh
		if result.err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(result.err, "relay %v", result.relayURL))

			continue
		}
		answered++
		for _, event := range result.events {
			deduped[event.ID] = event
		}
	}
	if answered == 0 {
		return nil, errors.Wrap(mErr.ErrorOrNil(), "fetch failed on all relays")
	}

	events := make([]*model.Event, 0, len(deduped))
	for _, event := range deduped {
		events = append(events, event)
	}
	sortEvents(events)
	c.eventsFetched.Inc(int64(len(events)))

	return events, nil
}

// FetchOne returns the single newest event matching the filters, or nil
// when no relay has one.
func (c *Client) FetchOne(ctx context.Context, filters model.Filters) (*model.Event, error) {
	limited := make(model.Filters, 0, max(len(filters), 1))
	if len(filters) == 0 {
		limited = append(limited, model.Filter{Limit: 1})
	}
	for i := range filters {
		f := filters[i]
		f.Limit = 1
		limited = append(limited, f)
	}

	events, err := c.FetchMany(ctx, limited)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	return events[0], nil
}

// LatestReplaceable resolves the freshest replaceable event for the key
// across every relay's store.
func (c *Client) LatestReplaceable(key model.ReplaceableKey) *model.Event {
	var best *model.Event
	for _, session := range c.snapshot() {
		if candidate := session.Store().LatestReplaceable(key); candidate != nil && (best == nil || candidate.Supersedes(best)) {
			best = candidate
		}
	}

	return best
}

// LatestAddressable is LatestReplaceable over (pubkey, kind, d-tag).
func (c *Client) LatestAddressable(key model.AddressableKey) *model.Event {
	var best *model.Event
	for _, session := range c.snapshot() {
		if candidate := session.Store().LatestAddressable(key); candidate != nil && (best == nil || candidate.Supersedes(best)) {
			best = candidate
		}
	}

	return best
}

// Auth answers one relay's AUTH challenge with a signed challenge event
// and reports the relay's verdict.
func (c *Client) Auth(ctx context.Context, relayURL string, event *model.Event) (*relay.PublishOutcome, error) {
	normalized, err := NormalizeRelayURL(relayURL)
	if err != nil {
		return nil, err
	}
	c.mx.RLock()
	session, known := c.sessions[normalized]
	c.mx.RUnlock()
	if !known {
		return nil, errors.Wrapf(ErrRelayNotFound, "%v", normalized)
	}

	return session.Auth(ctx, event)
}

func (c *Client) snapshot() map[string]Session {
	c.mx.RLock()
	defer c.mx.RUnlock()

	sessions := make(map[string]Session, len(c.sessions))
	for normalized, session := range c.sessions {
		sessions[normalized] = session
	}

	return sessions
}

// relayDone marks one relay's backlog as delivered, at most once per
// relay, and fires the merged onEose when the last one lands.
func (m *mergedSubscription) relayDone(normalized string) {
	m.mx.Lock()
	if m.done[normalized] {
		m.mx.Unlock()

		return
	}
	m.done[normalized] = true
	m.pending--
	fire := m.pending <= 0 && !m.eoseSent
	if fire {
		m.eoseSent = true
	}
	onEose := m.onEose
	m.mx.Unlock()

	if fire && onEose != nil {
		onEose()
	}
}

// dropRelay detaches a removed relay's leg so a merged subscription can
// still converge on EOSE without it.
func (m *mergedSubscription) dropRelay(normalized string) {
	m.mx.Lock()
	_, participating := m.perRelay[normalized]
	delete(m.perRelay, normalized)
	m.mx.Unlock()
	if participating {
		m.relayDone(normalized)
	}
}

func sortEvents(events []*model.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Supersedes(events[j])
	})
}
