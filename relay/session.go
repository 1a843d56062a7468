// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"log"
	"sync"
	stdlibtime "time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"pgregory.net/rand"

	"github.com/ice-blockchain/ion-connect-client/model"
)

// Session is one relay's connection lifecycle, subscription registry and
// publish correlation. It reconnects on transport failure with capped
// exponential backoff and re-establishes every open subscription.
type Session struct {
	cfg       *Config
	url       string
	subs      *subscriptionManager
	publisher *publishCoordinator
	limiter   *rateLimiter
	store     *EventStore

	mx                sync.Mutex
	conn              Conn
	state             State
	stopped           bool
	reconnectAttempts uint
	reconnectTimer    *clock.Timer
}

func NewSession(url string, cfg *Config) *Session {
	if cfg == nil {
		cfg = new(Config)
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		url:       url,
		publisher: newPublishCoordinator(),
		limiter:   newRateLimiter(cfg.Clock, cfg.RateLimits),
		store:     NewEventStore(),
		state:     StateDisconnected,
	}
	s.subs = newSubscriptionManager(cfg.Clock, cfg.FlushInterval, s.sendEnvelope, func(subscriptionID, reason string) {
		if cfg.OnClosed != nil {
			cfg.OnClosed(s.url, subscriptionID, reason)
		}
	})

	return s
}

func (s *Session) URL() string {
	return s.url
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.state
}

// setStateLocked records the transition and returns whether it changed,
// so the callback can fire outside the lock.
func (s *Session) setStateLocked(state State) bool {
	if s.state == state {
		return false
	}
	s.state = state

	return true
}

func (s *Session) notifyState(state State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.url, state)
	}
}

func (s *Session) Store() *EventStore {
	return s.store
}

// Connect dials the relay, bounded by ConnectTimeout. Connecting an
// already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mx.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mx.Unlock()

		return nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	changed := s.setStateLocked(StateConnecting)
	s.stopped = false
	s.mx.Unlock()
	if changed {
		s.notifyState(StateConnecting)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.mx.Lock()
		changed = s.setStateLocked(StateDisconnected)
		s.mx.Unlock()
		if changed {
			s.notifyState(StateDisconnected)
		}

		return err
	}
	s.attach(conn)

	return nil
}

// Disconnect tears the connection down and stays down, idempotently.
// Pending publishes fail, buffered events are discarded, the subscription
// registry survives for a later Connect.
func (s *Session) Disconnect() error {
	s.mx.Lock()
	s.stopped = true
	changed := s.setStateLocked(StateDisconnected)
	conn := s.conn
	s.conn = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.mx.Unlock()
	if changed {
		s.notifyState(StateDisconnected)
	}

	s.subs.discardBuffers()
	s.publisher.failAll()
	if conn != nil {
		return conn.Close()
	}

	return nil
}

// Subscribe opens a server-side query and returns its id. Matching events
// arrive batched through onEvent, onEose fires once after the backlog.
func (s *Session) Subscribe(filters model.Filters, onEvent OnEvent, onEose OnEndOfStoredEvents) (string, error) {
	if err := s.limiter.check(OpSubscribe); err != nil {
		return "", err
	}

	return s.subs.open(filters, onEvent, onEose), nil
}

// Unsubscribe is a no-op for unknown or already-closed ids.
func (s *Session) Unsubscribe(subscriptionID string) {
	s.subs.close(subscriptionID)
}

// Publish sends the event and waits for the relay's OK verdict, bounded
// by PublishTimeout and ctx.
func (s *Session) Publish(ctx context.Context, event *model.Event) (*PublishOutcome, error) {
	if err := s.limiter.check(OpPublish); err != nil {
		return nil, err
	}

	return s.sendAwaitingVerdict(ctx, &model.EventEnvelope{Event: *event}, event.ID)
}

// sendAwaitingVerdict writes a frame that the relay answers with an OK
// keyed by event id, and waits for that verdict.
func (s *Session) sendAwaitingVerdict(ctx context.Context, envelope model.Envelope, eventID string) (*PublishOutcome, error) {
	outcome := s.publisher.register(eventID)
	defer s.publisher.unregister(eventID, outcome)

	if err := s.sendEnvelope(envelope); err != nil {
		return nil, err
	}

	timeout := s.cfg.Clock.Timer(s.cfg.PublishTimeout)
	defer timeout.Stop()
	select {
	case result := <-outcome:
		return result, nil
	case <-timeout.C:
		return nil, errors.Wrapf(ErrPublishTimeout, "no OK for event %v within %v", eventID, s.cfg.PublishTimeout)
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "wait for OK on event %v aborted", eventID)
	}
}

// Fetch runs a one-shot query: it subscribes, collects the stored backlog
// until EOSE, then closes the subscription. Results are sorted newest
// first, ids ascending on equal timestamps.
func (s *Session) Fetch(ctx context.Context, filters model.Filters) ([]*model.Event, error) {
	if err := s.limiter.check(OpFetch); err != nil {
		return nil, err
	}

	var (
		mx     sync.Mutex
		events []*model.Event
	)
	done := make(chan struct{})
	subscriptionID, err := s.Subscribe(filters, func(event *model.Event) {
		mx.Lock()
		events = append(events, event)
		mx.Unlock()
	}, func() { close(done) })
	if err != nil {
		return nil, err
	}
	defer s.Unsubscribe(subscriptionID)

	timeout := s.cfg.Clock.Timer(s.cfg.FetchTimeout)
	defer timeout.Stop()
	select {
	case <-done:
	case <-timeout.C:
		return nil, errors.Wrapf(ErrFetchTimeout, "no EOSE from %v within %v", s.url, s.cfg.FetchTimeout)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "fetch aborted")
	}

	mx.Lock()
	defer mx.Unlock()
	sortEvents(events)

	return events, nil
}

// Auth answers a relay AUTH challenge with a signed challenge event and
// waits for the relay's verdict, same OK path as publishing.
func (s *Session) Auth(ctx context.Context, event *model.Event) (*PublishOutcome, error) {
	return s.sendAwaitingVerdict(ctx, &model.AuthEnvelope{Event: event}, event.ID)
}

// SetRateLimits swaps the operation budgets at runtime.
func (s *Session) SetRateLimits(limits map[OpClass]RateLimit) {
	s.limiter.reconfigure(limits)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.DialContext(dialCtx, s.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.Wrapf(ErrConnectionTimeout, "dialing %v took over %v", s.url, s.cfg.ConnectTimeout)
		}

		return nil, errors.Wrapf(err, "failed to connect to %v", s.url)
	}

	return conn, nil
}

// attach installs a fresh connection, re-establishes open subscriptions
// and starts the read loop.
func (s *Session) attach(conn Conn) {
	s.mx.Lock()
	if s.stopped {
		s.mx.Unlock()
		_ = conn.Close()

		return
	}
	replaced := s.conn
	s.conn = conn
	changed := s.setStateLocked(StateConnected)
	s.reconnectAttempts = 0
	s.mx.Unlock()
	if replaced != nil && replaced != conn {
		_ = replaced.Close()
	}
	if changed {
		s.notifyState(StateConnected)
	}

	for _, req := range s.subs.snapshot() {
		if err := s.sendEnvelope(req); err != nil {
			log.Printf("WARN: failed to re-establish subscription %v on %v: %v", req.SubscriptionID, s.url, err)
		}
	}

	go s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)

			return
		}
		s.dispatch(data)
	}
}

// handleDisconnect reacts to a broken read loop. The conn comparison
// guards against a stale loop outliving its replaced connection.
func (s *Session) handleDisconnect(conn Conn, err error) {
	s.mx.Lock()
	if s.conn != conn {
		s.mx.Unlock()

		return
	}
	s.conn = nil
	stopped := s.stopped
	next := StateReconnecting
	if stopped {
		next = StateDisconnected
	}
	changed := s.setStateLocked(next)
	s.mx.Unlock()
	if changed {
		s.notifyState(next)
	}

	_ = conn.Close()
	s.subs.discardBuffers()
	s.publisher.failAll()
	if stopped {
		return
	}
	if !errors.Is(err, ErrConnectionClosed) {
		s.reportError(errors.Wrapf(err, "connection to %v broke", s.url))
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopped || s.state != StateReconnecting {
		return
	}

	delay := s.cfg.ReconnectBaseDelay << s.reconnectAttempts
	if delay <= 0 || delay > s.cfg.ReconnectMaxDelay {
		delay = s.cfg.ReconnectMaxDelay
	}
	delay += stdlibtime.Duration(float64(delay) * rand.Float64() * reconnectJitterFraction)
	s.reconnectAttempts++
	s.reconnectTimer = s.cfg.Clock.AfterFunc(delay, s.tryReconnect)
}

// tryReconnect dials again, unless a manual Connect or Disconnect took
// over the session while the backoff timer was pending.
func (s *Session) tryReconnect() {
	s.mx.Lock()
	if s.stopped || s.state != StateReconnecting {
		s.mx.Unlock()

		return
	}
	s.mx.Unlock()

	conn, err := s.dial(context.Background())
	if err != nil {
		s.reportError(errors.Wrapf(err, "reconnect to %v failed", s.url))
		s.scheduleReconnect()

		return
	}
	s.attach(conn)
}

func (s *Session) dispatch(data []byte) {
	envelope, err := model.ParseMessage(data)
	if err != nil {
		log.Printf("WARN: dropping malformed frame from %v: %v", s.url, err)

		return
	}

	switch v := envelope.(type) {
	case *model.EventEnvelope:
		s.dispatchEvent(v)
	case *model.OKEnvelope:
		s.publisher.resolve(v)
	case *model.EOSEEnvelope:
		s.subs.endOfStoredEvents(v.SubscriptionID)
	case *model.NoticeEnvelope:
		if s.cfg.OnNotice != nil {
			s.cfg.OnNotice(s.url, v.Message)
		} else {
			log.Printf("WARN: notice from %v: %v", s.url, v.Message)
		}
	case *model.ClosedEnvelope:
		s.subs.markClosed(v.SubscriptionID, v.Reason)
	case *model.AuthEnvelope:
		if s.cfg.OnAuthChallenge != nil {
			s.cfg.OnAuthChallenge(s.url, v)
		}
	default:
		log.Printf("WARN: dropping unexpected %v frame from %v", envelope.Label(), s.url)
	}
}

// dispatchEvent validates the event, resolves the mutable classes against
// the store and forwards accepted events to the owning subscription.
func (s *Session) dispatchEvent(v *model.EventEnvelope) {
	if v.SubscriptionID == nil {
		log.Printf("WARN: dropping unsolicited EVENT from %v", s.url)

		return
	}
	event := &v.Event
	if err := s.cfg.Validator.Validate(event); err != nil {
		s.reportError(errors.Wrapf(err, "relay %v sent invalid event %v", s.url, event.ID))

		return
	}
	switch {
	case model.IsReplaceableKind(event.Kind):
		if !s.store.ResolveReplaceable(event) {
			return
		}
	case model.IsAddressableKind(event.Kind):
		if !s.store.ResolveAddressable(event) {
			return
		}
	}
	s.subs.buffer(*v.SubscriptionID, event)
}

func (s *Session) sendEnvelope(envelope model.Envelope) error {
	data, err := envelope.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %v envelope", envelope.Label())
	}

	s.mx.Lock()
	conn := s.conn
	s.mx.Unlock()
	if conn == nil {
		return errors.Wrapf(ErrConnectionClosed, "no active connection to %v", s.url)
	}

	return errors.Wrapf(conn.WriteMessage(data), "failed to write %v envelope to %v", envelope.Label(), s.url)
}

func (s *Session) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(s.url, err)

		return
	}
	log.Printf("ERROR: %v", err)
}
