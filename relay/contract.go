// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"fmt"
	stdlibtime "time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/ion-connect-client/model"
)

type (
	// Conn is one established relay connection. Implementations must allow
	// one concurrent reader and concurrent writers.
	Conn interface {
		WriteMessage(data []byte) error
		ReadMessage() (data []byte, err error)
		Close() error
	}

	// Dialer abstracts the transport so the session state machine stays
	// transport-implementation-agnostic.
	Dialer interface {
		DialContext(ctx context.Context, url string) (Conn, error)
	}

	// State of a session's connection lifecycle.
	State uint8

	// OpClass is a rate-limited operation class.
	OpClass uint8

	// RateLimit is a fixed-window budget, zero Limit means unlimited.
	RateLimit struct {
		Limit  int
		Window stdlibtime.Duration
	}

	// Config tunes one Session. The zero value gets sane defaults.
	Config struct {
		// ConnectTimeout bounds the transport open, default 7s.
		ConnectTimeout stdlibtime.Duration
		// PublishTimeout bounds the wait for the relay's OK, default 7s.
		PublishTimeout stdlibtime.Duration
		// FetchTimeout bounds the wait for EOSE in Fetch, default 30s.
		FetchTimeout stdlibtime.Duration
		// FlushInterval is the buffering debounce, default 200ms.
		FlushInterval stdlibtime.Duration
		// ReconnectBaseDelay is the first backoff step, default 1s,
		// doubling up to ReconnectMaxDelay (default 2m).
		ReconnectBaseDelay stdlibtime.Duration
		ReconnectMaxDelay  stdlibtime.Duration

		RateLimits map[OpClass]RateLimit

		// Validator rejects inbound events before they reach callbacks.
		Validator *model.Validator

		Dialer Dialer
		Clock  clock.Clock

		OnNotice        func(relayURL, message string)
		OnAuthChallenge func(relayURL string, auth *model.AuthEnvelope)
		OnClosed        func(relayURL, subscriptionID, reason string)
		OnStateChange   func(relayURL string, state State)
		OnError         func(relayURL string, err error)
	}

	// OnEvent receives one validated, buffered event.
	OnEvent func(event *model.Event)

	// OnEndOfStoredEvents signals that the relay delivered its backlog.
	OnEndOfStoredEvents func()
)

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

const (
	OpSubscribe OpClass = iota
	OpPublish
	OpFetch
)

const (
	defaultConnectTimeout     = 7 * stdlibtime.Second
	defaultPublishTimeout     = 7 * stdlibtime.Second
	defaultFetchTimeout       = 30 * stdlibtime.Second
	defaultFlushInterval      = 200 * stdlibtime.Millisecond
	defaultReconnectBaseDelay = 1 * stdlibtime.Second
	defaultReconnectMaxDelay  = 2 * stdlibtime.Minute

	reconnectJitterFraction = 0.3
)

var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrPublishTimeout    = errors.New("publish timeout")
	ErrFetchTimeout      = errors.New("fetch timeout")
)

// RateLimitError reports a denied operation and how long until the
// current window resets.
type RateLimitError struct {
	Op         OpClass
	RetryAfter stdlibtime.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %v, retry after %v", e.Op, e.RetryAfter)
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (op OpClass) String() string {
	switch op {
	case OpSubscribe:
		return "subscribe"
	case OpPublish:
		return "publish"
	case OpFetch:
		return "fetch"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

func (cfg *Config) withDefaults() *Config {
	result := *cfg
	if result.ConnectTimeout <= 0 {
		result.ConnectTimeout = defaultConnectTimeout
	}
	if result.PublishTimeout <= 0 {
		result.PublishTimeout = defaultPublishTimeout
	}
	if result.FetchTimeout <= 0 {
		result.FetchTimeout = defaultFetchTimeout
	}
	if result.FlushInterval <= 0 {
		result.FlushInterval = defaultFlushInterval
	}
	if result.ReconnectBaseDelay <= 0 {
		result.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if result.ReconnectMaxDelay <= 0 {
		result.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if result.Validator == nil {
		result.Validator = new(model.Validator)
	}
	if result.Dialer == nil {
		result.Dialer = NewWebsocketDialer()
	}
	if result.Clock == nil {
		result.Clock = clock.New()
	}

	return &result
}
