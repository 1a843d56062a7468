// SPDX-License-Identifier: ice License 1.0

package client

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/ion-connect-client/model"
	"github.com/ice-blockchain/ion-connect-client/relay"
)

type (
	// Session is the per-relay surface the aggregator drives. Satisfied by
	// *relay.Session.
	Session interface {
		Connect(ctx context.Context) error
		Disconnect() error
		Subscribe(filters model.Filters, onEvent relay.OnEvent, onEose relay.OnEndOfStoredEvents) (subscriptionID string, err error)
		Unsubscribe(subscriptionID string)
		Publish(ctx context.Context, event *model.Event) (*relay.PublishOutcome, error)
		Fetch(ctx context.Context, filters model.Filters) ([]*model.Event, error)
		Auth(ctx context.Context, event *model.Event) (*relay.PublishOutcome, error)
		URL() string
		State() relay.State
		Store() *relay.EventStore
	}

	// SessionFactory builds per-relay sessions, overridable in tests.
	SessionFactory func(url string, cfg *relay.Config) Session

	// Config tunes the aggregator, Relay applies to every session.
	Config struct {
		Relay          relay.Config
		SessionFactory SessionFactory
	}

	// PublishResult is one relay's verdict within a fan-out publish.
	PublishResult struct {
		RelayURL string
		Outcome  *relay.PublishOutcome
		Err      error
	}

	// OnRelayEvent receives one event together with the relay it came from.
	OnRelayEvent func(relayURL string, event *model.Event)
)

var (
	ErrNoRelays        = errors.New("no relays configured")
	ErrRelayNotFound   = errors.New("relay not found")
	ErrInvalidRelayURL = errors.New("invalid relay url")
)

// NormalizeRelayURL canonicalizes a relay address so that differently
// spelled aliases of one relay collapse to one key. Scheme and host fold
// to lowercase, http(s) maps to ws(s), trailing path slashes and the
// fragment drop; path and query case is preserved.
func NormalizeRelayURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrapf(ErrInvalidRelayURL, "%v: %v", raw, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
		parsed.Scheme = strings.ToLower(parsed.Scheme)
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "":
		parsed.Scheme = "wss"
		if parsed.Host == "" && parsed.Path != "" {
			// A bare hostname parses as a path.
			reparsed, rErr := url.Parse("wss://" + strings.TrimSpace(raw))
			if rErr != nil {
				return "", errors.Wrapf(ErrInvalidRelayURL, "%v: %v", raw, rErr)
			}
			parsed = reparsed
		}
	default:
		return "", errors.Wrapf(ErrInvalidRelayURL, "unsupported scheme %q in %v", parsed.Scheme, raw)
	}
	if parsed.Host == "" {
		return "", errors.Wrapf(ErrInvalidRelayURL, "missing host in %v", raw)
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.Fragment = ""

	return parsed.String(), nil
}
