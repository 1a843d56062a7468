// SPDX-License-Identifier: ice License 1.0

package model

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

type (
	Timestamp int64
	Kind      = int

	Tag  []string
	Tags []Tag

	// ReplaceableKey addresses the single retained event for
	// replaceable kinds: 0, 3 and 10000..19999.
	ReplaceableKey struct {
		PubKey string
		Kind   Kind
	}

	// AddressableKey addresses the single retained event for
	// addressable kinds 30000..39999, discriminated by the `d` tag.
	AddressableKey struct {
		PubKey string
		Kind   Kind
		DTag   string
	}
)

const (
	KindProfileMetadata        Kind = 0
	KindTextNote               Kind = 1
	KindFollowList             Kind = 3
	KindEncryptedDirectMessage Kind = 4
	KindDeletion               Kind = 5
	KindRelayListMetadata      Kind = 10002
	KindClientAuthentication   Kind = 22242

	TagD = "d"
	TagP = "p"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownMessage = errors.New("unknown message")
	ErrParseMessage   = errors.New("parse message")
)

// ValidationError tags a failed validation pass with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %v: %v", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

func (tag Tag) Key() string {
	if len(tag) > 0 {
		return tag[0]
	}

	return ""
}

func (tag Tag) Value() string {
	if len(tag) > 1 {
		return tag[1]
	}

	return ""
}

func (tags Tags) GetFirst(key string) Tag {
	for _, tag := range tags {
		if tag.Key() == key {
			return tag
		}
	}

	return nil
}

func (tags Tags) GetAll(key string) []Tag {
	var result []Tag
	for _, tag := range tags {
		if tag.Key() == key {
			result = append(result, tag)
		}
	}

	return result
}

func IsReplaceableKind(kind Kind) bool {
	return kind == KindProfileMetadata || kind == KindFollowList || (10000 <= kind && kind < 20000)
}

func IsEphemeralKind(kind Kind) bool {
	return 20000 <= kind && kind < 30000
}

func IsAddressableKind(kind Kind) bool {
	return 30000 <= kind && kind < 40000
}
