// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

type (
	// Event is a signed, content-addressed record. Immutable once signed:
	// any mutation invalidates both ID and Sig.
	Event struct {
		ID        string    `json:"id"`
		PubKey    string    `json:"pubkey"`
		CreatedAt Timestamp `json:"created_at"`
		Kind      Kind      `json:"kind"`
		Tags      Tags      `json:"tags"`
		Content   string    `json:"content"`
		Sig       string    `json:"sig"`
	}

	// UnsignedEvent is the signable subset of an Event, produced by
	// template construction and consumed by Sign.
	UnsignedEvent struct {
		PubKey    string    `json:"pubkey"`
		CreatedAt Timestamp `json:"created_at"`
		Kind      Kind      `json:"kind"`
		Tags      Tags      `json:"tags"`
		Content   string    `json:"content"`
	}
)

// Serialize produces the canonical signable form
// `[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]` with no whitespace.
// The byte output must match any other implementation given the same
// logical event, so string escaping is fixed here instead of delegated
// to a generic JSON encoder.
func (u *UnsignedEvent) Serialize() ([]byte, error) {
	if u.CreatedAt < 0 {
		return nil, errors.Wrapf(ErrMalformedEvent, "negative created_at %v", u.CreatedAt)
	}
	if u.Kind < 0 {
		return nil, errors.Wrapf(ErrMalformedEvent, "negative kind %v", u.Kind)
	}
	for i := range u.Tags {
		if u.Tags[i] == nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "tag %v is not a string sequence", i)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, 128+len(u.Content)))
	buf.WriteString(`[0,"`)
	buf.WriteString(u.PubKey)
	buf.WriteString(`",`)
	buf.WriteString(strconv.FormatInt(int64(u.CreatedAt), 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(u.Kind))
	buf.WriteByte(',')
	buf.WriteByte('[')
	for i, tag := range u.Tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, item := range tag {
			if j > 0 {
				buf.WriteByte(',')
			}
			escapeString(buf, item)
		}
		buf.WriteByte(']')
	}
	buf.WriteString(`],`)
	escapeString(buf, u.Content)
	buf.WriteByte(']')

	return buf.Bytes(), nil
}

// escapeString is deliberately minimal: only the escapes required by the
// canonical event form, everything else byte-for-byte as is.
func escapeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c < 0x20:
			const hexChars = "0123456789abcdef"
			buf.WriteString(`\u00`)
			buf.WriteByte(hexChars[c>>4])
			buf.WriteByte(hexChars[c&0xf])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}

// ComputeID hashes the canonical serialization. Pure: same logical event,
// same id, across calls and implementations.
func (u *UnsignedEvent) ComputeID() (string, error) {
	serialized, err := u.Serialize()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(serialized)

	return hex.EncodeToString(hash[:]), nil
}

// Sign fills PubKey from the private key, computes the content id and
// produces a BIP-340 signature over it.
func (u *UnsignedEvent) Sign(privateKeyHex string) (*Event, error) {
	privBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "private key is invalid hex")
	}
	privKey := secp256k1.PrivKeyFromBytes(privBytes)
	defer privKey.Zero()

	u.PubKey = hex.EncodeToString(privKey.PubKey().SerializeCompressed()[1:])
	if u.Tags == nil {
		u.Tags = make(Tags, 0)
	}
	id, err := u.ComputeID()
	if err != nil {
		return nil, err
	}
	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign event")
	}

	return &Event{
		ID:        id,
		PubKey:    u.PubKey,
		CreatedAt: u.CreatedAt,
		Kind:      u.Kind,
		Tags:      u.Tags,
		Content:   u.Content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}

func (e *Event) Unsigned() *UnsignedEvent {
	return &UnsignedEvent{
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
	}
}

// CheckID recomputes the content id and compares it against the ID field.
func (e *Event) CheckID() (bool, error) {
	id, err := e.Unsigned().ComputeID()
	if err != nil {
		return false, err
	}

	return id == e.ID, nil
}

// CheckSignature verifies Sig over the ID field and PubKey. It does not
// recompute the id, that is CheckID's job.
func (e *Event) CheckSignature() (bool, error) {
	return VerifySignature(e.ID, e.Sig, e.PubKey)
}

// VerifySignature is the default verifier over an (id, sig, pubkey) triple.
func VerifySignature(id, sig, pubKey string) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(pubKey)
	if err != nil {
		return false, errors.Wrap(err, "public key is invalid hex")
	}
	pk, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, errors.Wrap(err, "public key is not a valid curve point")
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, errors.Wrap(err, "signature is invalid hex")
	}
	parsedSig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, errors.Wrap(err, "failed to parse signature")
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return false, errors.Wrap(err, "event id is invalid hex")
	}

	return parsedSig.Verify(idBytes, pk), nil
}

func (e *Event) GetTag(tagName string) Tag {
	return e.Tags.GetFirst(tagName)
}

// DTag returns the `d` tag value, the addressable-class discriminator.
func (e *Event) DTag() string {
	return e.Tags.GetFirst(TagD).Value()
}

func (e *Event) ReplaceableKey() ReplaceableKey {
	return ReplaceableKey{PubKey: e.PubKey, Kind: e.Kind}
}

func (e *Event) AddressableKey() AddressableKey {
	return AddressableKey{PubKey: e.PubKey, Kind: e.Kind, DTag: e.DTag()}
}

// Supersedes reports whether e wins over other as the latest version of a
// replaceable or addressable event: greater created_at, ties broken by the
// lexicographically smallest id.
func (e *Event) Supersedes(other *Event) bool {
	if e.CreatedAt != other.CreatedAt {
		return e.CreatedAt > other.CreatedAt
	}

	return e.ID < other.ID
}

func GeneratePrivateKey() string {
	privKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return ""
	}
	defer privKey.Zero()

	return hex.EncodeToString(privKey.Serialize())
}

func GetPublicKey(privateKeyHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return "", errors.Wrap(err, "private key is invalid hex")
	}
	privKey := secp256k1.PrivKeyFromBytes(privBytes)
	defer privKey.Zero()

	return hex.EncodeToString(privKey.PubKey().SerializeCompressed()[1:]), nil
}
