// SPDX-License-Identifier: ice License 1.0

package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPubKey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestComputeID(t *testing.T) {
	t.Parallel()

	t.Run("Deterministic", func(t *testing.T) {
		unsigned := UnsignedEvent{
			PubKey:    testPubKey,
			CreatedAt: 100,
			Kind:      KindProfileMetadata,
			Tags:      Tags{},
			Content:   "{}",
		}
		first, err := unsigned.ComputeID()
		require.NoError(t, err)
		second, err := unsigned.ComputeID()
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Len(t, first, 64)
		require.Equal(t, strings.ToLower(first), first)
	})
	t.Run("CanonicalForm", func(t *testing.T) {
		unsigned := UnsignedEvent{
			PubKey:    testPubKey,
			CreatedAt: 100,
			Kind:      1,
			Tags:      Tags{{"e", "abc"}, {"p", testPubKey, "wss://relay.example.com"}},
			Content:   "hello",
		}
		serialized, err := unsigned.Serialize()
		require.NoError(t, err)
		require.Equal(t,
			`[0,"`+testPubKey+`",100,1,[["e","abc"],["p","`+testPubKey+`","wss://relay.example.com"]],"hello"]`,
			string(serialized))
	})
	t.Run("Escaping", func(t *testing.T) {
		unsigned := UnsignedEvent{
			PubKey:    testPubKey,
			CreatedAt: 1,
			Kind:      1,
			Tags:      Tags{},
			Content:   "line1\nline2\t\"quoted\\\" \x01 é",
		}
		serialized, err := unsigned.Serialize()
		require.NoError(t, err)
		require.Equal(t,
			`[0,"`+testPubKey+`",1,1,[],"line1\nline2\t\"quoted\\\" \u0001 é"]`,
			string(serialized))
	})
	t.Run("Malformed", func(t *testing.T) {
		unsigned := UnsignedEvent{PubKey: testPubKey, CreatedAt: -1, Kind: 1}
		_, err := unsigned.ComputeID()
		require.ErrorIs(t, err, ErrMalformedEvent)

		unsigned = UnsignedEvent{PubKey: testPubKey, CreatedAt: 1, Kind: -1}
		_, err = unsigned.ComputeID()
		require.ErrorIs(t, err, ErrMalformedEvent)

		unsigned = UnsignedEvent{PubKey: testPubKey, CreatedAt: 1, Kind: 1, Tags: Tags{nil}}
		_, err = unsigned.ComputeID()
		require.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestEventSignVerify(t *testing.T) {
	t.Parallel()

	privKey := GeneratePrivateKey()
	require.NotEmpty(t, privKey)

	unsigned := UnsignedEvent{
		CreatedAt: Now(),
		Kind:      KindTextNote,
		Content:   "signed content",
	}
	event, err := unsigned.Sign(privKey)
	require.NoError(t, err)
	require.Len(t, event.ID, 64)
	require.Len(t, event.PubKey, 64)
	require.Len(t, event.Sig, 128)

	pubKey, err := GetPublicKey(privKey)
	require.NoError(t, err)
	require.Equal(t, pubKey, event.PubKey)

	t.Run("IDMatches", func(t *testing.T) {
		ok, err := event.CheckID()
		require.NoError(t, err)
		require.True(t, ok)
	})
	t.Run("SignatureVerifies", func(t *testing.T) {
		ok, err := event.CheckSignature()
		require.NoError(t, err)
		require.True(t, ok)
	})
	t.Run("TamperedContent", func(t *testing.T) {
		tampered := *event
		tampered.Content = "changed"
		ok, err := tampered.CheckID()
		require.NoError(t, err)
		require.False(t, ok)
	})
	t.Run("TamperedSignature", func(t *testing.T) {
		tampered := *event
		tampered.Sig = strings.Repeat("00", 64)
		ok, err := tampered.CheckSignature()
		require.Error(t, err)
		require.False(t, ok)
	})
}

func TestEventCodec(t *testing.T) {
	t.Parallel()

	t.Run("RoundTrip", func(t *testing.T) {
		event := Event{
			ID:        strings.Repeat("ab", 32),
			PubKey:    testPubKey,
			CreatedAt: 1700000000,
			Kind:      30023,
			Tags:      Tags{{"d", "my-post"}, {"t", "go"}},
			Content:   "long form \"content\"",
			Sig:       strings.Repeat("cd", 64),
		}
		data, err := event.MarshalJSON()
		require.NoError(t, err)

		var decoded Event
		require.NoError(t, decoded.UnmarshalJSON(data))
		require.Equal(t, event, decoded)
	})
	t.Run("MistypedFields", func(t *testing.T) {
		var decoded Event
		require.ErrorIs(t, decoded.UnmarshalJSON([]byte(`{"id":1}`)), ErrMalformedEvent)
		require.ErrorIs(t, decoded.UnmarshalJSON([]byte(`[]`)), ErrMalformedEvent)
		require.ErrorIs(t,
			decoded.UnmarshalJSON([]byte(`{"id":"a","pubkey":"b","created_at":1,"kind":1,"tags":[[1]],"content":"","sig":""}`)),
			ErrMalformedEvent)
		require.ErrorIs(t,
			decoded.UnmarshalJSON([]byte(`{"id":"a","pubkey":"b","created_at":1,"kind":1,"tags":"x","content":"","sig":""}`)),
			ErrMalformedEvent)
	})
}

func TestEventKeys(t *testing.T) {
	t.Parallel()

	event := Event{
		PubKey: testPubKey,
		Kind:   30000,
		Tags:   Tags{{"d", "x"}, {"d", "ignored-second"}},
	}
	require.Equal(t, "x", event.DTag())
	require.Equal(t, AddressableKey{PubKey: testPubKey, Kind: 30000, DTag: "x"}, event.AddressableKey())
	require.Equal(t, ReplaceableKey{PubKey: testPubKey, Kind: 30000}, event.ReplaceableKey())
}

func TestKindClasses(t *testing.T) {
	t.Parallel()

	require.True(t, IsReplaceableKind(KindProfileMetadata))
	require.True(t, IsReplaceableKind(KindFollowList))
	require.True(t, IsReplaceableKind(10000))
	require.True(t, IsReplaceableKind(19999))
	require.False(t, IsReplaceableKind(KindTextNote))
	require.False(t, IsReplaceableKind(20000))

	require.True(t, IsEphemeralKind(20000))
	require.True(t, IsEphemeralKind(29999))
	require.False(t, IsEphemeralKind(30000))

	require.True(t, IsAddressableKind(30000))
	require.True(t, IsAddressableKind(39999))
	require.False(t, IsAddressableKind(40000))
}
