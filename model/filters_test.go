// SPDX-License-Identifier: ice License 1.0

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func ts(value int64) *Timestamp {
	t := Timestamp(value)

	return &t
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	event := &Event{
		ID:        "aa11",
		PubKey:    "pubkey1",
		CreatedAt: 100,
		Kind:      KindTextNote,
		Tags:      Tags{{"e", "target"}, {"p", "pubkey2"}},
		Content:   "hi",
	}

	t.Run("Empty", func(t *testing.T) {
		require.True(t, (&Filter{}).Matches(event))
	})
	t.Run("IDs", func(t *testing.T) {
		require.True(t, (&Filter{IDs: []string{"aa11", "bb22"}}).Matches(event))
		require.False(t, (&Filter{IDs: []string{"bb22"}}).Matches(event))
	})
	t.Run("Kinds", func(t *testing.T) {
		require.True(t, (&Filter{Kinds: []Kind{KindTextNote}}).Matches(event))
		require.False(t, (&Filter{Kinds: []Kind{KindProfileMetadata}}).Matches(event))
	})
	t.Run("Authors", func(t *testing.T) {
		require.True(t, (&Filter{Authors: []string{"pubkey1"}}).Matches(event))
		require.False(t, (&Filter{Authors: []string{"somebody-else"}}).Matches(event))
	})
	t.Run("TagValues", func(t *testing.T) {
		require.True(t, (&Filter{Tags: TagMap{"e": {"target"}}}).Matches(event))
		require.True(t, (&Filter{Tags: TagMap{"p": {"pubkey2", "pubkey3"}}}).Matches(event))
		require.False(t, (&Filter{Tags: TagMap{"e": {"other"}}}).Matches(event))
		require.False(t, (&Filter{Tags: TagMap{"t": {"target"}}}).Matches(event))
	})
	t.Run("TimeBoundsInclusive", func(t *testing.T) {
		require.True(t, (&Filter{Since: ts(100)}).Matches(event))
		require.True(t, (&Filter{Until: ts(100)}).Matches(event))
		require.False(t, (&Filter{Since: ts(101)}).Matches(event))
		require.False(t, (&Filter{Until: ts(99)}).Matches(event))
	})
	t.Run("FiltersAreORed", func(t *testing.T) {
		filters := Filters{
			{Kinds: []Kind{KindProfileMetadata}},
			{Authors: []string{"pubkey1"}},
		}
		require.True(t, filters.Match(event))
		require.False(t, Filters{{Kinds: []Kind{KindProfileMetadata}}}.Match(event))
	})
}

func TestFilterCodec(t *testing.T) {
	t.Parallel()

	filter := Filter{
		IDs:     []string{"aa"},
		Kinds:   []Kind{0, 1},
		Authors: []string{"pk1", "pk2"},
		Tags:    TagMap{"e": {"x"}, "p": {"y", "z"}},
		Since:   ts(10),
		Until:   ts(20),
		Limit:   5,
		Search:  "hello world",
	}
	data, err := filter.MarshalJSON()
	require.NoError(t, err)

	parsed := gjson.ParseBytes(data)
	require.True(t, parsed.IsObject())
	require.Equal(t, int64(10), parsed.Get("since").Int())
	require.Equal(t, int64(20), parsed.Get("until").Int())
	require.Equal(t, int64(5), parsed.Get("limit").Int())
	require.Equal(t, "x", parsed.Get("#e").Array()[0].Str)
	require.Len(t, parsed.Get("#p").Array(), 2)

	var decoded Filter
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Equal(t, filter, decoded)

	t.Run("OmitsEmpty", func(t *testing.T) {
		data, err := (&Filter{}).MarshalJSON()
		require.NoError(t, err)
		require.Equal(t, "{}", string(data))
	})
	t.Run("RejectsMistyped", func(t *testing.T) {
		var decoded Filter
		require.ErrorIs(t, decoded.UnmarshalJSON([]byte(`[]`)), ErrParseMessage)
		require.ErrorIs(t, decoded.UnmarshalJSON([]byte(`{"ids":"aa"}`)), ErrParseMessage)
		require.ErrorIs(t, decoded.UnmarshalJSON([]byte(`{"#e":[1]}`)), ErrParseMessage)
	})
}
