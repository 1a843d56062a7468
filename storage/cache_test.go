// SPDX-License-Identifier: ice License 1.0

package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/ion-connect-client/model"
)

func newTestCache(tb testing.TB) *Cache {
	tb.Helper()
	cache := MustOpen(":memory:")
	tb.Cleanup(func() { require.NoError(tb, cache.Close()) })

	return cache
}

func cachedEvent(id string, kind model.Kind, createdAt model.Timestamp, tags model.Tags) *model.Event {
	return &model.Event{
		ID:        id,
		PubKey:    strings.Repeat("ab", 32),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   "cached",
		Sig:       strings.Repeat("cd", 64),
	}
}

func TestCacheSaveAndGet(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	ctx := context.Background()
	event := cachedEvent(strings.Repeat("11", 32), model.KindTextNote, 100, model.Tags{{model.TagP, strings.Repeat("ef", 32)}})

	require.NoError(t, cache.SaveEvent(ctx, event))
	loaded, err := cache.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, event, loaded)

	t.Run("SaveIsIdempotent", func(t *testing.T) {
		require.NoError(t, cache.SaveEvent(ctx, event))
		reloaded, rErr := cache.GetEvent(ctx, event.ID)
		require.NoError(t, rErr)
		require.Equal(t, event, reloaded)
	})
	t.Run("MissingEventIsNil", func(t *testing.T) {
		missing, mErr := cache.GetEvent(ctx, strings.Repeat("ff", 32))
		require.NoError(t, mErr)
		require.Nil(t, missing)
	})
}

func TestCacheLatestLookups(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	ctx := context.Background()
	pubKey := strings.Repeat("ab", 32)

	t.Run("ReplaceableNewestWinsTiesToSmallestID", func(t *testing.T) {
		require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("11", 32), model.KindProfileMetadata, 100, nil)))
		require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("33", 32), model.KindProfileMetadata, 200, nil)))
		require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("22", 32), model.KindProfileMetadata, 200, nil)))

		latest, err := cache.LatestReplaceable(ctx, model.ReplaceableKey{PubKey: pubKey, Kind: model.KindProfileMetadata})
		require.NoError(t, err)
		require.NotNil(t, latest)
		require.Equal(t, strings.Repeat("22", 32), latest.ID)
	})
	t.Run("AddressableKeyedByDTag", func(t *testing.T) {
		require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("44", 32), 30000, 100, model.Tags{{model.TagD, "x"}})))
		require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("55", 32), 30000, 300, model.Tags{{model.TagD, "y"}})))

		latest, err := cache.LatestAddressable(ctx, model.AddressableKey{PubKey: pubKey, Kind: 30000, DTag: "x"})
		require.NoError(t, err)
		require.NotNil(t, latest)
		require.Equal(t, strings.Repeat("44", 32), latest.ID)
	})
	t.Run("EmptyKeyIsNil", func(t *testing.T) {
		latest, err := cache.LatestReplaceable(ctx, model.ReplaceableKey{PubKey: strings.Repeat("ee", 32), Kind: model.KindProfileMetadata})
		require.NoError(t, err)
		require.Nil(t, latest)
	})
}

func TestCacheSelectEvents(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("11", 32), model.KindTextNote, 100, nil)))
	require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("22", 32), model.KindTextNote, 200, model.Tags{{model.TagP, strings.Repeat("ef", 32)}})))
	require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("33", 32), model.KindProfileMetadata, 300, nil)))

	t.Run("ByKindNewestFirst", func(t *testing.T) {
		events, err := cache.SelectEvents(ctx, &model.Filter{Kinds: []model.Kind{model.KindTextNote}})
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, strings.Repeat("22", 32), events[0].ID)
		require.Equal(t, strings.Repeat("11", 32), events[1].ID)
	})
	t.Run("TimeBoundsAreInclusive", func(t *testing.T) {
		since, until := model.Timestamp(100), model.Timestamp(200)
		events, err := cache.SelectEvents(ctx, &model.Filter{Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, events, 2)
	})
	t.Run("TagConstraintsApply", func(t *testing.T) {
		events, err := cache.SelectEvents(ctx, &model.Filter{Tags: model.TagMap{model.TagP: []string{strings.Repeat("ef", 32)}}})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, strings.Repeat("22", 32), events[0].ID)
	})
	t.Run("LimitTruncates", func(t *testing.T) {
		events, err := cache.SelectEvents(ctx, &model.Filter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, strings.Repeat("33", 32), events[0].ID)
	})
}

func TestCachePrune(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("11", 32), model.KindTextNote, 100, nil)))
	require.NoError(t, cache.SaveEvent(ctx, cachedEvent(strings.Repeat("22", 32), model.KindTextNote, 200, nil)))

	pruned, err := cache.DeleteOlderThan(ctx, 150)
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	remaining, err := cache.SelectEvents(ctx, &model.Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, strings.Repeat("22", 32), remaining[0].ID)
}
