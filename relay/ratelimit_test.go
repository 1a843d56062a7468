// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"testing"
	stdlibtime "time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	t.Run("AllowsWithinBudgetThenDenies", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpPublish: {Limit: 2, Window: stdlibtime.Minute}})

		require.NoError(t, limiter.check(OpPublish))
		require.NoError(t, limiter.check(OpPublish))

		mock.Add(15 * stdlibtime.Second)
		err := limiter.check(OpPublish)
		require.Error(t, err)
		rateLimitErr := new(RateLimitError)
		require.ErrorAs(t, err, &rateLimitErr)
		require.Equal(t, OpPublish, rateLimitErr.Op)
		require.Equal(t, 45*stdlibtime.Second, rateLimitErr.RetryAfter)
	})
	t.Run("DeniedCheckDoesNotConsumeBudget", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpFetch: {Limit: 1, Window: stdlibtime.Minute}})

		require.NoError(t, limiter.check(OpFetch))
		require.Error(t, limiter.check(OpFetch))
		require.Error(t, limiter.check(OpFetch))

		mock.Add(stdlibtime.Minute)
		require.NoError(t, limiter.check(OpFetch))
	})
	t.Run("WindowResetRestoresBudget", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpSubscribe: {Limit: 2, Window: 10 * stdlibtime.Second}})

		require.NoError(t, limiter.check(OpSubscribe))
		require.NoError(t, limiter.check(OpSubscribe))
		require.Error(t, limiter.check(OpSubscribe))

		mock.Add(10 * stdlibtime.Second)
		require.NoError(t, limiter.check(OpSubscribe))
		require.NoError(t, limiter.check(OpSubscribe))
		require.Error(t, limiter.check(OpSubscribe))
	})
	t.Run("UnconfiguredClassIsUnlimited", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpPublish: {Limit: 1, Window: stdlibtime.Minute}})

		for range 100 {
			require.NoError(t, limiter.check(OpFetch))
		}
	})
	t.Run("ZeroLimitIsUnlimited", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpPublish: {Limit: 0, Window: stdlibtime.Minute}})

		for range 100 {
			require.NoError(t, limiter.check(OpPublish))
		}
	})
	t.Run("ReconfigureClearsBlockedState", func(t *testing.T) {
		mock := clock.NewMock()
		limiter := newRateLimiter(mock, map[OpClass]RateLimit{OpPublish: {Limit: 1, Window: stdlibtime.Minute}})

		require.NoError(t, limiter.check(OpPublish))
		require.Error(t, limiter.check(OpPublish))

		limiter.reconfigure(map[OpClass]RateLimit{OpPublish: {Limit: 2, Window: stdlibtime.Minute}})
		require.NoError(t, limiter.check(OpPublish))
		require.NoError(t, limiter.check(OpPublish))
		require.Error(t, limiter.check(OpPublish))
	})
}

func TestRateLimitErrorMessage(t *testing.T) {
	t.Parallel()

	err := &RateLimitError{Op: OpSubscribe, RetryAfter: 3 * stdlibtime.Second}
	require.Equal(t, "rate limit exceeded for subscribe, retry after 3s", err.Error())
	require.False(t, errors.Is(err, ErrConnectionClosed))
}
