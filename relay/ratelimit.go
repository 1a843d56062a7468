// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"
	stdlibtime "time"

	"github.com/benbjohnson/clock"
)

type (
	rateLimitState struct {
		count       int
		windowStart stdlibtime.Time
		blocked     bool
	}

	// rateLimiter gates operations with fixed-window counters, one state
	// per operation class. A denied check never consumes budget.
	rateLimiter struct {
		clock  clock.Clock
		limits map[OpClass]RateLimit

		mx     sync.Mutex
		states map[OpClass]*rateLimitState
	}
)

func newRateLimiter(clk clock.Clock, limits map[OpClass]RateLimit) *rateLimiter {
	return &rateLimiter{
		clock:  clk,
		limits: limits,
		states: make(map[OpClass]*rateLimitState, len(limits)),
	}
}

func (l *rateLimiter) check(op OpClass) error {
	limit, found := l.limits[op]
	if !found || limit.Limit <= 0 {
		return nil
	}

	l.mx.Lock()
	defer l.mx.Unlock()

	now := l.clock.Now()
	state, found := l.states[op]
	if !found {
		state = &rateLimitState{windowStart: now}
		l.states[op] = state
	}
	if now.Sub(state.windowStart) >= limit.Window {
		state.count = 0
		state.windowStart = now
		state.blocked = false
	}
	if state.blocked {
		return &RateLimitError{Op: op, RetryAfter: limit.Window - now.Sub(state.windowStart)}
	}
	if state.count >= limit.Limit {
		state.blocked = true

		return &RateLimitError{Op: op, RetryAfter: limit.Window - now.Sub(state.windowStart)}
	}
	state.count++

	return nil
}

// reconfigure swaps the budgets and clears the blocked flags.
func (l *rateLimiter) reconfigure(limits map[OpClass]RateLimit) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.limits = limits
	for _, state := range l.states {
		state.blocked = false
		state.count = 0
		state.windowStart = l.clock.Now()
	}
}
