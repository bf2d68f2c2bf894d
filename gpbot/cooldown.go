package gpbot

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CooldownTable stores the last permitted action time per user ID.
// Implementations must be safe for concurrent use.
type CooldownTable interface {
	Last(userID string) (time.Time, bool)
	Set(userID string, at time.Time)
}

// lruCooldownTable is a CooldownTable bounded to a fixed number of users.
// When full, the least recently updated user is dropped.
type lruCooldownTable struct {
	cache *lru.Cache
}

func newLRUCooldownTable(size int) (*lruCooldownTable, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("error creating cooldown table: %w", err)
	}
	return &lruCooldownTable{cache: cache}, nil
}

func (t *lruCooldownTable) Last(userID string) (time.Time, bool) {
	v, ok := t.cache.Get(userID)
	if !ok {
		return time.Time{}, false
	}
	at, ok := v.(time.Time)
	return at, ok
}

func (t *lruCooldownTable) Set(userID string, at time.Time) {
	t.cache.Add(userID, at)
}

// RateLimiter is a per-user cooldown gate. A user is on cooldown while
// less than the window has elapsed since their last recorded action.
//
// Timestamps come from time.Now by default, which carries a monotonic
// clock reading, so wall clock adjustments don't affect elapsed time.
type RateLimiter struct {
	table  CooldownTable
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a RateLimiter backed by the given table
func NewRateLimiter(table CooldownTable, window time.Duration) *RateLimiter {
	return &RateLimiter{table: table, window: window, now: time.Now}
}

// IsOnCooldown reports whether the user has a recorded action less
// than the cooldown window ago.
func (r *RateLimiter) IsOnCooldown(userID string) bool {
	last, ok := r.table.Last(userID)
	if !ok {
		return false
	}
	return r.now().Sub(last) < r.window
}

// RecordAction sets the user's last action time to now, overwriting
// any previous value.
func (r *RateLimiter) RecordAction(userID string) {
	r.table.Set(userID, r.now())
}

// Remaining returns how long until the user is off cooldown, or 0
func (r *RateLimiter) Remaining(userID string) time.Duration {
	last, ok := r.table.Last(userID)
	if !ok {
		return 0
	}
	remaining := r.window - r.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
