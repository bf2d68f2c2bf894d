package gpbot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter(t testing.TB, window time.Duration) (*RateLimiter, *fakeClock) {
	t.Helper()
	table, err := newLRUCooldownTable(100)
	require.NoError(t, err)
	clock := newFakeClock()
	limiter := NewRateLimiter(table, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_Cooldown(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestRateLimiter(t, 5*time.Second)

	assert.False(t, limiter.IsOnCooldown("u1"), "unknown users aren't on cooldown")
	assert.Equal(t, time.Duration(0), limiter.Remaining("u1"))

	limiter.RecordAction("u1")
	assert.True(t, limiter.IsOnCooldown("u1"))
	assert.Equal(t, 5*time.Second, limiter.Remaining("u1"))
	assert.False(t, limiter.IsOnCooldown("u2"), "cooldowns are per user")

	clock.Advance(2 * time.Second)
	assert.True(t, limiter.IsOnCooldown("u1"))
	assert.Equal(t, 3*time.Second, limiter.Remaining("u1"))

	clock.Advance(3 * time.Second)
	assert.False(t, limiter.IsOnCooldown("u1"), "cooldown ends once the full window has elapsed")
	assert.Equal(t, time.Duration(0), limiter.Remaining("u1"))
}

func TestRateLimiter_RecordActionResetsWindow(t *testing.T) {
	t.Parallel()
	limiter, clock := newTestRateLimiter(t, 5*time.Second)

	limiter.RecordAction("u1")
	clock.Advance(4 * time.Second)
	limiter.RecordAction("u1")
	clock.Advance(4 * time.Second)
	assert.True(t, limiter.IsOnCooldown("u1"))

	clock.Advance(time.Second)
	assert.False(t, limiter.IsOnCooldown("u1"))
}

func TestRateLimiter_CheckDoesNotRecord(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestRateLimiter(t, 5*time.Second)

	for i := 0; i < 3; i++ {
		assert.False(t, limiter.IsOnCooldown("u1"))
	}
}

func TestLRUCooldownTable_Bounded(t *testing.T) {
	t.Parallel()
	table, err := newLRUCooldownTable(2)
	require.NoError(t, err)

	now := time.Now()
	table.Set("u1", now)
	table.Set("u2", now)
	table.Set("u3", now)

	_, ok := table.Last("u1")
	assert.False(t, ok, "least recently used user should be evicted")

	last, ok := table.Last("u3")
	assert.True(t, ok)
	assert.Equal(t, now, last)
}

func TestLRUCooldownTable_InvalidSize(t *testing.T) {
	t.Parallel()
	_, err := newLRUCooldownTable(0)
	assert.Error(t, err)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	t.Parallel()
	limiter, _ := newTestRateLimiter(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.IsOnCooldown("u1")
			limiter.RecordAction("u1")
		}()
	}
	wg.Wait()
	assert.True(t, limiter.IsOnCooldown("u1"))
}
