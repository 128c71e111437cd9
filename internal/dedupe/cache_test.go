// ABOUTME: Tests for the seen-ID cache
// ABOUTME: Uses an injected clock for TTL behavior

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestSeen_FirstThenDuplicate(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("01HX"))
	assert.True(t, c.Seen("01HX"))
	assert.True(t, c.Contains("01HX"))
	assert.False(t, c.Contains("01HY"))
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	clock := newClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	require.False(t, c.Seen("a"))
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("a"))

	clock.Advance(time.Second)
	assert.False(t, c.Contains("a"))
	assert.False(t, c.Seen("a"))
	assert.Equal(t, 1, c.Len())
}

func TestSeen_CapacityDropsOldest(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Seen(id)
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	for _, id := range []string{"b", "c", "d"} {
		assert.True(t, c.Contains(id), id)
	}
}

func TestSweep_RemovesExpiredPrefix(t *testing.T) {
	clock := newClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	c.Seen("old-1")
	c.Seen("old-2")
	clock.Advance(45 * time.Second)
	c.Seen("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("new"))
	assert.Equal(t, 0, c.Sweep())
}

func TestWithSweepInterval_RunsInBackground(t *testing.T) {
	c := New(10*time.Millisecond, 10, WithSweepInterval(5*time.Millisecond))
	defer c.Close()

	c.Seen("x")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWithSweepInterval_UsesClockFromLaterOption(t *testing.T) {
	clock := newClock()
	c := New(time.Minute, 10, WithSweepInterval(5*time.Millisecond), WithClock(clock.Now))
	defer c.Close()

	c.Seen("x")
	assert.Never(t, func() bool { return c.Len() == 0 }, 30*time.Millisecond, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10, WithSweepInterval(time.Millisecond))
	c.Close()
	c.Close()
}

func TestSeen_ConcurrentSingleWinner(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	for i := range 20 {
		id := fmt.Sprintf("ev-%d", i)
		var firsts atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !c.Seen(id) {
					firsts.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), firsts.Load(), id)
	}
}
