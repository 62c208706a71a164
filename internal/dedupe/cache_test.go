// ABOUTME: Tests for the submission dedupe cache
// ABOUTME: Covers reservation, commit, release, TTL expiry, eviction and concurrent reservation

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.now
	return c, clock
}

func TestReserveThenDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	_, dup := c.Reserve("alice|c1")
	assert.False(t, dup)

	value, dup := c.Reserve("alice|c1")
	assert.True(t, dup)
	assert.Empty(t, value, "still in flight")

	c.Commit("alice|c1", "msg-1")
	value, dup = c.Reserve("alice|c1")
	assert.True(t, dup)
	assert.Equal(t, "msg-1", value)
}

func TestReleaseAllowsRetry(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	c.Reserve("k")
	c.Release("k")
	_, dup := c.Reserve("k")
	assert.False(t, dup)
}

func TestExpiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Reserve("old")
	clock.advance(30 * time.Second)
	c.Reserve("new")
	clock.advance(40 * time.Second)

	assert.Equal(t, 1, c.Len())
	_, dup := c.Reserve("old")
	assert.False(t, dup, "expired key is free again")
	_, dup = c.Reserve("new")
	assert.True(t, dup)
}

func TestCommitRestartsTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Reserve("k")
	clock.advance(50 * time.Second)
	c.Commit("k", "msg-1")
	clock.advance(50 * time.Second)

	value, dup := c.Reserve("k")
	assert.True(t, dup)
	assert.Equal(t, "msg-1", value)
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Minute, 2)

	c.Reserve("a")
	c.Reserve("b")
	c.Reserve("c")

	assert.Equal(t, 2, c.Len())
	_, dup := c.Reserve("a")
	assert.False(t, dup, "a was evicted")
}

func TestCommitUnknownKeyIsNoop(t *testing.T) {
	c, _ := newTestCache(time.Minute, 2)
	c.Commit("ghost", "msg")
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	c := New(time.Minute, 1000)

	for round := range 20 {
		key := fmt.Sprintf("key-%d", round)
		var winners atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, dup := c.Reserve(key); !dup {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load(), key)
	}
}
