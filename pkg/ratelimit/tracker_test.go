package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(max int) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	tr := NewTracker(Options{Window: time.Minute, Max: max, Capacity: 100}).WithClock(clock.Now)
	return tr, clock
}

func TestCheckAndIncrementLimit(t *testing.T) {
	tr, _ := newTestTracker(100)

	for i := 1; i <= 100; i++ {
		assert.False(t, tr.CheckAndIncrement("7"), "call %d should be admitted", i)
	}
	assert.True(t, tr.CheckAndIncrement("7"), "call 101 must be rejected")
	assert.Equal(t, 0, tr.Remaining("7"))

	// other users are independent
	assert.False(t, tr.CheckAndIncrement("8"))
}

func TestWindowResets(t *testing.T) {
	tr, clock := newTestTracker(2)

	assert.False(t, tr.CheckAndIncrement("u"))
	assert.False(t, tr.CheckAndIncrement("u"))
	assert.True(t, tr.CheckAndIncrement("u"))

	// exactly one window later is still the same window
	clock.Advance(time.Minute)
	assert.True(t, tr.CheckAndIncrement("u"))

	clock.Advance(time.Millisecond)
	assert.False(t, tr.CheckAndIncrement("u"))
	assert.Equal(t, 1, tr.Remaining("u"))
}

// Fixed windows admit up to 2x max around a boundary. This is accepted.
func TestBoundaryBurstAdmitsTwiceMax(t *testing.T) {
	tr, clock := newTestTracker(3)

	assert.False(t, tr.CheckAndIncrement("u"))
	clock.Advance(59 * time.Second)

	admitted := 1
	for i := 0; i < 2; i++ {
		if !tr.CheckAndIncrement("u") {
			admitted++
		}
	}

	clock.Advance(1500 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if !tr.CheckAndIncrement("u") {
			admitted++
		}
	}

	assert.Equal(t, 6, admitted, "two windows within ~2.5s admit 2*max")
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	tr := NewTracker(Options{Window: time.Minute, Max: 1, Capacity: 2})

	tr.CheckAndIncrement("a")
	tr.CheckAndIncrement("b")
	assert.True(t, tr.CheckAndIncrement("a"), "a is now over the limit and most recent")

	tr.CheckAndIncrement("c") // evicts b
	assert.Equal(t, 2, tr.Len())

	assert.True(t, tr.CheckAndIncrement("a"), "a kept its window")
	assert.False(t, tr.CheckAndIncrement("b"), "b was evicted and starts fresh")
}

func TestResetAndDefaults(t *testing.T) {
	tr := NewTracker(Options{})
	assert.Equal(t, DefaultOptions(), tr.Options())

	tr.CheckAndIncrement("x")
	tr.Reset("x")
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 100, tr.Remaining("x"))
}

func TestConcurrentIncrementsAreCounted(t *testing.T) {
	tr := NewTracker(Options{Window: time.Hour, Max: 500, Capacity: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 60; i++ {
				if tr.CheckAndIncrement("shared") {
					mu.Lock()
					rejected++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, rejected, fmt.Sprintf("600 calls against max 500, got %d rejections", rejected))
}
