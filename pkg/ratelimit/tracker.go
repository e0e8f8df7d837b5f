// Package ratelimit holds the per-user fixed-window message quota.
//
// Each key owns a {count, windowStart} entry. A call past the window resets
// the entry, then the count is incremented and compared to the maximum.
// Because windows are fixed, a burst straddling a boundary can be admitted
// up to twice the maximum.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Options configures a Tracker
type Options struct {
	// Window is the fixed window length
	Window time.Duration
	// Max is the number of calls admitted per window
	Max int
	// Capacity bounds the number of tracked keys; the least recently
	// active key is evicted first
	Capacity int
}

// DefaultOptions returns 100 messages per minute for up to 10k users
func DefaultOptions() Options {
	return Options{
		Window:   time.Minute,
		Max:      100,
		Capacity: 10000,
	}
}

type entry struct {
	count       int
	windowStart time.Time
}

// Tracker counts calls per key in fixed windows
type Tracker struct {
	mu      sync.Mutex
	opts    Options
	entries *lru.Cache[string, *entry]
	now     func() time.Time
}

// NewTracker creates a tracker. Zero option fields fall back to DefaultOptions.
func NewTracker(opts Options) *Tracker {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Max <= 0 {
		opts.Max = def.Max
	}
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}

	// only fails for a non-positive size
	entries, _ := lru.New[string, *entry](opts.Capacity)

	return &Tracker{
		opts:    opts,
		entries: entries,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// CheckAndIncrement records one call for key and reports whether the limit
// is exceeded. A true result means the caller must reject the call.
func (t *Tracker) CheckAndIncrement(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	e, ok := t.entries.Get(key)
	if !ok {
		e = &entry{windowStart: now}
		t.entries.Add(key, e)
	}

	if now.Sub(e.windowStart) > t.opts.Window {
		e.count = 0
		e.windowStart = now
	}

	e.count++
	return e.count > t.opts.Max
}

// Remaining returns how many calls key may still make in its current window
func (t *Tracker) Remaining(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries.Peek(key)
	if !ok || t.now().Sub(e.windowStart) > t.opts.Window {
		return t.opts.Max
	}
	if e.count >= t.opts.Max {
		return 0
	}
	return t.opts.Max - e.count
}

// Reset forgets key
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(key)
}

// Len returns the number of tracked keys
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Options returns the effective configuration
func (t *Tracker) Options() Options {
	return t.opts
}
