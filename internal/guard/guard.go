// Package guard holds the entry latch that serializes position entries.
// It replaces process-global lock state: the value is constructed once and
// handed to the entry path (which engages it) and the position monitor
// (the only component allowed to release it on the no-position path).
package guard

import (
	"sync"
	"time"
)

// EntryGuard means "an entry attempt is in flight or a position is believed
// open". It is engaged when an entry order is submitted and released when the
// monitor confirms no broker-side position exists, or force-released after a
// staleness timeout.
type EntryGuard struct {
	mu      sync.Mutex
	engaged bool
	since   time.Time
}

func New() *EntryGuard {
	return &EntryGuard{}
}

// Engage latches the guard. Returns false when already engaged.
func (g *EntryGuard) Engage() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		return false
	}
	g.engaged = true
	g.since = time.Now()
	return true
}

// Release clears the guard.
func (g *EntryGuard) Release() {
	g.mu.Lock()
	g.engaged = false
	g.since = time.Time{}
	g.mu.Unlock()
}

// Engaged reports the latch state and when it was set.
func (g *EntryGuard) Engaged() (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged, g.since
}

// ReleaseIfStale clears the guard when it has been engaged longer than
// maxAge. Returns true when it released. This is the safety valve against a
// latch that was set on submission but never correctly cleared.
func (g *EntryGuard) ReleaseIfStale(maxAge time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged || maxAge <= 0 {
		return false
	}
	if time.Since(g.since) <= maxAge {
		return false
	}
	g.engaged = false
	g.since = time.Time{}
	return true
}
