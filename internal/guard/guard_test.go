package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEngageRelease(t *testing.T) {
	g := New()

	engaged, _ := g.Engaged()
	assert.False(t, engaged)

	assert.True(t, g.Engage())
	assert.False(t, g.Engage(), "second engage while latched must fail")

	engaged, since := g.Engaged()
	assert.True(t, engaged)
	assert.False(t, since.IsZero())

	g.Release()
	engaged, _ = g.Engaged()
	assert.False(t, engaged)
	assert.True(t, g.Engage(), "re-engage after release")
}

func TestReleaseIfStale(t *testing.T) {
	g := New()
	assert.False(t, g.ReleaseIfStale(time.Second), "disengaged guard is never stale")

	g.Engage()
	assert.False(t, g.ReleaseIfStale(time.Hour), "fresh latch stays engaged")
	assert.False(t, g.ReleaseIfStale(0), "non-positive max age is ignored")

	g.mu.Lock()
	g.since = time.Now().Add(-time.Minute)
	g.mu.Unlock()
	assert.True(t, g.ReleaseIfStale(30*time.Second))

	engaged, _ := g.Engaged()
	assert.False(t, engaged)
}
