package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDebouncer(t *testing.T, window time.Duration) (*debouncer, *fakeClock) {
	t.Helper()
	d, err := newDebouncer(window, 16)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d.now = clock.Now
	return d, clock
}

func TestDebouncer_SuppressesBurst(t *testing.T) {
	d, clock := newTestDebouncer(t, 50*time.Millisecond)

	assert.True(t, d.Accept("/a.html"))
	clock.Advance(10 * time.Millisecond)
	assert.False(t, d.Accept("/a.html"))
	clock.Advance(30 * time.Millisecond)
	assert.False(t, d.Accept("/a.html"), "window counts from the last accepted notification")
	clock.Advance(10 * time.Millisecond)
	assert.True(t, d.Accept("/a.html"))
}

func TestDebouncer_SeparateNotificationsPass(t *testing.T) {
	d, clock := newTestDebouncer(t, 50*time.Millisecond)

	assert.True(t, d.Accept("/a.html"))
	clock.Advance(60 * time.Millisecond)
	assert.True(t, d.Accept("/a.html"))
}

func TestDebouncer_PathsAreIndependent(t *testing.T) {
	d, _ := newTestDebouncer(t, 50*time.Millisecond)

	assert.True(t, d.Accept("/a.html"))
	assert.True(t, d.Accept("/b.html"))
	assert.False(t, d.Accept("/a.html"))
}

func TestDebouncer_Forget(t *testing.T) {
	d, _ := newTestDebouncer(t, 50*time.Millisecond)

	d.Accept("/a.html")
	d.Accept("/docs/x.html")
	d.Accept("/docs/sub/y.html")
	d.Accept("/docsite/z.html")

	d.Forget("/a.html")
	assert.True(t, d.Accept("/a.html"))

	d.ForgetPrefix("/docs")
	assert.Equal(t, 2, d.Len())
	assert.False(t, d.Accept("/docsite/z.html"))

	d.ForgetPrefix("/")
	assert.Zero(t, d.Len())
}

func TestDebouncer_Bounded(t *testing.T) {
	d, err := newDebouncer(time.Second, 2)
	require.NoError(t, err)

	d.Accept("/1")
	d.Accept("/2")
	d.Accept("/3")
	assert.Equal(t, 2, d.Len())
	assert.True(t, d.Accept("/1"), "evicted paths start a fresh window")
}
