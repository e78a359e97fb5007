package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newFrozenTracker(start time.Time) (*EchoTracker, *time.Time) {
	current := start
	tracker := &EchoTracker{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
		now:     func() time.Time { return current },
	}
	return tracker, &current
}

func TestEchoTrackerTTL(t *testing.T) {
	tracker, now := newFrozenTracker(time.Unix(1700000000, 0))
	defer tracker.Dispose()

	tracker.MarkBridgedIn("c1", 1)
	assert.True(t, tracker.WasBridgedIn("c1", 1))
	assert.False(t, tracker.WasBridgedIn("c1", 2))
	assert.False(t, tracker.WasBridgedIn("c2", 1))

	// Still within TTL.
	*now = now.Add(echoTTL)
	assert.True(t, tracker.WasBridgedIn("c1", 1))

	// Strictly after TTL: gone, and lazily purged.
	*now = now.Add(time.Millisecond)
	assert.False(t, tracker.WasBridgedIn("c1", 1))
	assert.Equal(t, 0, tracker.Len())
}

func TestEchoTrackerSweep(t *testing.T) {
	tracker, now := newFrozenTracker(time.Unix(1700000000, 0))
	defer tracker.Dispose()

	tracker.MarkBridgedIn("c1", 1)
	tracker.MarkBridgedIn("c1", 2)
	*now = now.Add(echoTTL + time.Second)
	tracker.MarkBridgedIn("c1", 3)

	tracker.purgeExpired()
	assert.Equal(t, 1, tracker.Len())
	assert.True(t, tracker.WasBridgedIn("c1", 3))
}

func TestEchoTrackerDisposeIsIdempotent(t *testing.T) {
	tracker := NewEchoTracker()
	tracker.Dispose()
	tracker.Dispose()
}
