package channel

import (
	"fmt"
	"sync"
	"time"
)

const (
	// echoTTL is how long a bridged-in message is suppressed from
	// being relayed back out.
	echoTTL = 30 * time.Second
	// echoSweepInterval is how often the background sweeper purges
	// expired entries.
	echoSweepInterval = 60 * time.Second
)

// EchoTracker remembers which (channelID, seq) pairs arrived through a
// bridge so the outbound path does not relay them back to the platform
// they came from. Entries expire after a short TTL; a background sweeper
// and lazy purging on read keep the map small.
type EchoTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewEchoTracker starts a tracker with a running sweeper.
// Call Dispose to stop it.
func NewEchoTracker() *EchoTracker {
	t := &EchoTracker{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go t.sweep()
	return t
}

func echoKey(channelID string, seq int64) string {
	return fmt.Sprintf("%s:%d", channelID, seq)
}

// MarkBridgedIn records that (channelID, seq) entered via a bridge.
func (t *EchoTracker) MarkBridgedIn(channelID string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[echoKey(channelID, seq)] = t.now().Add(echoTTL)
}

// WasBridgedIn reports whether (channelID, seq) is still within its echo
// window. Expired entries are purged on read.
func (t *EchoTracker) WasBridgedIn(channelID string, seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := echoKey(channelID, seq)
	expiresAt, ok := t.entries[key]
	if !ok {
		return false
	}
	if t.now().After(expiresAt) {
		delete(t.entries, key)
		return false
	}
	return true
}

// Len returns the number of live entries (expired ones may still count
// until swept).
func (t *EchoTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Dispose stops the sweeper. Safe to call more than once.
func (t *EchoTracker) Dispose() {
	t.once.Do(func() { close(t.done) })
}

func (t *EchoTracker) sweep() {
	ticker := time.NewTicker(echoSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.purgeExpired()
		}
	}
}

func (t *EchoTracker) purgeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, expiresAt := range t.entries {
		if now.After(expiresAt) {
			delete(t.entries, key)
		}
	}
}
