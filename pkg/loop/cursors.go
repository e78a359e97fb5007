package loop

import "sync"

// ThreadCursors tracks, per agent, the last channel sequence number the
// agent has been shown for each thread it participates in. Updates are
// monotone: a cursor never moves backwards. Purely in-memory; rebuilt from
// tick traffic after a restart.
type ThreadCursors struct {
	mu      sync.RWMutex
	cursors map[string]map[string]int64
}

// NewThreadCursors creates an empty cursor table.
func NewThreadCursors() *ThreadCursors {
	return &ThreadCursors{cursors: make(map[string]map[string]int64)}
}

// Observe records that agentID has seen up to seq in threadID. Lower
// sequence numbers are ignored.
func (c *ThreadCursors) Observe(agentID, threadID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	threads, ok := c.cursors[agentID]
	if !ok {
		threads = make(map[string]int64)
		c.cursors[agentID] = threads
	}
	if seq > threads[threadID] {
		threads[threadID] = seq
	}
}

// LastSeen returns the cursor for (agentID, threadID), zero if untracked.
func (c *ThreadCursors) LastSeen(agentID, threadID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursors[agentID][threadID]
}

// Threads returns the thread IDs tracked for agentID.
func (c *ThreadCursors) Threads(agentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	threads := c.cursors[agentID]
	out := make([]string, 0, len(threads))
	for id := range threads {
		out = append(out, id)
	}
	return out
}

// Forget drops all cursors for agentID.
func (c *ThreadCursors) Forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, agentID)
}
