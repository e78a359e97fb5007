// Package loop runs the work-loop scheduler: a periodic coordinator that
// ticks AWAKE agents with deterministic per-agent jitter and bounded send
// concurrency, plus wake/sleep transitions and immediate tick requests.
package loop

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"flock/pkg/logx"
	"flock/pkg/metrics"
	"flock/pkg/store"
)

const (
	// baseTickInterval is the nominal spacing between ticks per agent.
	baseTickInterval = 60 * time.Second
	// jitterRange spreads agents across the interval: ±10 s.
	jitterRange = 10 * time.Second
	// maxConcurrentTicks bounds in-flight tick sends.
	maxConcurrentTicks = 4
)

// SessionSender delivers a prompt to an agent's LLM session and returns
// the reply text.
type SessionSender interface {
	SessionSend(ctx context.Context, agentID, text string) (string, error)
}

// Coordinator drives periodic work-loop ticks.
type Coordinator struct {
	loops    store.AgentLoopStore
	audit    store.AuditStore
	messages store.ChannelMessageStore
	channels store.ChannelStore
	cursors  *ThreadCursors
	sender   SessionSender
	logger   *logx.Logger
	recorder metrics.Recorder

	sem       *semaphore.Weighted
	immediate chan string
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool

	now           func() time.Time
	tickInterval  time.Duration
	checkInterval time.Duration
}

// NewCoordinator wires the scheduler over the backend and session sender.
func NewCoordinator(backend store.Backend, cursors *ThreadCursors, sender SessionSender) *Coordinator {
	return &Coordinator{
		loops:         backend.AgentLoops(),
		audit:         backend.Audit(),
		messages:      backend.ChannelMessages(),
		channels:      backend.Channels(),
		cursors:       cursors,
		sender:        sender,
		logger:        logx.NewLogger("loop"),
		recorder:      metrics.Nop(),
		sem:           semaphore.NewWeighted(maxConcurrentTicks),
		immediate:     make(chan string, 64),
		done:          make(chan struct{}),
		inFlight:      make(map[string]bool),
		now:           time.Now,
		tickInterval:  baseTickInterval,
		checkInterval: baseTickInterval / 2,
	}
}

// SetRecorder installs a metrics recorder. Call before Start.
func (c *Coordinator) SetRecorder(recorder metrics.Recorder) {
	c.recorder = recorder
}

// SetSchedule overrides the tick interval and send concurrency. Call
// before Start.
func (c *Coordinator) SetSchedule(tickInterval time.Duration, maxConcurrency int) {
	if tickInterval > 0 {
		c.tickInterval = tickInterval
		c.checkInterval = tickInterval / 2
	}
	if maxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
}

// Start launches the coordinator loop. It returns immediately; Stop shuts
// the loop down and waits for in-flight ticks.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		c.logger.Info("⏱️ Work-loop coordinator started (check every %s)", c.checkInterval)
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case agentID := <-c.immediate:
				c.dispatchTick(ctx, agentID)
			case <-ticker.C:
				c.checkOnce(ctx)
			}
		}
	}()
}

// Stop shuts the coordinator down and waits for in-flight ticks.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Wake transitions the agent's loop to AWAKE. Creating the record for a
// new agent is idempotent.
func (c *Coordinator) Wake(ctx context.Context, agentID, reason string) error {
	now := c.now().UTC()
	rec, err := c.loops.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		insertErr := c.loops.Insert(ctx, &store.AgentLoopRecord{
			AgentID:    agentID,
			State:      store.LoopAwake,
			LastTickAt: now,
			AwakenedAt: now,
		})
		if errors.Is(insertErr, store.ErrAlreadyExists) {
			return nil
		}
		if insertErr == nil {
			c.logger.Info("🌅 %s is awake (%s)", agentID, reason)
		}
		return insertErr
	}
	if err != nil {
		return err
	}
	if rec.State == store.LoopAwake {
		return nil
	}

	awake := store.LoopAwake
	_, err = c.loops.Update(ctx, agentID, store.LoopUpdate{State: &awake, AwakenedAt: &now})
	if err != nil {
		return fmt.Errorf("wake %s: %w", agentID, err)
	}
	c.logger.Info("🌅 %s is awake (%s)", agentID, reason)
	return nil
}

// Sleep transitions the agent's loop to SLEEP with a reason.
func (c *Coordinator) Sleep(ctx context.Context, agentID, reason string) error {
	now := c.now().UTC()
	sleep := store.LoopSleep
	_, err := c.loops.Update(ctx, agentID, store.LoopUpdate{
		State:       &sleep,
		SleptAt:     &now,
		SleepReason: &reason,
	})
	if err != nil {
		return fmt.Errorf("sleep %s: %w", agentID, err)
	}
	c.logger.Info("🌙 %s is asleep (%s)", agentID, reason)
	return nil
}

// RequestImmediateTick schedules a one-off tick for agentID, bypassing
// jitter. Non-blocking: when the queue is full the request is dropped and
// the next periodic check covers it.
func (c *Coordinator) RequestImmediateTick(agentID string) {
	select {
	case c.immediate <- agentID:
	default:
		c.logger.Warn("Immediate tick queue full, dropping request for %s", agentID)
	}
}

// Jitter maps the agent ID deterministically into [-jitterRange, +jitterRange].
func Jitter(agentID string) time.Duration {
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	span := uint64(2 * jitterRange)
	offset := int64(h.Sum64() % span)
	return time.Duration(offset) - jitterRange
}

// checkOnce scans AWAKE agents and dispatches ticks for those that are due.
func (c *Coordinator) checkOnce(ctx context.Context) {
	awake, err := c.loops.List(ctx, store.LoopFilter{State: store.LoopAwake})
	if err != nil {
		c.logger.Warn("Failed to list awake agents: %v", err)
		return
	}

	now := c.now().UTC()
	for _, rec := range awake {
		nextTickAt := rec.LastTickAt.Add(c.tickInterval + Jitter(rec.AgentID))
		if nextTickAt.After(now) {
			continue
		}
		c.dispatchTick(ctx, rec.AgentID)
	}
}

// dispatchTick sends one tick to agentID through the bounded pool. The
// agent's lastTickAt is advanced before the send so a slow response never
// causes a double tick; an in-flight set guards the immediate path.
func (c *Coordinator) dispatchTick(ctx context.Context, agentID string) {
	c.mu.Lock()
	if c.inFlight[agentID] {
		c.mu.Unlock()
		return
	}
	c.inFlight[agentID] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.inFlight, agentID)
		c.mu.Unlock()
	}

	rec, err := c.loops.Get(ctx, agentID)
	if err != nil || rec.State != store.LoopAwake {
		release()
		return
	}

	now := c.now().UTC()
	if _, err := c.loops.Update(ctx, agentID, store.LoopUpdate{LastTickAt: &now}); err != nil {
		c.logger.Warn("Failed to advance lastTickAt for %s: %v", agentID, err)
		release()
		return
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		release()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer release()

		prompt := c.buildTickPrompt(ctx, rec)
		if _, err := c.sender.SessionSend(ctx, agentID, prompt); err != nil {
			c.logger.Warn("Tick for %s failed: %v", agentID, err)
			c.recordTickFailure(ctx, agentID, err)
			c.recorder.IncTick(agentID, "error")
			return
		}
		c.recorder.IncTick(agentID, "ok")
	}()
}

// buildTickPrompt assembles the periodic prompt: loop status, time awake,
// and unseen activity per tracked thread.
func (c *Coordinator) buildTickPrompt(ctx context.Context, rec *store.AgentLoopRecord) string {
	now := c.now().UTC()
	awakeMinutes := int(now.Sub(rec.AwakenedAt).Minutes())

	var b strings.Builder
	fmt.Fprintf(&b, "Work-loop tick. State: %s. Awake for %d minute(s).\n", rec.State, awakeMinutes)

	threads := c.cursors.Threads(rec.AgentID)
	reported := 0
	for _, threadID := range threads {
		lastSeen := c.cursors.LastSeen(rec.AgentID, threadID)
		last, err := c.messages.LastSeq(ctx, threadID)
		if err != nil || last <= lastSeen {
			continue
		}
		name := threadID
		if ch, err := c.channels.Get(ctx, threadID); err == nil {
			name = "#" + ch.Name
		}
		fmt.Fprintf(&b, "- %s: %d new message(s) since seq %d\n", name, last-lastSeen, lastSeen)
		c.cursors.Observe(rec.AgentID, threadID, last)
		reported++
	}
	if reported == 0 {
		b.WriteString("No new activity in your threads.\n")
	}
	b.WriteString("If you have nothing to do, call flock_sleep() to pause your loop.")
	return b.String()
}

// recordTickFailure writes a YELLOW audit entry; failures never crash the
// coordinator.
func (c *Coordinator) recordTickFailure(ctx context.Context, agentID string, cause error) {
	now := c.now().UTC()
	entry := &store.AuditEntry{
		ID:        fmt.Sprintf("tick-failed-%s-%d", agentID, now.UnixNano()),
		Timestamp: now,
		AgentID:   agentID,
		Action:    "tick-failed",
		Level:     store.AuditYellow,
		Detail:    cause.Error(),
	}
	if err := c.audit.Insert(ctx, entry); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		c.logger.Warn("Failed to record tick failure for %s: %v", agentID, err)
	}
}
