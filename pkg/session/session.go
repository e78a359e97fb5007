// Package session delivers prompts to an agent's LLM session. The
// concrete providers (Anthropic, OpenAI) implement Sender; the timeout
// and retry wrappers compose around any Sender.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionTimeout is returned when a session send exceeds its budget.
var ErrSessionTimeout = errors.New("session request timed out")

// defaultSendTimeout bounds one session send end to end.
const defaultSendTimeout = 120 * time.Second

// Sender delivers text to an agent's session and returns the reply.
type Sender interface {
	SessionSend(ctx context.Context, agentID, text string) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, agentID, text string) (string, error)

func (f SenderFunc) SessionSend(ctx context.Context, agentID, text string) (string, error) {
	return f(ctx, agentID, text)
}

// TimeoutSender bounds each send with a per-call deadline. The underlying
// request is canceled when the deadline passes.
type TimeoutSender struct {
	inner   Sender
	timeout time.Duration
}

// WithTimeout wraps inner with a per-send deadline. Non-positive timeout
// selects the default.
func WithTimeout(inner Sender, timeout time.Duration) *TimeoutSender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &TimeoutSender{inner: inner, timeout: timeout}
}

func (t *TimeoutSender) SessionSend(ctx context.Context, agentID, text string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reply, err := t.inner.SessionSend(sendCtx, agentID, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("session send to %s: %w after %v", agentID, ErrSessionTimeout, t.timeout)
		}
		return "", err
	}
	return reply, nil
}

// RetryConfig shapes the retry wrapper's backoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig is the standard session retry policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
}

// RetrySender retries failed sends with exponential backoff. Canceled
// contexts and session timeouts are not retried; the timeout wrapper
// already spent the caller's budget.
type RetrySender struct {
	inner  Sender
	config RetryConfig
}

// WithRetry wraps inner with the retry policy.
func WithRetry(inner Sender, config RetryConfig) *RetrySender {
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig
	}
	return &RetrySender{inner: inner, config: config}
}

func (r *RetrySender) SessionSend(ctx context.Context, agentID, text string) (string, error) {
	delay := r.config.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		reply, err := r.inner.SessionSend(ctx, agentID, text)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, ErrSessionTimeout) {
			return "", err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}
	return "", fmt.Errorf("session send to %s failed after %d attempt(s): %w", agentID, r.config.MaxAttempts, lastErr)
}

// MockCall records one send seen by the mock.
type MockCall struct {
	AgentID string
	Text    string
}

// MockSender is a scripted Sender for tests.
type MockSender struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []MockCall
}

// NewMockSender returns a mock that replays replies in order, then "ok".
func NewMockSender(replies ...string) *MockSender {
	return &MockSender{replies: replies}
}

// Fail makes every subsequent send return err.
func (m *MockSender) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockSender) SessionSend(_ context.Context, agentID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{AgentID: agentID, Text: text})
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) > 0 {
		reply := m.replies[0]
		m.replies = m.replies[1:]
		return reply, nil
	}
	return "ok", nil
}

// Calls returns a copy of the sends recorded so far.
func (m *MockSender) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
