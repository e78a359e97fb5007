package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutSenderCancelsSlowSend(t *testing.T) {
	slow := SenderFunc(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	sender := WithTimeout(slow, 20*time.Millisecond)
	start := time.Now()
	_, err := sender.SessionSend(context.Background(), "workerA", "tick")
	require.ErrorIs(t, err, ErrSessionTimeout)
	assert.Contains(t, err.Error(), "workerA")
	assert.Less(t, time.Since(start), time.Second, "slow send must be canceled, not awaited")
}

func TestTimeoutSenderPassesThrough(t *testing.T) {
	sender := WithTimeout(NewMockSender("pong"), 0)
	reply, err := sender.SessionSend(context.Background(), "workerA", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestRetrySenderRecoversTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := SenderFunc(func(_ context.Context, _, _ string) (string, error) {
		if calls.Add(1) < 3 {
			return "", fmt.Errorf("connection reset")
		}
		return "recovered", nil
	})

	sender := WithRetry(flaky, RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	})
	reply, err := sender.SessionSend(context.Background(), "workerA", "tick")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetrySenderGivesUpAndReportsAttempts(t *testing.T) {
	broken := NewMockSender()
	broken.Fail(errors.New("boom"))

	sender := WithRetry(broken, RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	})
	_, err := sender.SessionSend(context.Background(), "workerA", "tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	assert.Len(t, broken.Calls(), 2)
}

func TestRetrySenderDoesNotRetryTimeouts(t *testing.T) {
	var calls atomic.Int32
	timingOut := SenderFunc(func(_ context.Context, _, _ string) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("give up: %w", ErrSessionTimeout)
	})

	sender := WithRetry(timingOut, DefaultRetryConfig)
	_, err := sender.SessionSend(context.Background(), "workerA", "tick")
	require.ErrorIs(t, err, ErrSessionTimeout)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMockSenderScriptsReplies(t *testing.T) {
	mock := NewMockSender("first", "second")

	for _, want := range []string{"first", "second", "ok"} {
		reply, err := mock.SessionSend(context.Background(), "workerA", "hi")
		require.NoError(t, err)
		assert.Equal(t, want, reply)
	}

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "workerA", calls[0].AgentID)
	assert.Equal(t, "hi", calls[0].Text)
}
