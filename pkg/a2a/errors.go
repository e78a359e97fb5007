package a2a

import "errors"

// Sentinel errors for agent-to-agent sends. Classification drives retry
// behavior: timeouts are retried a bounded number of times, everything
// else surfaces immediately.
var (
	// ErrTimeout means the send exceeded its deadline.
	ErrTimeout = errors.New("a2a send timed out")
	// ErrNetwork means the remote endpoint could not be reached.
	ErrNetwork = errors.New("a2a network failure")
	// ErrAgentNotFound means no executor or endpoint serves the agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentFrozen means the agent is mid-migration and rejecting work.
	ErrAgentFrozen = errors.New("agent is frozen for migration")
	// ErrInternal is an unclassified executor or transport failure.
	ErrInternal = errors.New("a2a internal error")
)

// FailureKind is the machine-readable classification of a failed send.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureAgentUnavailable FailureKind = "agent-unavailable"
	FailureInternalError    FailureKind = "internal-error"
	FailureMaxRetries       FailureKind = "max-retries"
)

// Classify maps a send error to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrNetwork), errors.Is(err, ErrAgentFrozen):
		return FailureAgentUnavailable
	default:
		return FailureInternalError
	}
}
