package proto

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an A2A task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateAccepted      TaskState = "accepted"
	TaskStateRejected      TaskState = "rejected"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// TaskStatus is the status block of a task, optionally carrying the
// agent's reply message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Artifact is a named output attached to a completed task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts,omitempty"`
}

// Task is the A2A task object returned by message/send.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Kind      string     `json:"kind"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// NewTask builds a task in the given state with a fresh ID.
func NewTask(state TaskState, reply *Message) *Task {
	return &Task{
		ID:   uuid.New().String(),
		Kind: "task",
		Status: TaskStatus{
			State:     state,
			Message:   reply,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// Terminal reports whether the task state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateRejected, TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	case TaskStateSubmitted, TaskStateAccepted, TaskStateWorking, TaskStateInputRequired:
		return false
	}
	return false
}
