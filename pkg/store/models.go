// Package store defines the typed persistence abstraction shared by every
// Flock subsystem: entity models, declarative filters, and per-domain store
// interfaces. Two backends implement it: memstore (in-memory, tests) and
// sqlstore (SQLite, durable).
package store

import "time"

// HomeState is the authoritative lifecycle state of an agent home on a node.
type HomeState string

const (
	StateUnassigned   HomeState = "UNASSIGNED"
	StateProvisioning HomeState = "PROVISIONING"
	StateIdle         HomeState = "IDLE"
	StateLeased       HomeState = "LEASED"
	StateActive       HomeState = "ACTIVE"
	StateFrozen       HomeState = "FROZEN"
	StateMigrating    HomeState = "MIGRATING"
	StateError        HomeState = "ERROR"
	StateRetired      HomeState = "RETIRED" // terminal
)

// Home is the persistent record of one agent on one node.
// ID is always agentID@nodeID.
type Home struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	NodeID         string            `json:"node_id"`
	State          HomeState         `json:"state"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HomeTransition is one immutable row of a home's transition log.
type HomeTransition struct {
	HomeID      string    `json:"home_id"`
	FromState   HomeState `json:"from_state"`
	ToState     HomeState `json:"to_state"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditLevel grades audit entries; RED entries additionally warn on the logger.
type AuditLevel string

const (
	AuditGreen  AuditLevel = "GREEN"
	AuditYellow AuditLevel = "YELLOW"
	AuditRed    AuditLevel = "RED"
)

// AuditEntry is one append-only audit row. Callers build deterministic IDs
// (action-entity-timestamp) so duplicate inserts collide instead of doubling.
type AuditEntry struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	AgentID   string     `json:"agent_id"`
	HomeID    string     `json:"home_id,omitempty"`
	Action    string     `json:"action"`
	Level     AuditLevel `json:"level"`
	Detail    string     `json:"detail,omitempty"`
}

// Channel is a named append-only message stream shared by agents and humans.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedBy string    `json:"created_by"`
	Members   []string  `json:"members"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelMessage is one message in a channel, keyed by (ChannelID, Seq).
// Seq is assigned atomically on append and increases gap-free from 1.
type ChannelMessage struct {
	ChannelID string    `json:"channel_id"`
	Seq       int64     `json:"seq"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge links a channel to one external platform conversation.
type Bridge struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channel_id"`
	Platform          string    `json:"platform"`
	ExternalChannelID string    `json:"external_channel_id"`
	Active            bool      `json:"active"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	AccountID         string    `json:"account_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LoopState is the work-loop state of an agent.
type LoopState string

const (
	LoopAwake LoopState = "AWAKE"
	LoopSleep LoopState = "SLEEP"
)

// AgentLoopRecord tracks one agent's work-loop scheduling state.
type AgentLoopRecord struct {
	AgentID     string     `json:"agent_id"`
	State       LoopState  `json:"state"`
	LastTickAt  time.Time  `json:"last_tick_at"`
	AwakenedAt  time.Time  `json:"awakened_at"`
	SleptAt     *time.Time `json:"slept_at,omitempty"`
	SleepReason string     `json:"sleep_reason,omitempty"`
}

// Assignment maps an agent to its physical node.
type Assignment struct {
	AgentID      string    `json:"agent_id"`
	NodeID       string    `json:"node_id"`
	AssignedAt   time.Time `json:"assigned_at"`
	PortablePath string    `json:"portable_path"`
}

// Phase is one step of the migration protocol.
type Phase string

const (
	PhaseRequested    Phase = "REQUESTED"
	PhaseAuthorized   Phase = "AUTHORIZED"
	PhaseFreezing     Phase = "FREEZING"
	PhaseFrozen       Phase = "FROZEN"
	PhaseSnapshotting Phase = "SNAPSHOTTING"
	PhaseTransferring Phase = "TRANSFERRING"
	PhaseVerifying    Phase = "VERIFYING"
	PhaseRehydrating  Phase = "REHYDRATING"
	PhaseFinalizing   Phase = "FINALIZING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseAborted      Phase = "ABORTED"
	PhaseFailed       Phase = "FAILED"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseAborted, PhaseFailed:
		return true
	default:
		return false
	}
}

// MigrationEnd names one side of a migration: the node, the home on it,
// and the A2A endpoint it is reachable at.
type MigrationEnd struct {
	NodeID   string `json:"node_id"`
	HomeID   string `json:"home_id"`
	Endpoint string `json:"endpoint"`
}

// MigrationTicket is the persistent record of one migration.
type MigrationTicket struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	Source    MigrationEnd `json:"source"`
	Target    MigrationEnd `json:"target"`
	Phase     Phase        `json:"phase"`
	Reason    string       `json:"reason"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
