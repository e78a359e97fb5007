package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned on insert key collisions.
	ErrAlreadyExists = errors.New("record already exists")
)

// HomeFilter selects homes by indexed fields.
type HomeFilter struct {
	AgentID string
	NodeID  string
	States  []HomeState
	Limit   int
}

// HomeUpdate is a partial update of a home row. Nil fields are untouched.
// ClearLease removes the lease expiry regardless of LeaseExpiresAt.
type HomeUpdate struct {
	State          *HomeState
	LeaseExpiresAt *time.Time
	ClearLease     bool
	Metadata       map[string]string
}

// HomeStore persists home records.
type HomeStore interface {
	Insert(ctx context.Context, home *Home) error
	Update(ctx context.Context, homeID string, update HomeUpdate) (*Home, error)
	Get(ctx context.Context, homeID string) (*Home, error)
	List(ctx context.Context, filter HomeFilter) ([]*Home, error)
	Delete(ctx context.Context, homeID string) error
}

// TransitionFilter selects transition rows.
type TransitionFilter struct {
	HomeID string
	Since  time.Time
	Limit  int
}

// TransitionStore persists the immutable home transition log.
type TransitionStore interface {
	Insert(ctx context.Context, tr *HomeTransition) error
	List(ctx context.Context, filter TransitionFilter) ([]*HomeTransition, error)
}

// AuditFilter selects audit rows.
type AuditFilter struct {
	AgentID string
	HomeID  string
	Level   AuditLevel
	Since   time.Time
	Limit   int
}

// AuditStore persists append-only audit entries.
type AuditStore interface {
	Insert(ctx context.Context, entry *AuditEntry) error
	Get(ctx context.Context, id string) (*AuditEntry, error)
	List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	Count(ctx context.Context, filter AuditFilter) (int, error)
}

// ChannelFilter selects channels.
type ChannelFilter struct {
	Name     string
	Member   string
	Archived *bool
	Limit    int
}

// ChannelUpdate is a partial update of a channel row.
type ChannelUpdate struct {
	Topic    *string
	Members  *[]string
	Archived *bool
}

// ChannelStore persists channel metadata.
type ChannelStore interface {
	Insert(ctx context.Context, ch *Channel) error
	Update(ctx context.Context, channelID string, update ChannelUpdate) (*Channel, error)
	Get(ctx context.Context, channelID string) (*Channel, error)
	List(ctx context.Context, filter ChannelFilter) ([]*Channel, error)
	Delete(ctx context.Context, channelID string) error
}

// MessageFilter selects channel messages. SinceSeq is exclusive.
type MessageFilter struct {
	ChannelID string
	SinceSeq  int64
	Limit     int
}

// ChannelMessageStore persists channel messages. Append assigns the next
// per-channel sequence number atomically: concurrent appends to the same
// channel always produce strictly increasing, gap-free sequences.
type ChannelMessageStore interface {
	Append(ctx context.Context, msg *ChannelMessage) (int64, error)
	List(ctx context.Context, filter MessageFilter) ([]*ChannelMessage, error)
	Count(ctx context.Context, channelID string) (int, error)
	LastSeq(ctx context.Context, channelID string) (int64, error)
}

// BridgeFilter selects bridges.
type BridgeFilter struct {
	ChannelID         string
	Platform          string
	ExternalChannelID string
	Active            *bool
}

// BridgeUpdate is a partial update of a bridge row.
type BridgeUpdate struct {
	Active     *bool
	WebhookURL *string
	AccountID  *string
}

// BridgeStore persists channel bridges.
type BridgeStore interface {
	Insert(ctx context.Context, bridge *Bridge) error
	Update(ctx context.Context, bridgeID string, update BridgeUpdate) (*Bridge, error)
	Get(ctx context.Context, bridgeID string) (*Bridge, error)
	List(ctx context.Context, filter BridgeFilter) ([]*Bridge, error)
	Delete(ctx context.Context, bridgeID string) error
}

// LoopFilter selects agent loop records.
type LoopFilter struct {
	State LoopState
	Limit int
}

// LoopUpdate is a partial update of an agent loop record.
type LoopUpdate struct {
	State       *LoopState
	LastTickAt  *time.Time
	AwakenedAt  *time.Time
	SleptAt     *time.Time
	SleepReason *string
}

// AgentLoopStore persists per-agent work-loop state.
type AgentLoopStore interface {
	Insert(ctx context.Context, rec *AgentLoopRecord) error
	Update(ctx context.Context, agentID string, update LoopUpdate) (*AgentLoopRecord, error)
	Get(ctx context.Context, agentID string) (*AgentLoopRecord, error)
	List(ctx context.Context, filter LoopFilter) ([]*AgentLoopRecord, error)
}

// AssignmentStore persists agent-to-node assignments.
type AssignmentStore interface {
	Upsert(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, agentID string) (*Assignment, error)
	List(ctx context.Context) ([]*Assignment, error)
	Delete(ctx context.Context, agentID string) error
}

// TicketFilter selects migration tickets.
type TicketFilter struct {
	AgentID string
	Phases  []Phase
	Limit   int
}

// TicketUpdate is a partial update of a migration ticket.
type TicketUpdate struct {
	Phase          *Phase
	Error          *string
	TargetEndpoint *string
}

// TicketStore persists migration tickets.
type TicketStore interface {
	Insert(ctx context.Context, ticket *MigrationTicket) error
	Update(ctx context.Context, migrationID string, update TicketUpdate) (*MigrationTicket, error)
	Get(ctx context.Context, migrationID string) (*MigrationTicket, error)
	List(ctx context.Context, filter TicketFilter) ([]*MigrationTicket, error)
}

// Backend bundles every per-domain store behind one handle.
// Migrate initializes the schema; Close releases the backend.
type Backend interface {
	Homes() HomeStore
	Transitions() TransitionStore
	Audit() AuditStore
	Channels() ChannelStore
	ChannelMessages() ChannelMessageStore
	Bridges() BridgeStore
	AgentLoops() AgentLoopStore
	Assignments() AssignmentStore
	Tickets() TicketStore

	Migrate(ctx context.Context) error
	Close() error
}
