package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"flock/pkg/home"
	"flock/pkg/logx"
	"flock/pkg/proto"
	"flock/pkg/store"
)

// RehydrateHook runs after a snapshot is unpacked into the target home.
// It may return non-fatal warnings; an error fails the migration.
type RehydrateHook func(homePath string) ([]string, error)

// CompletionHook fires after a migration reaches COMPLETED on the source.
type CompletionHook func(ctx context.Context, ticket *store.MigrationTicket)

// Engine owns migration tickets and the source/target phase work. One
// engine runs per node; the same engine acts as source for outgoing
// migrations and target for incoming ones.
type Engine struct {
	tickets     store.TicketStore
	assignments store.AssignmentStore
	audit       store.AuditStore
	homes       *home.Service
	logger      *logx.Logger

	nodeID   string
	endpoint string
	baseDir  string

	maxPortableSize int64
	transform       WorkStateTransformer
	rehydrateHook   RehydrateHook
	completionHooks []CompletionHook

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]proto.MigrationRequestParams
	archive map[string][]byte
}

// NewEngine creates the migration engine for this node. baseDir is the
// root under which homes live; endpoint is the node's public A2A base URL.
func NewEngine(backend store.Backend, homes *home.Service, nodeID, endpoint, baseDir string) *Engine {
	return &Engine{
		tickets:         backend.Tickets(),
		assignments:     backend.Assignments(),
		audit:           backend.Audit(),
		homes:           homes,
		logger:          logx.NewLogger("migration"),
		nodeID:          nodeID,
		endpoint:        endpoint,
		baseDir:         baseDir,
		maxPortableSize: MaxPortableSizeBytes,
		locks:           make(map[string]*sync.Mutex),
		pending:         make(map[string]proto.MigrationRequestParams),
		archive:         make(map[string][]byte),
	}
}

// SetMaxPortableSize overrides the archive size ceiling.
func (e *Engine) SetMaxPortableSize(n int64) { e.maxPortableSize = n }

// SetTransformer installs the work-state transformer applied on rehydrate.
func (e *Engine) SetTransformer(t WorkStateTransformer) { e.transform = t }

// SetRehydrateHook installs the post-extract hook.
func (e *Engine) SetRehydrateHook(h RehydrateHook) { e.rehydrateHook = h }

// OnCompleted registers a hook fired when a migration completes.
func (e *Engine) OnCompleted(h CompletionHook) {
	e.completionHooks = append(e.completionHooks, h)
}

// ticketLock returns the per-ticket mutex, creating it on first use.
// Phase transitions for one ticket are fully serialized through it.
func (e *Engine) ticketLock(migrationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[migrationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[migrationID] = l
	}
	return l
}

// Initiate creates a REQUESTED ticket for moving agentID from source to
// target. The target has not been notified yet.
func (e *Engine) Initiate(ctx context.Context, agentID, reason string, source, target store.MigrationEnd) (*store.MigrationTicket, error) {
	if err := proto.ValidateID(agentID); err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}

	now := time.Now().UTC()
	ticket := &store.MigrationTicket{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Source:    source,
		Target:    target,
		Phase:     store.PhaseRequested,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.tickets.Insert(ctx, ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	e.recordAudit(ctx, ticket, store.AuditGreen, "migration requested: "+reason)
	e.logger.Info("🚚 Migration %s requested: %s from %s to %s", ticket.ID, agentID, source.NodeID, target.NodeID)
	return ticket, nil
}

// Get returns the ticket for migrationID.
func (e *Engine) Get(ctx context.Context, migrationID string) (*store.MigrationTicket, error) {
	ticket, err := e.tickets.Get(ctx, migrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("migration %s: %w", migrationID, ErrTicketNotFound)
	}
	return ticket, err
}

// AdvancePhase moves the ticket to the next phase along the DAG. Phase
// transitions per ticket are serialized; of two concurrent callers exactly
// one succeeds and the loser sees ErrInvalidPhase.
func (e *Engine) AdvancePhase(ctx context.Context, migrationID string, to store.Phase) (*store.MigrationTicket, error) {
	lock := e.ticketLock(migrationID)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := e.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if !validEdge(ticket.Phase, to) {
		return nil, invalidPhaseError(migrationID, ticket.Phase, to)
	}

	updated, err := e.tickets.Update(ctx, migrationID, store.TicketUpdate{Phase: &to})
	if err != nil {
		return nil, fmt.Errorf("advance %s to %s: %w", migrationID, to, err)
	}

	level := store.AuditGreen
	if to == store.PhaseFailed {
		level = store.AuditRed
	} else if to == store.PhaseAborted {
		level = store.AuditYellow
	}
	e.recordAudit(ctx, updated, level, fmt.Sprintf("phase %s → %s", ticket.Phase, to))
	e.logger.Debug("Migration %s: %s → %s", migrationID, ticket.Phase, to)
	return updated, nil
}

// Rollback moves a non-terminal ticket to ABORTED (or FAILED when fatal),
// records the cause, and thaws the source home back to FROZEN if it was
// mid-flight. Rolling back a terminal ticket is a no-op.
func (e *Engine) Rollback(ctx context.Context, migrationID, reason string, fatal bool) error {
	lock := e.ticketLock(migrationID)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := e.Get(ctx, migrationID)
	if err != nil {
		return err
	}
	if ticket.Phase.Terminal() {
		return nil
	}

	to := store.PhaseAborted
	level := store.AuditYellow
	if fatal {
		to = store.PhaseFailed
		level = store.AuditRed
	}
	if _, err := e.tickets.Update(ctx, migrationID, store.TicketUpdate{Phase: &to, Error: &reason}); err != nil {
		return fmt.Errorf("rollback %s: %w", migrationID, err)
	}
	e.recordAudit(ctx, ticket, level, fmt.Sprintf("rollback from %s: %s", ticket.Phase, reason))

	// Ownership stays with the source; a home caught in MIGRATING
	// returns to FROZEN so an operator can thaw or retry.
	if h, err := e.homes.Get(ctx, ticket.Source.HomeID); err == nil && h.State == store.StateMigrating {
		if _, err := e.homes.Transition(ctx, h.ID, store.StateFrozen, "migration rolled back: "+reason, "migration"); err != nil {
			e.logger.Warn("Failed to thaw home %s after rollback: %v", h.ID, err)
		}
	}

	e.logger.Warn("Migration %s rolled back (%s): %s", migrationID, to, reason)
	return nil
}

// FreezeSource transitions the source home to FROZEN at the FREEZING
// phase. Homes already FROZEN pass through.
func (e *Engine) FreezeSource(ctx context.Context, ticket *store.MigrationTicket) error {
	h, err := e.homes.Get(ctx, ticket.Source.HomeID)
	if err != nil {
		return err
	}
	if h.State == store.StateFrozen {
		return nil
	}
	_, err = e.homes.Transition(ctx, h.ID, store.StateFrozen, "migration "+ticket.ID, "migration")
	return err
}

// MarkSourceMigrating moves the frozen source home into MIGRATING while
// the snapshot leaves the node.
func (e *Engine) MarkSourceMigrating(ctx context.Context, ticket *store.MigrationTicket) error {
	_, err := e.homes.Transition(ctx, ticket.Source.HomeID, store.StateMigrating, "migration "+ticket.ID, "migration")
	return err
}

// BuildSourceSnapshot archives the source home's portable subtree.
func (e *Engine) BuildSourceSnapshot(ctx context.Context, ticket *store.MigrationTicket) (*Snapshot, error) {
	portable, err := e.portablePath(ticket.AgentID)
	if err != nil {
		return nil, err
	}
	snapshot, err := BuildSnapshot(portable, Manifest{
		MigrationID: ticket.ID,
		AgentID:     ticket.AgentID,
		SourceNode:  ticket.Source.NodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("build snapshot for %s: %w", ticket.ID, err)
	}
	if snapshot.Size > e.maxPortableSize {
		return nil, fmt.Errorf("%w: snapshot is %d bytes, ceiling is %d",
			ErrVerificationFailed, snapshot.Size, e.maxPortableSize)
	}
	e.logger.Info("📸 Snapshot for %s: %d bytes, digest %s…", ticket.ID, snapshot.Size, snapshot.Digest[:12])
	return snapshot, nil
}

// Complete finalizes a migration on the source: the source home retires,
// the assignment moves to the target node (portable path preserved), and
// the ticket records the agent's new endpoint.
func (e *Engine) Complete(ctx context.Context, migrationID, targetEndpoint string) (*store.MigrationTicket, error) {
	ticket, err := e.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if ticket.Phase != store.PhaseFinalizing {
		return nil, invalidPhaseError(migrationID, ticket.Phase, store.PhaseCompleted)
	}

	// MIGRATING → FROZEN → RETIRED.
	if h, err := e.homes.Get(ctx, ticket.Source.HomeID); err == nil {
		if h.State == store.StateMigrating {
			if _, err := e.homes.Transition(ctx, h.ID, store.StateFrozen, "migration completed", "migration"); err != nil {
				return nil, err
			}
		}
		if _, err := e.homes.Transition(ctx, ticket.Source.HomeID, store.StateRetired, "migrated to "+ticket.Target.NodeID, "migration"); err != nil {
			return nil, err
		}
	}

	// Empty portable path preserves the stored one across the move.
	if err := e.assignments.Upsert(ctx, &store.Assignment{
		AgentID:    ticket.AgentID,
		NodeID:     ticket.Target.NodeID,
		AssignedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("reassign %s: %w", ticket.AgentID, err)
	}

	if _, err := e.AdvancePhase(ctx, migrationID, store.PhaseCompleted); err != nil {
		return nil, err
	}
	updated, err := e.tickets.Update(ctx, migrationID, store.TicketUpdate{TargetEndpoint: &targetEndpoint})
	if err != nil {
		return nil, fmt.Errorf("record endpoint for %s: %w", migrationID, err)
	}

	for _, hook := range e.completionHooks {
		hook(ctx, updated)
	}
	e.logger.Info("✅ Migration %s completed: %s now at %s", migrationID, ticket.AgentID, targetEndpoint)
	return updated, nil
}

// HandleRequest is the target side of migration/request: validate and
// remember the incoming migration.
func (e *Engine) HandleRequest(ctx context.Context, params proto.MigrationRequestParams) (proto.MigrationRequestResult, error) {
	if err := proto.ValidateID(params.AgentID); err != nil {
		return proto.MigrationRequestResult{Accepted: false, Reason: err.Error()}, nil
	}
	if params.MigrationID == "" {
		return proto.MigrationRequestResult{Accepted: false, Reason: "missing migration id"}, nil
	}

	e.mu.Lock()
	e.pending[params.MigrationID] = params
	e.mu.Unlock()

	e.logger.Info("📥 Accepting migration %s for %s from %s", params.MigrationID, params.AgentID, params.SourceEndpoint)
	return proto.MigrationRequestResult{Accepted: true}, nil
}

// HandleTransfer is the target side of migration/transferAndVerify:
// recompute the digest over the received archive and stage it for
// rehydration. Verification failures are reported, not raised; the source
// remains authoritative.
func (e *Engine) HandleTransfer(ctx context.Context, params proto.MigrationTransferParams) (proto.MigrationTransferResult, error) {
	e.mu.Lock()
	_, known := e.pending[params.MigrationID]
	e.mu.Unlock()
	if !known {
		return proto.MigrationTransferResult{Verified: false, Reason: "unknown migration " + params.MigrationID}, nil
	}

	if err := Verify(params.Archive, params.Digest, e.maxPortableSize); err != nil {
		e.logger.Warn("Transfer for %s failed verification: %v", params.MigrationID, err)
		return proto.MigrationTransferResult{Verified: false, Reason: err.Error()}, nil
	}

	e.mu.Lock()
	e.archive[params.MigrationID] = params.Archive
	e.mu.Unlock()

	e.logger.Info("📦 Verified archive for %s (%d bytes)", params.MigrationID, len(params.Archive))
	return proto.MigrationTransferResult{Verified: true}, nil
}

// HandleRehydrate is the target side of migration/rehydrate: create the
// target home, unpack the verified archive into it, leave a post-migration
// note, and run the rehydrate hook. Hook warnings are surfaced but do not
// fail the migration.
func (e *Engine) HandleRehydrate(ctx context.Context, params proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error) {
	e.mu.Lock()
	archive, ok := e.archive[params.MigrationID]
	request := e.pending[params.MigrationID]
	e.mu.Unlock()
	if !ok {
		return proto.MigrationRehydrateResult{}, fmt.Errorf("no verified archive for migration %s", params.MigrationID)
	}

	homeID, err := e.ensureTargetHome(ctx, params.AgentID)
	if err != nil {
		return proto.MigrationRehydrateResult{}, err
	}

	portable, err := e.portablePath(params.AgentID)
	if err != nil {
		return proto.MigrationRehydrateResult{}, err
	}
	if err := os.MkdirAll(portable, 0o700); err != nil {
		return proto.MigrationRehydrateResult{}, fmt.Errorf("create portable dir: %w", err)
	}

	manifest, err := ExtractArchive(archive, portable, e.transform)
	if err != nil {
		return proto.MigrationRehydrateResult{}, fmt.Errorf("rehydrate %s: %w", params.MigrationID, err)
	}

	homePath := filepath.Join(e.baseDir, homeID)
	note := fmt.Sprintf("# Post-migration notes\n\nYou were migrated from node %s on %s.\nMigration ID: %s\nReason: %s\n\nCheck that your work state survived the move, then clear this file.\n",
		manifest.SourceNode, time.Now().UTC().Format(time.RFC3339), params.MigrationID, request.Reason)
	if err := WritePostMigrationNote(homePath, note); err != nil {
		e.logger.Warn("Failed to write post-migration note for %s: %v", homeID, err)
	}

	var warnings []string
	if e.rehydrateHook != nil {
		warnings, err = e.rehydrateHook(homePath)
		if err != nil {
			return proto.MigrationRehydrateResult{}, fmt.Errorf("rehydrate hook for %s: %w", params.MigrationID, err)
		}
	}

	if _, err := e.homes.Transition(ctx, homeID, store.StateIdle, "rehydrated migration "+params.MigrationID, "migration"); err != nil {
		return proto.MigrationRehydrateResult{}, err
	}

	e.mu.Lock()
	delete(e.archive, params.MigrationID)
	delete(e.pending, params.MigrationID)
	e.mu.Unlock()

	e.logger.Info("💧 Rehydrated %s into %s (%d file(s))", params.AgentID, homeID, manifest.FileCount)
	return proto.MigrationRehydrateResult{
		OK:       true,
		Endpoint: e.endpoint,
		Warnings: warnings,
	}, nil
}

// ensureTargetHome creates (or reuses) the target home and walks it to
// PROVISIONING for the incoming snapshot.
func (e *Engine) ensureTargetHome(ctx context.Context, agentID string) (string, error) {
	h, err := e.homes.Create(ctx, agentID, e.nodeID)
	if errors.Is(err, store.ErrAlreadyExists) {
		homeID, idErr := proto.HomeID(agentID, e.nodeID)
		if idErr != nil {
			return "", idErr
		}
		h, err = e.homes.Get(ctx, homeID)
	}
	if err != nil {
		return "", err
	}

	if h.State == store.StateUnassigned {
		if _, err := e.homes.Transition(ctx, h.ID, store.StateProvisioning, "incoming migration", "migration"); err != nil {
			return "", err
		}
	}
	return h.ID, nil
}

func (e *Engine) portablePath(agentID string) (string, error) {
	if err := proto.ValidateID(agentID); err != nil {
		return "", err
	}
	homeID, err := proto.HomeID(agentID, e.nodeID)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.baseDir, homeID, "work"), nil
}

func (e *Engine) recordAudit(ctx context.Context, ticket *store.MigrationTicket, level store.AuditLevel, detail string) {
	now := time.Now().UTC()
	entry := &store.AuditEntry{
		ID:        fmt.Sprintf("migration-%s-%d", ticket.ID, now.UnixNano()),
		Timestamp: now,
		AgentID:   ticket.AgentID,
		HomeID:    ticket.Source.HomeID,
		Action:    "migration",
		Level:     level,
		Detail:    detail,
	}
	if err := e.audit.Insert(ctx, entry); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		e.logger.Warn("Failed to record migration audit for %s: %v", ticket.ID, err)
	}
	if level == store.AuditRed {
		e.logger.Warn("🔴 RED audit: migration %s: %s", ticket.ID, detail)
	}
}
