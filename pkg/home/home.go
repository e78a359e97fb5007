// Package home owns the lifecycle of agent homes: creation, legal state
// transitions with an immutable transition log and audit trail, lease
// expiry, and retirement.
package home

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flock/pkg/logx"
	"flock/pkg/proto"
	"flock/pkg/store"
)

var (
	// ErrHomeNotFound is returned when the home record does not exist.
	ErrHomeNotFound = errors.New("home not found")
	// ErrInvalidTransition is returned for transitions outside the table.
	ErrInvalidTransition = errors.New("invalid home state transition")
)

// TransitionTable lists the legal target states per source state.
// RETIRED is terminal and has no entry.
var TransitionTable = map[store.HomeState][]store.HomeState{
	store.StateUnassigned:   {store.StateProvisioning, store.StateRetired},
	store.StateProvisioning: {store.StateIdle, store.StateError},
	store.StateIdle:         {store.StateLeased, store.StateFrozen, store.StateRetired, store.StateError},
	store.StateLeased:       {store.StateActive, store.StateFrozen, store.StateIdle, store.StateError},
	store.StateActive:       {store.StateLeased, store.StateFrozen, store.StateIdle, store.StateError},
	store.StateFrozen:       {store.StateLeased, store.StateMigrating, store.StateIdle, store.StateRetired, store.StateError},
	store.StateMigrating:    {store.StateProvisioning, store.StateFrozen, store.StateError},
	store.StateError:        {store.StateProvisioning, store.StateRetired, store.StateUnassigned},
	store.StateRetired:      {},
}

// IsValidTransition reports whether from → to is in the table.
func IsValidTransition(from, to store.HomeState) bool {
	for _, allowed := range TransitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func allowedSet(from store.HomeState) string {
	allowed := TransitionTable[from]
	if len(allowed) == 0 {
		return "(none, terminal)"
	}
	names := make([]string, len(allowed))
	for i, st := range allowed {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

// Service manages home records on top of the store backend.
type Service struct {
	homes       store.HomeStore
	transitions store.TransitionStore
	audit       store.AuditStore
	logger      *logx.Logger
}

// NewService creates a home service over the given backend.
func NewService(backend store.Backend) *Service {
	return &Service{
		homes:       backend.Homes(),
		transitions: backend.Transitions(),
		audit:       backend.Audit(),
		logger:      logx.NewLogger("home"),
	}
}

// Create registers a new home in UNASSIGNED for agentID on nodeID.
func (s *Service) Create(ctx context.Context, agentID, nodeID string) (*store.Home, error) {
	homeID, err := proto.HomeID(agentID, nodeID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	h := &store.Home{
		ID:        homeID,
		AgentID:   agentID,
		NodeID:    nodeID,
		State:     store.StateUnassigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.homes.Insert(ctx, h); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, h.AgentID, h.ID, "create-home", store.AuditGreen, "home created", now)
	s.logger.Info("🏠 Created home %s", h.ID)
	return h, nil
}

// Get returns the home record for homeID.
func (s *Service) Get(ctx context.Context, homeID string) (*store.Home, error) {
	h, err := s.homes.Get(ctx, homeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("home %s: %w", homeID, ErrHomeNotFound)
	}
	return h, err
}

// List returns homes matching the filter.
func (s *Service) List(ctx context.Context, filter store.HomeFilter) ([]*store.Home, error) {
	return s.homes.List(ctx, filter)
}

// Transition moves the home to toState, recording a transition row and an
// audit entry. The home row, transition log, and audit trail always agree:
// no state change happens without a matching transition row.
func (s *Service) Transition(ctx context.Context, homeID string, toState store.HomeState, reason, triggeredBy string) (*store.HomeTransition, error) {
	h, err := s.Get(ctx, homeID)
	if err != nil {
		return nil, err
	}

	if !IsValidTransition(h.State, toState) {
		return nil, fmt.Errorf("%w: %s → %s (allowed from %s: %s)",
			ErrInvalidTransition, h.State, toState, h.State, allowedSet(h.State))
	}

	now := time.Now().UTC()
	update := store.HomeUpdate{State: &toState}
	// Leases do not survive freezing or retirement.
	if toState == store.StateFrozen || toState == store.StateRetired {
		update.ClearLease = true
	}
	if _, err := s.homes.Update(ctx, homeID, update); err != nil {
		return nil, fmt.Errorf("update home %s: %w", homeID, err)
	}

	tr := &store.HomeTransition{
		HomeID:      homeID,
		FromState:   h.State,
		ToState:     toState,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
	}
	if err := s.transitions.Insert(ctx, tr); err != nil {
		return nil, fmt.Errorf("record transition for %s: %w", homeID, err)
	}

	level := store.AuditGreen
	if toState == store.StateFrozen || toState == store.StateError {
		level = store.AuditYellow
	}
	detail := fmt.Sprintf("%s → %s", h.State, toState)
	if reason != "" {
		detail += ": " + reason
	}
	s.recordAudit(ctx, h.AgentID, homeID, "transition", level, detail, now)

	s.logger.Info("Home %s: %s → %s (%s)", homeID, h.State, toState, reason)
	return tr, nil
}

// SetLeaseExpiry sets the lease expiry timestamp on a home.
func (s *Service) SetLeaseExpiry(ctx context.Context, homeID string, t time.Time) error {
	_, err := s.homes.Update(ctx, homeID, store.HomeUpdate{LeaseExpiresAt: &t})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("home %s: %w", homeID, ErrHomeNotFound)
	}
	return err
}

// CheckLeaseExpiry freezes every LEASED or ACTIVE home whose lease has
// expired and returns the transitions it performed. Run periodically.
func (s *Service) CheckLeaseExpiry(ctx context.Context) ([]*store.HomeTransition, error) {
	candidates, err := s.homes.List(ctx, store.HomeFilter{
		States: []store.HomeState{store.StateLeased, store.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list leased homes: %w", err)
	}

	now := time.Now().UTC()
	var expired []*store.HomeTransition
	for _, h := range candidates {
		if h.LeaseExpiresAt == nil || h.LeaseExpiresAt.After(now) {
			continue
		}
		tr, err := s.Transition(ctx, h.ID, store.StateFrozen, "lease expired", "system")
		if err != nil {
			s.logger.Warn("Failed to freeze expired home %s: %v", h.ID, err)
			continue
		}
		expired = append(expired, tr)
	}
	if len(expired) > 0 {
		s.logger.Info("⏰ Froze %d home(s) with expired leases", len(expired))
	}
	return expired, nil
}

// TransitionLog returns the ordered transition history for a home.
func (s *Service) TransitionLog(ctx context.Context, homeID string) ([]*store.HomeTransition, error) {
	return s.transitions.List(ctx, store.TransitionFilter{HomeID: homeID})
}

// recordAudit inserts an audit entry with a deterministic ID so a replayed
// call collides instead of doubling. Audit failures are logged, not fatal.
func (s *Service) recordAudit(ctx context.Context, agentID, homeID, action string, level store.AuditLevel, detail string, now time.Time) {
	entry := &store.AuditEntry{
		ID:        fmt.Sprintf("%s-%s-%d", action, homeID, now.UnixNano()),
		Timestamp: now,
		AgentID:   agentID,
		HomeID:    homeID,
		Action:    action,
		Level:     level,
		Detail:    detail,
	}
	if err := s.audit.Insert(ctx, entry); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		s.logger.Warn("Failed to record audit entry %s: %v", entry.ID, err)
	}
	if level == store.AuditRed {
		s.logger.Warn("🔴 RED audit: %s %s: %s", action, homeID, detail)
	}
}
