// Package memstore implements the store.Backend interface entirely in
// memory. It is the reference backend for tests and for single-process
// development nodes; behavior mirrors the SQLite backend including key
// collisions and atomic per-channel sequence assignment.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flock/pkg/store"
)

// Backend is the in-memory store bundle.
type Backend struct {
	homes       *homeStore
	transitions *transitionStore
	audit       *auditStore
	channels    *channelStore
	messages    *messageStore
	bridges     *bridgeStore
	loops       *loopStore
	assignments *assignmentStore
	tickets     *ticketStore
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		homes:       &homeStore{rows: make(map[string]*store.Home)},
		transitions: &transitionStore{},
		audit:       &auditStore{rows: make(map[string]*store.AuditEntry)},
		channels:    &channelStore{rows: make(map[string]*store.Channel)},
		messages:    &messageStore{rows: make(map[string][]*store.ChannelMessage)},
		bridges:     &bridgeStore{rows: make(map[string]*store.Bridge)},
		loops:       &loopStore{rows: make(map[string]*store.AgentLoopRecord)},
		assignments: &assignmentStore{rows: make(map[string]*store.Assignment)},
		tickets:     &ticketStore{rows: make(map[string]*store.MigrationTicket)},
	}
}

func (b *Backend) Homes() store.HomeStore                      { return b.homes }
func (b *Backend) Transitions() store.TransitionStore          { return b.transitions }
func (b *Backend) Audit() store.AuditStore                     { return b.audit }
func (b *Backend) Channels() store.ChannelStore                { return b.channels }
func (b *Backend) ChannelMessages() store.ChannelMessageStore  { return b.messages }
func (b *Backend) Bridges() store.BridgeStore                  { return b.bridges }
func (b *Backend) AgentLoops() store.AgentLoopStore            { return b.loops }
func (b *Backend) Assignments() store.AssignmentStore          { return b.assignments }
func (b *Backend) Tickets() store.TicketStore                  { return b.tickets }
func (b *Backend) Migrate(_ context.Context) error             { return nil }
func (b *Backend) Close() error                                { return nil }

// --- homes ---

type homeStore struct {
	mu   sync.RWMutex
	rows map[string]*store.Home
}

func copyHome(h *store.Home) *store.Home {
	out := *h
	if h.LeaseExpiresAt != nil {
		t := *h.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if h.Metadata != nil {
		out.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *homeStore) Insert(_ context.Context, home *store.Home) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[home.ID]; exists {
		return fmt.Errorf("home %s: %w", home.ID, store.ErrAlreadyExists)
	}
	s.rows[home.ID] = copyHome(home)
	return nil
}

func (s *homeStore) Update(_ context.Context, homeID string, update store.HomeUpdate) (*store.Home, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[homeID]
	if !exists {
		return nil, fmt.Errorf("home %s: %w", homeID, store.ErrNotFound)
	}
	if update.State != nil {
		row.State = *update.State
	}
	if update.ClearLease {
		row.LeaseExpiresAt = nil
	} else if update.LeaseExpiresAt != nil {
		t := *update.LeaseExpiresAt
		row.LeaseExpiresAt = &t
	}
	if update.Metadata != nil {
		if row.Metadata == nil {
			row.Metadata = make(map[string]string)
		}
		for k, v := range update.Metadata {
			row.Metadata[k] = v
		}
	}
	row.UpdatedAt = time.Now().UTC()
	return copyHome(row), nil
}

func (s *homeStore) Get(_ context.Context, homeID string) (*store.Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[homeID]
	if !exists {
		return nil, fmt.Errorf("home %s: %w", homeID, store.ErrNotFound)
	}
	return copyHome(row), nil
}

func (s *homeStore) List(_ context.Context, filter store.HomeFilter) ([]*store.Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Home
	for _, row := range s.rows {
		if filter.AgentID != "" && row.AgentID != filter.AgentID {
			continue
		}
		if filter.NodeID != "" && row.NodeID != filter.NodeID {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, row.State) {
			continue
		}
		out = append(out, copyHome(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, filter.Limit), nil
}

func (s *homeStore) Delete(_ context.Context, homeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[homeID]; !exists {
		return fmt.Errorf("home %s: %w", homeID, store.ErrNotFound)
	}
	delete(s.rows, homeID)
	return nil
}

func containsState(states []store.HomeState, state store.HomeState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func limitSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// --- transitions ---

type transitionStore struct {
	mu   sync.RWMutex
	rows []*store.HomeTransition
}

func (s *transitionStore) Insert(_ context.Context, tr *store.HomeTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := *tr
	s.rows = append(s.rows, &row)
	return nil
}

func (s *transitionStore) List(_ context.Context, filter store.TransitionFilter) ([]*store.HomeTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.HomeTransition
	for _, row := range s.rows {
		if filter.HomeID != "" && row.HomeID != filter.HomeID {
			continue
		}
		if !filter.Since.IsZero() && row.Timestamp.Before(filter.Since) {
			continue
		}
		copied := *row
		out = append(out, &copied)
	}
	// Insertion order is already timestamp order.
	return limitSlice(out, filter.Limit), nil
}

// --- audit ---

type auditStore struct {
	mu    sync.RWMutex
	rows  map[string]*store.AuditEntry
	order []string
}

func (s *auditStore) Insert(_ context.Context, entry *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[entry.ID]; exists {
		return fmt.Errorf("audit %s: %w", entry.ID, store.ErrAlreadyExists)
	}
	row := *entry
	s.rows[entry.ID] = &row
	s.order = append(s.order, entry.ID)
	return nil
}

func (s *auditStore) Get(_ context.Context, id string) (*store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[id]
	if !exists {
		return nil, fmt.Errorf("audit %s: %w", id, store.ErrNotFound)
	}
	copied := *row
	return &copied, nil
}

func (s *auditStore) matches(row *store.AuditEntry, filter store.AuditFilter) bool {
	if filter.AgentID != "" && row.AgentID != filter.AgentID {
		return false
	}
	if filter.HomeID != "" && row.HomeID != filter.HomeID {
		return false
	}
	if filter.Level != "" && row.Level != filter.Level {
		return false
	}
	if !filter.Since.IsZero() && row.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}

func (s *auditStore) List(_ context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.AuditEntry
	for _, id := range s.order {
		row := s.rows[id]
		if !s.matches(row, filter) {
			continue
		}
		copied := *row
		out = append(out, &copied)
	}
	return limitSlice(out, filter.Limit), nil
}

func (s *auditStore) Count(_ context.Context, filter store.AuditFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.rows {
		if s.matches(row, filter) {
			count++
		}
	}
	return count, nil
}

// --- channels ---

type channelStore struct {
	mu   sync.RWMutex
	rows map[string]*store.Channel
}

func copyChannel(ch *store.Channel) *store.Channel {
	out := *ch
	out.Members = append([]string(nil), ch.Members...)
	return &out
}

func (s *channelStore) Insert(_ context.Context, ch *store.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[ch.ID]; exists {
		return fmt.Errorf("channel %s: %w", ch.ID, store.ErrAlreadyExists)
	}
	s.rows[ch.ID] = copyChannel(ch)
	return nil
}

func (s *channelStore) Update(_ context.Context, channelID string, update store.ChannelUpdate) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
	}
	if update.Topic != nil {
		row.Topic = *update.Topic
	}
	if update.Members != nil {
		row.Members = append([]string(nil), (*update.Members)...)
	}
	if update.Archived != nil {
		row.Archived = *update.Archived
	}
	row.UpdatedAt = time.Now().UTC()
	return copyChannel(row), nil
}

func (s *channelStore) Get(_ context.Context, channelID string) (*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
	}
	return copyChannel(row), nil
}

func (s *channelStore) List(_ context.Context, filter store.ChannelFilter) ([]*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Channel
	for _, row := range s.rows {
		if filter.Name != "" && row.Name != filter.Name {
			continue
		}
		if filter.Archived != nil && row.Archived != *filter.Archived {
			continue
		}
		if filter.Member != "" && !containsString(row.Members, filter.Member) {
			continue
		}
		out = append(out, copyChannel(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, filter.Limit), nil
}

func (s *channelStore) Delete(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[channelID]; !exists {
		return fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
	}
	delete(s.rows, channelID)
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// --- channel messages ---

type messageStore struct {
	mu   sync.Mutex
	rows map[string][]*store.ChannelMessage
}

func (s *messageStore) Append(_ context.Context, msg *store.ChannelMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Seq assignment and insert happen under one lock, so concurrent
	// appends to the same channel are gap-free.
	seq := int64(len(s.rows[msg.ChannelID])) + 1
	row := *msg
	row.Seq = seq
	s.rows[msg.ChannelID] = append(s.rows[msg.ChannelID], &row)
	msg.Seq = seq
	return seq, nil
}

func (s *messageStore) List(_ context.Context, filter store.MessageFilter) ([]*store.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.ChannelMessage
	for _, row := range s.rows[filter.ChannelID] {
		if row.Seq <= filter.SinceSeq {
			continue
		}
		copied := *row
		out = append(out, &copied)
	}
	return limitSlice(out, filter.Limit), nil
}

func (s *messageStore) Count(_ context.Context, channelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[channelID]), nil
}

func (s *messageStore) LastSeq(_ context.Context, channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows[channelID])), nil
}

// --- bridges ---

type bridgeStore struct {
	mu   sync.RWMutex
	rows map[string]*store.Bridge
}

func (s *bridgeStore) Insert(_ context.Context, bridge *store.Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[bridge.ID]; exists {
		return fmt.Errorf("bridge %s: %w", bridge.ID, store.ErrAlreadyExists)
	}
	// At most one active bridge per (platform, externalChannelID).
	if bridge.Active {
		for _, row := range s.rows {
			if row.Active && row.Platform == bridge.Platform && row.ExternalChannelID == bridge.ExternalChannelID {
				return fmt.Errorf("active bridge for %s/%s: %w",
					bridge.Platform, bridge.ExternalChannelID, store.ErrAlreadyExists)
			}
		}
	}
	row := *bridge
	s.rows[bridge.ID] = &row
	return nil
}

func (s *bridgeStore) Update(_ context.Context, bridgeID string, update store.BridgeUpdate) (*store.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[bridgeID]
	if !exists {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, store.ErrNotFound)
	}
	if update.Active != nil {
		row.Active = *update.Active
	}
	if update.WebhookURL != nil {
		row.WebhookURL = *update.WebhookURL
	}
	if update.AccountID != nil {
		row.AccountID = *update.AccountID
	}
	row.UpdatedAt = time.Now().UTC()
	copied := *row
	return &copied, nil
}

func (s *bridgeStore) Get(_ context.Context, bridgeID string) (*store.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[bridgeID]
	if !exists {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, store.ErrNotFound)
	}
	copied := *row
	return &copied, nil
}

func (s *bridgeStore) List(_ context.Context, filter store.BridgeFilter) ([]*store.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Bridge
	for _, row := range s.rows {
		if filter.ChannelID != "" && row.ChannelID != filter.ChannelID {
			continue
		}
		if filter.Platform != "" && row.Platform != filter.Platform {
			continue
		}
		if filter.ExternalChannelID != "" && row.ExternalChannelID != filter.ExternalChannelID {
			continue
		}
		if filter.Active != nil && row.Active != *filter.Active {
			continue
		}
		copied := *row
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *bridgeStore) Delete(_ context.Context, bridgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[bridgeID]; !exists {
		return fmt.Errorf("bridge %s: %w", bridgeID, store.ErrNotFound)
	}
	delete(s.rows, bridgeID)
	return nil
}

// --- agent loops ---

type loopStore struct {
	mu   sync.RWMutex
	rows map[string]*store.AgentLoopRecord
}

func copyLoop(rec *store.AgentLoopRecord) *store.AgentLoopRecord {
	out := *rec
	if rec.SleptAt != nil {
		t := *rec.SleptAt
		out.SleptAt = &t
	}
	return &out
}

func (s *loopStore) Insert(_ context.Context, rec *store.AgentLoopRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[rec.AgentID]; exists {
		return fmt.Errorf("agent loop %s: %w", rec.AgentID, store.ErrAlreadyExists)
	}
	s.rows[rec.AgentID] = copyLoop(rec)
	return nil
}

func (s *loopStore) Update(_ context.Context, agentID string, update store.LoopUpdate) (*store.AgentLoopRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[agentID]
	if !exists {
		return nil, fmt.Errorf("agent loop %s: %w", agentID, store.ErrNotFound)
	}
	if update.State != nil {
		row.State = *update.State
	}
	if update.LastTickAt != nil {
		row.LastTickAt = *update.LastTickAt
	}
	if update.AwakenedAt != nil {
		row.AwakenedAt = *update.AwakenedAt
	}
	if update.SleptAt != nil {
		t := *update.SleptAt
		row.SleptAt = &t
	}
	if update.SleepReason != nil {
		row.SleepReason = *update.SleepReason
	}
	return copyLoop(row), nil
}

func (s *loopStore) Get(_ context.Context, agentID string) (*store.AgentLoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[agentID]
	if !exists {
		return nil, fmt.Errorf("agent loop %s: %w", agentID, store.ErrNotFound)
	}
	return copyLoop(row), nil
}

func (s *loopStore) List(_ context.Context, filter store.LoopFilter) ([]*store.AgentLoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.AgentLoopRecord
	for _, row := range s.rows {
		if filter.State != "" && row.State != filter.State {
			continue
		}
		out = append(out, copyLoop(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return limitSlice(out, filter.Limit), nil
}

// --- assignments ---

type assignmentStore struct {
	mu   sync.RWMutex
	rows map[string]*store.Assignment
}

func (s *assignmentStore) Upsert(_ context.Context, a *store.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *a
	// Reassignment preserves the portable path unless explicitly overridden.
	if prev, exists := s.rows[a.AgentID]; exists && row.PortablePath == "" {
		row.PortablePath = prev.PortablePath
	}
	s.rows[a.AgentID] = &row
	return nil
}

func (s *assignmentStore) Get(_ context.Context, agentID string) (*store.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[agentID]
	if !exists {
		return nil, fmt.Errorf("assignment %s: %w", agentID, store.ErrNotFound)
	}
	copied := *row
	return &copied, nil
}

func (s *assignmentStore) List(_ context.Context) ([]*store.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Assignment, 0, len(s.rows))
	for _, row := range s.rows {
		copied := *row
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *assignmentStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[agentID]; !exists {
		return fmt.Errorf("assignment %s: %w", agentID, store.ErrNotFound)
	}
	delete(s.rows, agentID)
	return nil
}

// --- migration tickets ---

type ticketStore struct {
	mu   sync.RWMutex
	rows map[string]*store.MigrationTicket
}

func (s *ticketStore) Insert(_ context.Context, ticket *store.MigrationTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[ticket.ID]; exists {
		return fmt.Errorf("ticket %s: %w", ticket.ID, store.ErrAlreadyExists)
	}
	row := *ticket
	s.rows[ticket.ID] = &row
	return nil
}

func (s *ticketStore) Update(_ context.Context, migrationID string, update store.TicketUpdate) (*store.MigrationTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[migrationID]
	if !exists {
		return nil, fmt.Errorf("ticket %s: %w", migrationID, store.ErrNotFound)
	}
	if update.Phase != nil {
		row.Phase = *update.Phase
	}
	if update.Error != nil {
		row.Error = *update.Error
	}
	if update.TargetEndpoint != nil {
		row.Target.Endpoint = *update.TargetEndpoint
	}
	row.UpdatedAt = time.Now().UTC()
	copied := *row
	return &copied, nil
}

func (s *ticketStore) Get(_ context.Context, migrationID string) (*store.MigrationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, exists := s.rows[migrationID]
	if !exists {
		return nil, fmt.Errorf("ticket %s: %w", migrationID, store.ErrNotFound)
	}
	copied := *row
	return &copied, nil
}

func (s *ticketStore) List(_ context.Context, filter store.TicketFilter) ([]*store.MigrationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.MigrationTicket
	for _, row := range s.rows {
		if filter.AgentID != "" && row.AgentID != filter.AgentID {
			continue
		}
		if len(filter.Phases) > 0 && !containsPhase(filter.Phases, row.Phase) {
			continue
		}
		copied := *row
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return limitSlice(out, filter.Limit), nil
}

func containsPhase(phases []store.Phase, phase store.Phase) bool {
	for _, p := range phases {
		if p == phase {
			return true
		}
	}
	return false
}
