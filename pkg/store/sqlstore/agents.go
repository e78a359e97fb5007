package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"flock/pkg/store"
)

type loopStore struct {
	db *sql.DB
}

func (s *loopStore) Insert(ctx context.Context, rec *store.AgentLoopRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_loops (agent_id, state, last_tick_at, awakened_at, slept_at, sleep_reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AgentID, string(rec.State), formatTime(rec.LastTickAt),
		formatTime(rec.AwakenedAt), formatNullableTime(rec.SleptAt), rec.SleepReason,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("loop %s: %w", rec.AgentID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert loop %s: %w", rec.AgentID, err)
	}
	return nil
}

func (s *loopStore) Update(ctx context.Context, agentID string, update store.LoopUpdate) (*store.AgentLoopRecord, error) {
	current, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if update.State != nil {
		current.State = *update.State
	}
	if update.LastTickAt != nil {
		current.LastTickAt = *update.LastTickAt
	}
	if update.AwakenedAt != nil {
		current.AwakenedAt = *update.AwakenedAt
	}
	if update.SleptAt != nil {
		t := *update.SleptAt
		current.SleptAt = &t
	}
	if update.SleepReason != nil {
		current.SleepReason = *update.SleepReason
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_loops SET state = ?, last_tick_at = ?, awakened_at = ?, slept_at = ?, sleep_reason = ?
		WHERE agent_id = ?`,
		string(current.State), formatTime(current.LastTickAt), formatTime(current.AwakenedAt),
		formatNullableTime(current.SleptAt), current.SleepReason, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("update loop %s: %w", agentID, err)
	}
	return current, nil
}

func scanLoop(row interface{ Scan(...any) error }) (*store.AgentLoopRecord, error) {
	var rec store.AgentLoopRecord
	var state, lastTick, awakened string
	var slept sql.NullString
	if err := row.Scan(&rec.AgentID, &state, &lastTick, &awakened, &slept, &rec.SleepReason); err != nil {
		return nil, err
	}
	rec.State = store.LoopState(state)
	rec.LastTickAt = parseTime(lastTick)
	rec.AwakenedAt = parseTime(awakened)
	rec.SleptAt = parseNullableTime(slept)
	return &rec, nil
}

const loopColumns = "agent_id, state, last_tick_at, awakened_at, slept_at, sleep_reason"

func (s *loopStore) Get(ctx context.Context, agentID string) (*store.AgentLoopRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+loopColumns+" FROM agent_loops WHERE agent_id = ?", agentID)
	rec, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loop %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get loop %s: %w", agentID, err)
	}
	return rec, nil
}

func (s *loopStore) List(ctx context.Context, filter store.LoopFilter) ([]*store.AgentLoopRecord, error) {
	query := "SELECT " + loopColumns + " FROM agent_loops WHERE 1=1"
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY agent_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.AgentLoopRecord
	for rows.Next() {
		rec, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	return out, nil
}

type assignmentStore struct {
	db *sql.DB
}

// Upsert writes the assignment, keeping the stored portable path when the
// incoming record leaves it empty.
func (s *assignmentStore) Upsert(ctx context.Context, a *store.Assignment) error {
	portable := a.PortablePath
	if portable == "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			"SELECT portable_path FROM assignments WHERE agent_id = ?", a.AgentID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup assignment %s: %w", a.AgentID, err)
		}
		portable = existing
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (agent_id, node_id, assigned_at, portable_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			node_id = excluded.node_id,
			assigned_at = excluded.assigned_at,
			portable_path = excluded.portable_path`,
		a.AgentID, a.NodeID, formatTime(a.AssignedAt), portable,
	)
	if err != nil {
		return fmt.Errorf("upsert assignment %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *assignmentStore) Get(ctx context.Context, agentID string) (*store.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent_id, node_id, assigned_at, portable_path FROM assignments WHERE agent_id = ?", agentID)

	var a store.Assignment
	var assignedAt string
	err := row.Scan(&a.AgentID, &a.NodeID, &assignedAt, &a.PortablePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment %s: %w", agentID, err)
	}
	a.AssignedAt = parseTime(assignedAt)
	return &a, nil
}

func (s *assignmentStore) List(ctx context.Context) ([]*store.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, node_id, assigned_at, portable_path FROM assignments ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Assignment
	for rows.Next() {
		var a store.Assignment
		var assignedAt string
		if err := rows.Scan(&a.AgentID, &a.NodeID, &assignedAt, &a.PortablePath); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedAt = parseTime(assignedAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

func (s *assignmentStore) Delete(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM assignments WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("delete assignment %s: %w", agentID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("assignment %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

type ticketStore struct {
	db *sql.DB
}

func (s *ticketStore) Insert(ctx context.Context, ticket *store.MigrationTicket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_tickets (id, agent_id, source_node, source_home, source_endpoint,
			target_node, target_home, target_endpoint, phase, reason, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ticket.ID, ticket.AgentID,
		ticket.Source.NodeID, ticket.Source.HomeID, ticket.Source.Endpoint,
		ticket.Target.NodeID, ticket.Target.HomeID, ticket.Target.Endpoint,
		string(ticket.Phase), ticket.Reason, ticket.Error,
		formatTime(ticket.CreatedAt), formatTime(ticket.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticket %s: %w", ticket.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", ticket.ID, err)
	}
	return nil
}

func (s *ticketStore) Update(ctx context.Context, migrationID string, update store.TicketUpdate) (*store.MigrationTicket, error) {
	current, err := s.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}

	if update.Phase != nil {
		current.Phase = *update.Phase
	}
	if update.Error != nil {
		current.Error = *update.Error
	}
	if update.TargetEndpoint != nil {
		current.Target.Endpoint = *update.TargetEndpoint
	}
	current.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE migration_tickets SET phase = ?, error = ?, target_endpoint = ?, updated_at = ?
		WHERE id = ?`,
		string(current.Phase), current.Error, current.Target.Endpoint,
		formatTime(current.UpdatedAt), migrationID,
	)
	if err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", migrationID, err)
	}
	return current, nil
}

const ticketColumns = "id, agent_id, source_node, source_home, source_endpoint, " +
	"target_node, target_home, target_endpoint, phase, reason, error, created_at, updated_at"

func scanTicket(row interface{ Scan(...any) error }) (*store.MigrationTicket, error) {
	var t store.MigrationTicket
	var phase, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.AgentID,
		&t.Source.NodeID, &t.Source.HomeID, &t.Source.Endpoint,
		&t.Target.NodeID, &t.Target.HomeID, &t.Target.Endpoint,
		&phase, &t.Reason, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Phase = store.Phase(phase)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *ticketStore) Get(ctx context.Context, migrationID string) (*store.MigrationTicket, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+ticketColumns+" FROM migration_tickets WHERE id = ?", migrationID)
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", migrationID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", migrationID, err)
	}
	return ticket, nil
}

func (s *ticketStore) List(ctx context.Context, filter store.TicketFilter) ([]*store.MigrationTicket, error) {
	query := "SELECT " + ticketColumns + " FROM migration_tickets WHERE 1=1"
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if len(filter.Phases) > 0 {
		query += " AND phase IN (?" + strings.Repeat(",?", len(filter.Phases)-1) + ")"
		for _, p := range filter.Phases {
			args = append(args, string(p))
		}
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.MigrationTicket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return out, nil
}
