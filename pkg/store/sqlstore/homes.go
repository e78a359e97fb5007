package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flock/pkg/store"
)

// isUniqueViolation detects primary key / unique index collisions from the
// modernc sqlite driver, which reports them as constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

type homeStore struct {
	db *sql.DB
}

func (s *homeStore) Insert(ctx context.Context, home *store.Home) error {
	metadata, err := json.Marshal(home.Metadata)
	if err != nil {
		return fmt.Errorf("marshal home metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO homes (id, agent_id, node_id, state, lease_expires_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		home.ID, home.AgentID, home.NodeID, string(home.State),
		formatNullableTime(home.LeaseExpiresAt), string(metadata),
		formatTime(home.CreatedAt), formatTime(home.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("home %s: %w", home.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert home %s: %w", home.ID, err)
	}
	return nil
}

func (s *homeStore) Update(ctx context.Context, homeID string, update store.HomeUpdate) (*store.Home, error) {
	current, err := s.Get(ctx, homeID)
	if err != nil {
		return nil, err
	}

	if update.State != nil {
		current.State = *update.State
	}
	if update.ClearLease {
		current.LeaseExpiresAt = nil
	} else if update.LeaseExpiresAt != nil {
		t := *update.LeaseExpiresAt
		current.LeaseExpiresAt = &t
	}
	if update.Metadata != nil {
		if current.Metadata == nil {
			current.Metadata = make(map[string]string)
		}
		for k, v := range update.Metadata {
			current.Metadata[k] = v
		}
	}
	current.UpdatedAt = time.Now().UTC()

	metadata, err := json.Marshal(current.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal home metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE homes SET state = ?, lease_expires_at = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(current.State), formatNullableTime(current.LeaseExpiresAt),
		string(metadata), formatTime(current.UpdatedAt), homeID,
	)
	if err != nil {
		return nil, fmt.Errorf("update home %s: %w", homeID, err)
	}
	return current, nil
}

func (s *homeStore) scanHome(row interface{ Scan(...any) error }) (*store.Home, error) {
	var home store.Home
	var state, metadata, createdAt, updatedAt string
	var lease sql.NullString

	if err := row.Scan(&home.ID, &home.AgentID, &home.NodeID, &state, &lease, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	home.State = store.HomeState(state)
	home.LeaseExpiresAt = parseNullableTime(lease)
	home.CreatedAt = parseTime(createdAt)
	home.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(metadata), &home.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal home metadata: %w", err)
	}
	return &home, nil
}

const homeColumns = "id, agent_id, node_id, state, lease_expires_at, metadata, created_at, updated_at"

func (s *homeStore) Get(ctx context.Context, homeID string) (*store.Home, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+homeColumns+" FROM homes WHERE id = ?", homeID)
	home, err := s.scanHome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("home %s: %w", homeID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get home %s: %w", homeID, err)
	}
	return home, nil
}

func (s *homeStore) List(ctx context.Context, filter store.HomeFilter) ([]*store.Home, error) {
	query := "SELECT " + homeColumns + " FROM homes WHERE 1=1"
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.NodeID != "" {
		query += " AND node_id = ?"
		args = append(args, filter.NodeID)
	}
	if len(filter.States) > 0 {
		query += " AND state IN (?" + strings.Repeat(",?", len(filter.States)-1) + ")"
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Home
	for rows.Next() {
		home, err := s.scanHome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan home: %w", err)
		}
		out = append(out, home)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	return out, nil
}

func (s *homeStore) Delete(ctx context.Context, homeID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM homes WHERE id = ?", homeID)
	if err != nil {
		return fmt.Errorf("delete home %s: %w", homeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete home %s: %w", homeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("home %s: %w", homeID, store.ErrNotFound)
	}
	return nil
}

type transitionStore struct {
	db *sql.DB
}

func (s *transitionStore) Insert(ctx context.Context, tr *store.HomeTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO home_transitions (home_id, from_state, to_state, reason, triggered_by, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.HomeID, string(tr.FromState), string(tr.ToState), tr.Reason, tr.TriggeredBy, formatTime(tr.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", tr.HomeID, err)
	}
	return nil
}

func (s *transitionStore) List(ctx context.Context, filter store.TransitionFilter) ([]*store.HomeTransition, error) {
	query := "SELECT home_id, from_state, to_state, reason, triggered_by, timestamp FROM home_transitions WHERE 1=1"
	var args []any
	if filter.HomeID != "" {
		query += " AND home_id = ?"
		args = append(args, filter.HomeID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(filter.Since))
	}
	query += " ORDER BY timestamp, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.HomeTransition
	for rows.Next() {
		var tr store.HomeTransition
		var from, to, ts string
		if err := rows.Scan(&tr.HomeID, &from, &to, &tr.Reason, &tr.TriggeredBy, &ts); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromState = store.HomeState(from)
		tr.ToState = store.HomeState(to)
		tr.Timestamp = parseTime(ts)
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return out, nil
}

type auditStore struct {
	db *sql.DB
}

func (s *auditStore) Insert(ctx context.Context, entry *store.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, agent_id, home_id, action, level, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.AgentID, entry.HomeID,
		entry.Action, string(entry.Level), entry.Detail,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("audit %s: %w", entry.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", entry.ID, err)
	}
	return nil
}

func (s *auditStore) Get(ctx context.Context, id string) (*store.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, timestamp, agent_id, home_id, action, level, detail FROM audit_entries WHERE id = ?", id)

	var entry store.AuditEntry
	var ts, level string
	var homeID sql.NullString
	err := row.Scan(&entry.ID, &ts, &entry.AgentID, &homeID, &entry.Action, &level, &entry.Detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit %s: %w", id, err)
	}
	entry.Timestamp = parseTime(ts)
	entry.HomeID = homeID.String
	entry.Level = store.AuditLevel(level)
	return &entry, nil
}

func (s *auditStore) buildWhere(filter store.AuditFilter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if filter.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.HomeID != "" {
		where += " AND home_id = ?"
		args = append(args, filter.HomeID)
	}
	if filter.Level != "" {
		where += " AND level = ?"
		args = append(args, string(filter.Level))
	}
	if !filter.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, formatTime(filter.Since))
	}
	return where, args
}

func (s *auditStore) List(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	where, args := s.buildWhere(filter)
	query := "SELECT id, timestamp, agent_id, home_id, action, level, detail FROM audit_entries" +
		where + " ORDER BY timestamp, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.AuditEntry
	for rows.Next() {
		var entry store.AuditEntry
		var ts, level string
		var homeID sql.NullString
		if err := rows.Scan(&entry.ID, &ts, &entry.AgentID, &homeID, &entry.Action, &level, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.Timestamp = parseTime(ts)
		entry.HomeID = homeID.String
		entry.Level = store.AuditLevel(level)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

func (s *auditStore) Count(ctx context.Context, filter store.AuditFilter) (int, error) {
	where, args := s.buildWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return count, nil
}
