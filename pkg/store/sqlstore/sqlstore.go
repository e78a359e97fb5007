// Package sqlstore implements the store.Backend interface on SQLite
// (modernc.org/sqlite, no cgo). The database is opened in WAL mode with a
// single-writer connection pool; schema initialization is versioned and
// idempotent.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"flock/pkg/logx"
	"flock/pkg/store"
)

// CurrentSchemaVersion is bumped on every schema change.
const CurrentSchemaVersion = 1

// Backend is the SQLite store bundle.
type Backend struct {
	db     *sql.DB
	logger *logx.Logger

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

// Open opens (or creates) the database at dbPath.
// Call Migrate before using any store.
func Open(dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports one writer; serialize everything through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{db: db, logger: logx.NewLogger("sqlstore")}
	b.homes = &homeStore{db: db}
	b.transitions = &transitionStore{db: db}
	b.audit = &auditStore{db: db}
	b.channels = &channelStore{db: db}
	b.messages = &messageStore{db: db}
	b.bridges = &bridgeStore{db: db}
	b.loops = &loopStore{db: db}
	b.assignments = &assignmentStore{db: db}
	b.tickets = &ticketStore{db: db}

	b.logger.Info("📦 Database opened: %s", dbPath)
	return b, nil
}

func (b *Backend) Homes() store.HomeStore                     { return b.homes }
func (b *Backend) Transitions() store.TransitionStore         { return b.transitions }
func (b *Backend) Audit() store.AuditStore                    { return b.audit }
func (b *Backend) Channels() store.ChannelStore               { return b.channels }
func (b *Backend) ChannelMessages() store.ChannelMessageStore { return b.messages }
func (b *Backend) Bridges() store.BridgeStore                 { return b.bridges }
func (b *Backend) AgentLoops() store.AgentLoopStore           { return b.loops }
func (b *Backend) Assignments() store.AssignmentStore         { return b.assignments }
func (b *Backend) Tickets() store.TicketStore                 { return b.tickets }

// Close closes the underlying database handle.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Migrate brings the schema to CurrentSchemaVersion. Idempotent.
func (b *Backend) Migrate(ctx context.Context) error {
	current, err := b.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current == CurrentSchemaVersion {
		return nil
	}
	if current == 0 {
		if err := b.createSchema(ctx); err != nil {
			return err
		}
		return b.setSchemaVersion(ctx, CurrentSchemaVersion)
	}
	return fmt.Errorf("unknown schema version %d (current is %d)", current, CurrentSchemaVersion)
}

func (b *Backend) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := b.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("pragma user_version: %w", err)
	}
	return version, nil
}

func (b *Backend) setSchemaVersion(ctx context.Context, version int) error {
	// PRAGMA does not accept bind parameters.
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (b *Backend) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS homes (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			lease_expires_at TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_agent ON homes(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_node ON homes(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_state ON homes(state)`,

		`CREATE TABLE IF NOT EXISTS home_transitions (
			home_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_home ON home_transitions(home_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			home_id TEXT,
			action TEXT NOT NULL,
			level TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_level ON audit_entries(level)`,

		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			members TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_name ON channels(name)`,

		`CREATE TABLE IF NOT EXISTS channel_messages (
			channel_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			PRIMARY KEY (channel_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS bridges (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			external_channel_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			webhook_url TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bridges_channel ON bridges(channel_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bridges_active_external
			ON bridges(platform, external_channel_id) WHERE active = 1`,

		`CREATE TABLE IF NOT EXISTS agent_loops (
			agent_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_tick_at TEXT NOT NULL,
			awakened_at TEXT NOT NULL,
			slept_at TEXT,
			sleep_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_loops_state ON agent_loops(state)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			agent_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			assigned_at TEXT NOT NULL,
			portable_path TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS migration_tickets (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			source_node TEXT NOT NULL,
			source_home TEXT NOT NULL,
			source_endpoint TEXT NOT NULL,
			target_node TEXT NOT NULL,
			target_home TEXT NOT NULL,
			target_endpoint TEXT NOT NULL,
			phase TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_agent ON migration_tickets(agent_id, phase)`,
	}

	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	b.logger.Info("Schema initialized at version %d", CurrentSchemaVersion)
	return nil
}

// Time columns are stored as RFC3339Nano strings in UTC.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
