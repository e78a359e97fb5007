package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flock/pkg/store"
)

type channelStore struct {
	db *sql.DB
}

func (s *channelStore) Insert(ctx context.Context, ch *store.Channel) error {
	members, err := json.Marshal(ch.Members)
	if err != nil {
		return fmt.Errorf("marshal channel members: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, topic, created_by, members, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.Topic, ch.CreatedBy, string(members),
		boolToInt(ch.Archived), formatTime(ch.CreatedAt), formatTime(ch.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("channel %s: %w", ch.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *channelStore) Update(ctx context.Context, channelID string, update store.ChannelUpdate) (*store.Channel, error) {
	current, err := s.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}

	if update.Topic != nil {
		current.Topic = *update.Topic
	}
	if update.Members != nil {
		current.Members = append([]string(nil), (*update.Members)...)
	}
	if update.Archived != nil {
		current.Archived = *update.Archived
	}
	current.UpdatedAt = time.Now().UTC()

	members, err := json.Marshal(current.Members)
	if err != nil {
		return nil, fmt.Errorf("marshal channel members: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE channels SET topic = ?, members = ?, archived = ?, updated_at = ? WHERE id = ?`,
		current.Topic, string(members), boolToInt(current.Archived),
		formatTime(current.UpdatedAt), channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("update channel %s: %w", channelID, err)
	}
	return current, nil
}

const channelColumns = "id, name, topic, created_by, members, archived, created_at, updated_at"

func scanChannel(row interface{ Scan(...any) error }) (*store.Channel, error) {
	var ch store.Channel
	var members, createdAt, updatedAt string
	var archived int
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.CreatedBy, &members, &archived, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ch.Archived = archived != 0
	ch.CreatedAt = parseTime(createdAt)
	ch.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(members), &ch.Members); err != nil {
		return nil, fmt.Errorf("unmarshal channel members: %w", err)
	}
	return &ch, nil
}

func (s *channelStore) Get(ctx context.Context, channelID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return ch, nil
}

func (s *channelStore) List(ctx context.Context, filter store.ChannelFilter) ([]*store.Channel, error) {
	query := "SELECT " + channelColumns + " FROM channels WHERE 1=1"
	var args []any
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Archived != nil {
		query += " AND archived = ?"
		args = append(args, boolToInt(*filter.Archived))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		// Member filtering happens after the JSON column is decoded.
		if filter.Member != "" {
			found := false
			for _, m := range ch.Members {
				if m == filter.Member {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, ch)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

func (s *channelStore) Delete(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", channelID)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type messageStore struct {
	db *sql.DB
}

// Append assigns the next sequence number and inserts in one transaction.
// The backend runs with a single writer connection, so MAX(seq)+1 cannot
// race with another append.
func (s *messageStore) Append(ctx context.Context, msg *store.ChannelMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM channel_messages WHERE channel_id = ?",
		msg.ChannelID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq for %s: %w", msg.ChannelID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_messages (channel_id, seq, agent_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ChannelID, seq, msg.AgentID, msg.Content, formatTime(msg.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", msg.ChannelID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append to %s: %w", msg.ChannelID, err)
	}
	msg.Seq = seq
	return seq, nil
}

func (s *messageStore) List(ctx context.Context, filter store.MessageFilter) ([]*store.ChannelMessage, error) {
	query := "SELECT channel_id, seq, agent_id, content, timestamp FROM channel_messages WHERE channel_id = ? AND seq > ? ORDER BY seq"
	args := []any{filter.ChannelID, filter.SinceSeq}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.ChannelMessage
	for rows.Next() {
		var msg store.ChannelMessage
		var ts string
		if err := rows.Scan(&msg.ChannelID, &msg.Seq, &msg.AgentID, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = parseTime(ts)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *messageStore) Count(ctx context.Context, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM channel_messages WHERE channel_id = ?", channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *messageStore) LastSeq(ctx context.Context, channelID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM channel_messages WHERE channel_id = ?", channelID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

type bridgeStore struct {
	db *sql.DB
}

func (s *bridgeStore) Insert(ctx context.Context, bridge *store.Bridge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridges (id, channel_id, platform, external_channel_id, active, webhook_url, account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bridge.ID, bridge.ChannelID, bridge.Platform, bridge.ExternalChannelID,
		boolToInt(bridge.Active), bridge.WebhookURL, bridge.AccountID,
		formatTime(bridge.CreatedAt), formatTime(bridge.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bridge %s: %w", bridge.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert bridge %s: %w", bridge.ID, err)
	}
	return nil
}

func (s *bridgeStore) Update(ctx context.Context, bridgeID string, update store.BridgeUpdate) (*store.Bridge, error) {
	current, err := s.Get(ctx, bridgeID)
	if err != nil {
		return nil, err
	}

	if update.Active != nil {
		current.Active = *update.Active
	}
	if update.WebhookURL != nil {
		current.WebhookURL = *update.WebhookURL
	}
	if update.AccountID != nil {
		current.AccountID = *update.AccountID
	}
	current.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE bridges SET active = ?, webhook_url = ?, account_id = ?, updated_at = ? WHERE id = ?`,
		boolToInt(current.Active), current.WebhookURL, current.AccountID,
		formatTime(current.UpdatedAt), bridgeID,
	)
	if err != nil {
		return nil, fmt.Errorf("update bridge %s: %w", bridgeID, err)
	}
	return current, nil
}

const bridgeColumns = "id, channel_id, platform, external_channel_id, active, webhook_url, account_id, created_at, updated_at"

func scanBridge(row interface{ Scan(...any) error }) (*store.Bridge, error) {
	var bridge store.Bridge
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&bridge.ID, &bridge.ChannelID, &bridge.Platform, &bridge.ExternalChannelID,
		&active, &bridge.WebhookURL, &bridge.AccountID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	bridge.Active = active != 0
	bridge.CreatedAt = parseTime(createdAt)
	bridge.UpdatedAt = parseTime(updatedAt)
	return &bridge, nil
}

func (s *bridgeStore) Get(ctx context.Context, bridgeID string) (*store.Bridge, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bridgeColumns+" FROM bridges WHERE id = ?", bridgeID)
	bridge, err := scanBridge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bridge %s: %w", bridgeID, err)
	}
	return bridge, nil
}

func (s *bridgeStore) List(ctx context.Context, filter store.BridgeFilter) ([]*store.Bridge, error) {
	query := "SELECT " + bridgeColumns + " FROM bridges WHERE 1=1"
	var args []any
	if filter.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, filter.ChannelID)
	}
	if filter.Platform != "" {
		query += " AND platform = ?"
		args = append(args, filter.Platform)
	}
	if filter.ExternalChannelID != "" {
		query += " AND external_channel_id = ?"
		args = append(args, filter.ExternalChannelID)
	}
	if filter.Active != nil {
		query += " AND active = ?"
		args = append(args, boolToInt(*filter.Active))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bridges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Bridge
	for rows.Next() {
		bridge, err := scanBridge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bridge: %w", err)
		}
		out = append(out, bridge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bridges: %w", err)
	}
	return out, nil
}

func (s *bridgeStore) Delete(ctx context.Context, bridgeID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM bridges WHERE id = ?", bridgeID)
	if err != nil {
		return fmt.Errorf("delete bridge %s: %w", bridgeID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("bridge %s: %w", bridgeID, store.ErrNotFound)
	}
	return nil
}
