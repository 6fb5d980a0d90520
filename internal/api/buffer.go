package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbryde/peerchat/pkg/room"
)

// BufferStore is the relay's offline message buffer: enough to answer
// poll requests from clients whose peers are all gone. Message content is
// stored exactly as relayed, so encrypted rooms never expose plaintext to
// the relay.
type BufferStore struct {
	db *sql.DB
}

// NewBufferStore wraps an open, migrated database.
func NewBufferStore(db *sql.DB) *BufferStore {
	return &BufferStore{db: db}
}

// EnsureRoom records a room the first time it is seen.
func (s *BufferStore) EnsureRoom(ctx context.Context, roomID string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, created_at) VALUES (@id, @created_at) ON CONFLICT DO NOTHING`,
		sql.Named("id", roomID), sql.Named("created_at", createdAt))
	if err != nil {
		return fmt.Errorf("ExecContext(insert room): %w", err)
	}
	return nil
}

// SaveMessage buffers one relayed message. Saving the same message twice
// is a no-op, matching the engine's idempotent merge rule.
func (s *BufferStore) SaveMessage(ctx context.Context, roomID string, m room.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO buffered_messages (id, room_id, channel_id, payload, created_at)
		 VALUES (@id, @room_id, @channel_id, @payload, @created_at) ON CONFLICT DO NOTHING`,
		sql.Named("id", m.ID), sql.Named("room_id", roomID),
		sql.Named("channel_id", m.ChannelID), sql.Named("payload", string(payload)),
		sql.Named("created_at", m.Timestamp))
	if err != nil {
		return fmt.Errorf("ExecContext(insert buffered_messages): %w", err)
	}
	return nil
}

// MessagesAfter returns up to limit buffered messages with an id greater
// than after, in id order. An empty after returns from the beginning.
func (s *BufferStore) MessagesAfter(ctx context.Context, roomID, after string, limit int) ([]room.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM buffered_messages
		 WHERE room_id = @room_id AND id > @after
		 ORDER BY id ASC LIMIT @limit`,
		sql.Named("room_id", roomID), sql.Named("after", after), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(buffered_messages): %w", err)
	}
	defer rows.Close()

	var out []room.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		var m room.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("unmarshal buffered message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Trim drops all but the newest keep messages for a room.
func (s *BufferStore) Trim(ctx context.Context, roomID string, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_messages
		 WHERE room_id = @room_id AND id NOT IN (
			SELECT id FROM buffered_messages
			WHERE room_id = @room_id ORDER BY id DESC LIMIT @keep)`,
		sql.Named("room_id", roomID), sql.Named("keep", keep))
	if err != nil {
		return fmt.Errorf("ExecContext(trim buffered_messages): %w", err)
	}
	return nil
}
