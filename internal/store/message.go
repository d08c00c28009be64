package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

const messageColumns = `id, chat_id, sender_id, text, has_media, media_url, media_thumbnail_url,
	media_caption, media_mime_type, media_local_path, timestamp, server_timestamp,
	status, sync_status, reactions, deleted_for, deleted_for_everyone, deleted_at,
	annotations, last_error, updated_at`

// UpsertMessage inserts or replaces a message, idempotent on id. Merging with
// the stored copy is the caller's job.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	return upsertMessage(ctx, db.DB, m)
}

// UpsertMessages writes a batch in one transaction.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	return db.InTx(ctx, func(tx *Tx) error {
		for i := range msgs {
			if err := tx.UpsertMessage(ctx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, e execer, m *Message) error {
	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return err
	}
	deletedFor, err := encodeIDs(m.DeletedFor)
	if err != nil {
		return err
	}
	annotations, err := encodeAnnotations(m.Annotations)
	if err != nil {
		return err
	}
	var media Media
	if m.Media != nil {
		media = *m.Media
	}
	now := time.Now().UnixMilli()
	m.UpdatedAt = now
	_, err = e.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			sender_id = excluded.sender_id,
			text = excluded.text,
			has_media = excluded.has_media,
			media_url = excluded.media_url,
			media_thumbnail_url = excluded.media_thumbnail_url,
			media_caption = excluded.media_caption,
			media_mime_type = excluded.media_mime_type,
			media_local_path = excluded.media_local_path,
			timestamp = excluded.timestamp,
			server_timestamp = excluded.server_timestamp,
			status = excluded.status,
			sync_status = excluded.sync_status,
			reactions = excluded.reactions,
			deleted_for = excluded.deleted_for,
			deleted_for_everyone = excluded.deleted_for_everyone,
			deleted_at = excluded.deleted_at,
			annotations = excluded.annotations,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		m.ID, m.ChatID, m.SenderID, m.Text, m.Media != nil, media.URL, media.ThumbnailURL,
		media.Caption, media.MimeType, media.LocalPath, m.Timestamp, m.ServerTimestamp,
		string(m.Status), string(m.SyncStatus), reactions, deletedFor, m.DeletedForEveryone, m.DeletedAt,
		annotations, m.LastError, now, now)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (Message, error) {
	var (
		m                                  Message
		hasMedia                           bool
		media                              Media
		st, sync                           string
		reactions, deletedFor, annotations string
	)
	if err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &hasMedia, &media.URL, &media.ThumbnailURL,
		&media.Caption, &media.MimeType, &media.LocalPath, &m.Timestamp, &m.ServerTimestamp,
		&st, &sync, &reactions, &deletedFor, &m.DeletedForEveryone, &m.DeletedAt,
		&annotations, &m.LastError, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	if hasMedia {
		m.Media = &media
	}
	m.Status = status.Status(st)
	m.SyncStatus = status.Sync(sync)
	var err error
	if m.Reactions, err = decodeReactions(reactions); err != nil {
		return Message{}, err
	}
	if m.DeletedFor, err = decodeIDs(deletedFor); err != nil {
		return Message{}, err
	}
	if m.Annotations, err = decodeAnnotations(annotations); err != nil {
		return Message{}, err
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by id, or nil if it is not stored.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

// GetMessages returns the stored subset of ids keyed by id.
func (db *DB) GetMessages(ctx context.Context, ids []string) (map[string]Message, error) {
	found := make(map[string]Message, len(ids))
	for chunk := range slices.Chunk(ids, 500) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("get messages: %w", err)
		}
		msgs, err := collectMessages(rows)
		if err != nil {
			return nil, fmt.Errorf("get messages: %w", err)
		}
		for _, m := range msgs {
			found[m.ID] = m
		}
	}
	return found, nil
}

// LastMessages returns the newest n messages of a chat in ascending order.
func (db *DB) LastMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("last messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("last messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MessagesBefore returns up to limit messages strictly older than the
// (ts, id) cursor, in ascending order.
func (db *DB) MessagesBefore(ctx context.Context, chatID string, ts int64, id string, limit int) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, ts, ts, id, limit)
	if err != nil {
		return nil, fmt.Errorf("messages before: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("messages before: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MessagesAfter returns up to limit messages strictly newer than the
// (ts, id) cursor, in ascending order.
func (db *DB) MessagesAfter(ctx context.Context, chatID string, ts int64, id string, limit int) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, chatID, ts, ts, id, limit)
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	return msgs, nil
}

// MessagesAround returns about n messages centred on anchorID, ascending. It
// falls back to LastMessages when the anchor is unknown.
func (db *DB) MessagesAround(ctx context.Context, chatID, anchorID string, n int) ([]Message, error) {
	anchor, err := db.GetMessage(ctx, anchorID)
	if err != nil {
		return nil, err
	}
	if anchor == nil || anchor.ChatID != chatID {
		return db.LastMessages(ctx, chatID, n)
	}
	half := n / 2
	before, err := db.MessagesBefore(ctx, chatID, anchor.Timestamp, anchor.ID, half)
	if err != nil {
		return nil, err
	}
	after, err := db.MessagesAfter(ctx, chatID, anchor.Timestamp, anchor.ID, n-half-1)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(before)+1+len(after))
	out = append(out, before...)
	out = append(out, *anchor)
	return append(out, after...), nil
}

// PendingMessages returns messages awaiting delivery in FIFO order of their
// client timestamp: every pending message plus failed ones marked for a
// manual retry.
func (db *DB) PendingMessages(ctx context.Context) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+prefixed("m", messageColumns)+` FROM messages m
		LEFT JOIN outbound_queue q ON q.message_id = m.id
		WHERE m.sync_status = ? OR (m.sync_status = ? AND q.manual_retry = 1)
		ORDER BY m.timestamp ASC, m.id ASC`, string(status.Pending), string(status.SyncFailed))
	if err != nil {
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	return msgs, nil
}

// UnreadFrom returns the messages of a chat sent by someone other than viewer
// that have not reached read, oldest first.
func (db *DB) UnreadFrom(ctx context.Context, chatID, viewer string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND sender_id != ? AND status IN (?, ?)
		ORDER BY timestamp ASC, id ASC`, chatID, viewer, string(status.Sent), string(status.Delivered))
	if err != nil {
		return nil, fmt.Errorf("unread messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("unread messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of stored messages of a chat, or of all
// chats when chatID is empty.
func (db *DB) CountMessages(ctx context.Context, chatID string) (int, error) {
	q := `SELECT COUNT(*) FROM messages`
	var args []any
	if chatID != "" {
		q += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	var n int
	if err := db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// CountBySync returns the number of messages per sync status.
func (db *DB) CountBySync(ctx context.Context) (map[status.Sync]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM messages GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count by sync: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := map[status.Sync]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[status.Sync(s)] = n
	}
	return counts, rows.Err()
}

// DeleteMessage hard-deletes a message and its queue marker.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM outbound_queue WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("delete marker %s: %w", id, err)
		}
		return nil
	})
}

// SetAnnotation sets a single device-local annotation on a message.
func (db *DB) SetAnnotation(ctx context.Context, id, key, value string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		var raw string
		err := tx.tx.QueryRowContext(ctx, `SELECT annotations FROM messages WHERE id = ?`, id).Scan(&raw)
		if err != nil {
			return fmt.Errorf("annotate %s: %w", id, err)
		}
		a, err := decodeAnnotations(raw)
		if err != nil {
			return err
		}
		a[key] = value
		enc, err := encodeAnnotations(a)
		if err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `UPDATE messages SET annotations = ?, updated_at = ? WHERE id = ?`,
			enc, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("annotate %s: %w", id, err)
		}
		return nil
	})
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
