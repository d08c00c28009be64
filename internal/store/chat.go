package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

const chatColumns = `id, type, participants, name, description, icon_url, admin_id, invite_code,
	last_message_id, last_message_text, last_message_sender, last_message_status, last_message_at,
	unread_count, updated_at`

// UpsertChat inserts or replaces a chat record.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	return upsertChat(ctx, db.DB, c)
}

func upsertChat(ctx context.Context, e execer, c *Chat) error {
	participants, err := encodeIDs(c.Participants)
	if err != nil {
		return err
	}
	var s Summary
	if c.LastMessage != nil {
		s = *c.LastMessage
	}
	if c.Type == "" {
		c.Type = Direct
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = time.Now().UnixMilli()
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			participants = excluded.participants,
			name = excluded.name,
			description = excluded.description,
			icon_url = excluded.icon_url,
			admin_id = excluded.admin_id,
			invite_code = excluded.invite_code,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_status = excluded.last_message_status,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), participants, c.Name, c.Description, c.IconURL, c.AdminID, c.InviteCode,
		s.MessageID, s.Text, s.SenderID, string(s.Status), s.Timestamp,
		c.UnreadCount, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ID, err)
	}
	return nil
}

func scanChat(s rowScanner) (Chat, error) {
	var (
		c            Chat
		typ          string
		participants string
		sum          Summary
		st           string
	)
	if err := s.Scan(&c.ID, &typ, &participants, &c.Name, &c.Description, &c.IconURL, &c.AdminID, &c.InviteCode,
		&sum.MessageID, &sum.Text, &sum.SenderID, &st, &sum.Timestamp,
		&c.UnreadCount, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	c.Type = ChatType(typ)
	var err error
	if c.Participants, err = decodeIDs(participants); err != nil {
		return Chat{}, err
	}
	if sum.MessageID != "" {
		sum.Status = status.Status(st)
		c.LastMessage = &sum
	}
	return c, nil
}

// GetChat returns a chat by id, or nil if it is not stored.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChat(db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// statusRank mirrors status.Rank for a column holding a status string.
func statusRank(col string) string {
	return `CASE ` + col + `
		WHEN 'sending' THEN 0 WHEN 'failed' THEN 0
		WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3
		ELSE -1 END`
}

// SetSummary replaces the chat's last-message summary unless the stored one
// is newer. A summary of the same message never lowers its status. It reports
// whether the summary was applied. A missing chat row is created.
func (db *DB) SetSummary(ctx context.Context, chatID string, s *Summary) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO chats (id, last_message_id, last_message_text, last_message_sender, last_message_status, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_status = excluded.last_message_status,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
		WHERE chats.last_message_at < excluded.last_message_at
			OR (chats.last_message_at = excluded.last_message_at
				AND (chats.last_message_id != excluded.last_message_id
					OR `+statusRank("excluded.last_message_status")+` >= `+statusRank("chats.last_message_status")+`))`,
		chatID, s.MessageID, s.Text, s.SenderID, string(s.Status), s.Timestamp, now)
	if err != nil {
		return false, fmt.Errorf("set summary %s: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetUnread stores the unread count of a chat. Negative counts clamp to zero.
func (db *DB) SetUnread(ctx context.Context, chatID string, n int) error {
	if n < 0 {
		n = 0
	}
	_, err := db.ExecContext(ctx, `UPDATE chats SET unread_count = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UnixMilli(), chatID)
	if err != nil {
		return fmt.Errorf("set unread %s: %w", chatID, err)
	}
	return nil
}

// DeleteChat removes a chat with its messages, queue markers and scroll
// position.
func (db *DB) DeleteChat(ctx context.Context, chatID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM outbound_queue WHERE chat_id = ?`,
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM scroll_positions WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.tx.ExecContext(ctx, q, chatID); err != nil {
				return fmt.Errorf("delete chat %s: %w", chatID, err)
			}
		}
		return nil
	})
}

// CountChats returns the number of stored chats.
func (db *DB) CountChats(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}
