package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveScroll stores the reading position of a chat.
func (db *DB) SaveScroll(ctx context.Context, p *ScrollPosition) error {
	p.UpdatedAt = time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO scroll_positions (chat_id, last_read_message_id, anchor_message_id, anchor_offset, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			anchor_message_id = excluded.anchor_message_id,
			anchor_offset = excluded.anchor_offset,
			updated_at = excluded.updated_at`,
		p.ChatID, p.LastReadMessageID, p.AnchorMessageID, p.AnchorOffset, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save scroll %s: %w", p.ChatID, err)
	}
	return nil
}

// GetScroll returns the reading position of a chat, or nil if none was saved.
func (db *DB) GetScroll(ctx context.Context, chatID string) (*ScrollPosition, error) {
	var p ScrollPosition
	err := db.QueryRowContext(ctx, `
		SELECT chat_id, last_read_message_id, anchor_message_id, anchor_offset, updated_at
		FROM scroll_positions WHERE chat_id = ?`, chatID).
		Scan(&p.ChatID, &p.LastReadMessageID, &p.AnchorMessageID, &p.AnchorOffset, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scroll %s: %w", chatID, err)
	}
	return &p, nil
}
