package store

import (
	"context"
	"fmt"
	"time"
)

// Enqueue records a queue marker for a message awaiting delivery. Re-enqueuing
// an existing marker keeps its attempt history.
func (db *DB) Enqueue(ctx context.Context, messageID, chatID string, at int64) error {
	return enqueue(ctx, db.DB, messageID, chatID, at)
}

func enqueue(ctx context.Context, e execer, messageID, chatID string, at int64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO outbound_queue (message_id, chat_id, enqueued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`, messageID, chatID, at)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", messageID, err)
	}
	return nil
}

// MarkInFlight flags a delivery attempt as started, creating the marker if
// the enqueue was lost.
func (db *DB) MarkInFlight(ctx context.Context, messageID, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbound_queue (message_id, chat_id, enqueued_at, attempts, in_flight, last_attempt_at)
		VALUES (?, ?, ?, 1, 1, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			in_flight = 1,
			attempts = attempts + 1,
			last_attempt_at = excluded.last_attempt_at`, messageID, chatID, now, now)
	if err != nil {
		return fmt.Errorf("mark in flight %s: %w", messageID, err)
	}
	return nil
}

// ClearInFlight flags a delivery attempt as finished without success. A
// pending manual retry is consumed.
func (db *DB) ClearInFlight(ctx context.Context, messageID string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbound_queue SET in_flight = 0, manual_retry = 0 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("clear in flight %s: %w", messageID, err)
	}
	return nil
}

// MarkManualRetry re-admits a failed message to the drain queue.
func (db *DB) MarkManualRetry(ctx context.Context, messageID, chatID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbound_queue (message_id, chat_id, enqueued_at, manual_retry)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(message_id) DO UPDATE SET manual_retry = 1, in_flight = 0`,
		messageID, chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark manual retry %s: %w", messageID, err)
	}
	return nil
}

// Dequeue drops the marker of a delivered message.
func (db *DB) Dequeue(ctx context.Context, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbound_queue WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", messageID, err)
	}
	return nil
}

// InFlight returns markers whose delivery attempt never finished, typically
// because the process died mid-send.
func (db *DB) InFlight(ctx context.Context) ([]QueueMarker, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, chat_id, enqueued_at, attempts, in_flight, manual_retry, last_attempt_at
		FROM outbound_queue WHERE in_flight = 1
		ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("in flight markers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var markers []QueueMarker
	for rows.Next() {
		var q QueueMarker
		if err := rows.Scan(&q.MessageID, &q.ChatID, &q.EnqueuedAt, &q.Attempts, &q.InFlight, &q.ManualRetry, &q.LastAttemptAt); err != nil {
			return nil, err
		}
		markers = append(markers, q)
	}
	return markers, rows.Err()
}
