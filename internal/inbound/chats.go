package inbound

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ChatResult counts what a chat batch did.
type ChatResult struct {
	Upserted int
	Removed  int
	Skipped  int
	Stale    int
}

// ApplyChatBatch merges a batch of remote chat documents. Chat metadata is
// replaced, summaries older than the stored one are dropped, and chats the
// viewer no longer belongs to are removed locally. With effects set, a new
// summary from another user in a chat that is not open counts as an arrival
// and its message is promoted to delivered.
func (l *Listener) ApplyChatBatch(ctx context.Context, b remote.Batch, effects bool) ChatResult {
	var (
		res      ChatResult
		updated  []store.Chat
		arrivals []Arrival
	)
	for _, doc := range append(append([]remote.Document{}, b.Added...), b.Modified...) {
		d, err := wire.DecodeChat(doc)
		if err != nil {
			res.Skipped++
			l.logger.Warn("skipping malformed chat", zap.String("chat_id", doc.ID), zap.Error(err))
			continue
		}
		incoming := d.Chat(l.viewer)
		if !incoming.HasParticipant(l.viewer) {
			if l.removeChat(ctx, incoming.ID) {
				res.Removed++
			}
			continue
		}

		cur, err := l.db.GetChat(ctx, incoming.ID)
		if err != nil {
			l.logger.Warn("load local chat", zap.String("chat_id", incoming.ID), zap.Error(err))
		}
		meta := incoming.Clone()
		meta.LastMessage = nil
		meta.UnreadCount = 0
		if cur != nil {
			meta.LastMessage = cur.Clone().LastMessage
			meta.UnreadCount = cur.UnreadCount
		}
		_ = l.writer.PutChat(ctx, &meta)

		if s := incoming.LastMessage; s != nil {
			applied, err := l.db.SetSummary(ctx, incoming.ID, s)
			switch {
			case err != nil:
				l.logger.Warn("set chat summary", zap.String("chat_id", incoming.ID), zap.Error(err))
			case !applied:
				res.Stale++
				l.logger.Debug("dropping stale summary",
					zap.String("chat_id", incoming.ID), zap.Int64("timestamp", s.Timestamp))
			case effects && isNewSummary(cur, s) && s.SenderID != l.viewer && !l.Viewing(incoming.ID):
				if a, ok := l.summaryArrival(ctx, incoming.ID, s); ok {
					arrivals = append(arrivals, a)
				}
			}
		}

		l.mu.Lock()
		apply := l.unread
		l.mu.Unlock()
		apply(ctx, incoming.ID, incoming.UnreadCount, d.Revision)

		final := meta
		if c, err := l.db.GetChat(ctx, incoming.ID); err == nil && c != nil {
			final = *c
		}
		updated = append(updated, final)
		res.Upserted++
	}
	l.set.UpsertChats(updated...)

	for _, id := range b.Removed {
		if l.removeChat(ctx, id) {
			res.Removed++
		}
	}
	l.arrivals(arrivals)
	return res
}

func isNewSummary(cur *store.Chat, s *store.Summary) bool {
	return cur == nil || cur.LastMessage == nil || cur.LastMessage.MessageID != s.MessageID
}

// summaryArrival promotes the summarized message to delivered and returns
// the arrival to announce.
func (l *Listener) summaryArrival(ctx context.Context, chatID string, s *store.Summary) (Arrival, bool) {
	m := store.Message{
		ID:        s.MessageID,
		ChatID:    chatID,
		SenderID:  s.SenderID,
		Text:      s.Text,
		Timestamp: s.Timestamp,
		Status:    s.Status,
	}
	if l.promote(ctx, &m, status.Delivered) {
		if _, err := l.remote.Write(ctx, wire.Chats, chatID, wire.SummaryStatusFields(m.Status)); err != nil {
			l.logger.Warn("push summary status, deferring", zap.String("chat_id", chatID), zap.Error(err))
			if err := l.ledger.DeferSummary(ctx, Receipt{ChatID: chatID, MessageID: m.ID, Status: m.Status}); err != nil {
				l.logger.Warn("defer summary status", zap.String("chat_id", chatID), zap.Error(err))
			}
		}
		if _, err := l.db.SetSummary(ctx, chatID, store.SummaryOf(&m)); err != nil {
			l.logger.Warn("set chat summary", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	if claimed, ok, err := l.ledger.Claimed(ctx, m.ID); err == nil && ok && claimed.Rank() > status.Delivered.Rank() {
		// Already read on this device; nothing to announce.
		return Arrival{}, false
	}
	return Arrival{Message: m, FromSummary: true}, true
}

// removeChat drops a chat the viewer lost access to.
func (l *Listener) removeChat(ctx context.Context, chatID string) bool {
	cur, err := l.db.GetChat(ctx, chatID)
	if err != nil {
		l.logger.Warn("load removed chat", zap.String("chat_id", chatID), zap.Error(err))
	}
	_, held := l.set.Chat(chatID)
	if cur == nil && !held {
		return false
	}
	if err := l.db.DeleteChat(ctx, chatID); err != nil {
		l.logger.Warn("delete chat", zap.String("chat_id", chatID), zap.Error(err))
	}
	l.CloseChat(chatID)
	l.set.RemoveChat(chatID)
	l.logger.Info("chat removed", zap.String("chat_id", chatID))
	return true
}

// setUnread is the default UnreadFunc: take the pushed count when it differs.
func (l *Listener) setUnread(ctx context.Context, chatID string, n int, _ uint64) {
	cur, err := l.db.GetChat(ctx, chatID)
	if err != nil || cur == nil || cur.UnreadCount == n {
		return
	}
	if err := l.db.SetUnread(ctx, chatID, n); err != nil {
		l.logger.Warn("set unread", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	l.set.SetUnread(chatID, n)
}
