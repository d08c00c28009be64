package inbound

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// MessageResult counts what a message batch did.
type MessageResult struct {
	Inserted int
	Updated  int
	Removed  int
	Skipped  int
	Promoted int
}

// ApplyMessageBatch merges a batch of remote message documents. Records
// already stored locally are merged, new ones inserted. With effects set,
// new messages from other users are promoted to delivered, or to read when
// the chat is being viewed, and announced as arrivals. Malformed documents
// are skipped.
func (l *Listener) ApplyMessageBatch(ctx context.Context, b remote.Batch, effects bool) MessageResult {
	var res MessageResult

	incoming := make([]store.Message, 0, len(b.Added)+len(b.Modified))
	index := make(map[string]int)
	for _, doc := range append(append([]remote.Document{}, b.Added...), b.Modified...) {
		m, err := wire.DecodeMessage(doc)
		if err != nil {
			res.Skipped++
			l.logger.Warn("skipping malformed message", zap.String("key", doc.ID), zap.Error(err))
			continue
		}
		if i, ok := index[m.ID]; ok {
			incoming[i] = m
			continue
		}
		index[m.ID] = len(incoming)
		incoming = append(incoming, m)
	}

	ids := make([]string, len(incoming))
	for i := range incoming {
		ids[i] = incoming[i].ID
	}
	local, err := l.db.GetMessages(ctx, ids)
	if err != nil {
		l.logger.Warn("load local copies, using working set", zap.Error(err))
		local = make(map[string]store.Message)
		for _, m := range incoming {
			if cur, ok := l.set.Message(m.ChatID, m.ID); ok {
				local[m.ID] = cur
			}
		}
	}

	var (
		merged   []store.Message
		arrivals []Arrival
		readIn   = make(map[string]int)
	)
	for _, in := range incoming {
		cur, exists := local[in.ID]
		if in.DeletedForEveryone {
			if l.remove(ctx, in.ChatID, in.ID) {
				res.Removed++
			}
			continue
		}
		if exists {
			m := Merge(cur, in)
			if cur.SyncStatus != status.Synced {
				if err := l.db.Dequeue(ctx, m.ID); err != nil {
					l.logger.Warn("dequeue echoed message", zap.String("msg_id", m.ID), zap.Error(err))
				}
			}
			merged = append(merged, m)
			res.Updated++
			continue
		}

		m := in
		res.Inserted++
		if effects && m.SenderID != l.viewer {
			viewing := l.Viewing(m.ChatID)
			if l.promote(ctx, &m, status.Promotion(viewing)) {
				res.Promoted++
				if m.Status == status.Read {
					readIn[m.ChatID]++
				}
			}
			arrivals = append(arrivals, Arrival{Message: m.Clone(), Viewing: viewing})
		}
		merged = append(merged, m)
	}

	for i := range merged {
		_ = l.writer.PutMessage(ctx, &merged[i])
	}
	l.set.UpsertMessages(merged...)

	for _, key := range b.Removed {
		chatID, id, ok := wire.SplitMessageKey(key)
		if !ok {
			res.Skipped++
			continue
		}
		if l.remove(ctx, chatID, id) {
			res.Removed++
		}
	}

	for chatID, n := range readIn {
		l.readIn(chatID, n)
	}
	l.arrivals(arrivals)

	if res != (MessageResult{}) {
		l.logger.Debug("message batch applied",
			zap.Int("inserted", res.Inserted), zap.Int("updated", res.Updated),
			zap.Int("removed", res.Removed), zap.Int("skipped", res.Skipped),
			zap.Int("promoted", res.Promoted), zap.Bool("effects", effects))
	}
	return res
}

// promote moves m to target locally and remotely, once per message and
// status across redeliveries and restarts.
func (l *Listener) promote(ctx context.Context, m *store.Message, target status.Status) bool {
	next, changed := status.Merge(m.Status, target)
	if !changed {
		return false
	}
	claimed, err := l.ledger.Claim(ctx, m.ID, next)
	if err != nil {
		l.logger.Warn("promotion ledger", zap.String("msg_id", m.ID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	m.Status = next
	if _, err := l.remote.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.StatusFields(next)); err != nil {
		l.logger.Warn("push promoted status, deferring",
			zap.String("msg_id", m.ID), zap.String("status", string(next)), zap.Error(err))
		if err := l.ledger.DeferStatus(ctx, Receipt{ChatID: m.ChatID, MessageID: m.ID, Status: next}); err != nil {
			l.logger.Warn("defer promoted status", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	return true
}

// remove hard-deletes a message locally. It reports whether the message was
// known.
func (l *Listener) remove(ctx context.Context, chatID, id string) bool {
	cur, err := l.db.GetMessage(ctx, id)
	if err != nil {
		l.logger.Warn("load removed message", zap.String("msg_id", id), zap.Error(err))
	}
	if err := l.db.DeleteMessage(ctx, id); err != nil {
		l.logger.Warn("delete message", zap.String("msg_id", id), zap.Error(err))
	}
	_, held := l.set.Message(chatID, id)
	if cur == nil && !held {
		return false
	}
	l.set.RemoveMessage(chatID, id)
	return true
}
