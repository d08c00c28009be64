// Package receipts reconciles read receipts and the per-chat unread counter
// between the optimistic local view and the remote counters.
package receipts

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/inbound"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/zap"
)

// Deps groups the collaborators of a Reconciler.
type Deps struct {
	Writer *store.Writer
	Remote remote.Store
	Set    *workset.Set
	Ledger *inbound.Ledger
	Logger *zap.Logger
	Viewer string
}

// Reconciler marks chats read and applies pushed unread counts.
type Reconciler struct {
	db     *store.DB
	writer *store.Writer
	remote remote.Store
	set    *workset.Set
	ledger *inbound.Ledger
	logger *zap.Logger
	viewer string

	mu sync.Mutex
	// resets holds, per chat, the counter revision our last reset produced.
	resets map[string]uint64

	replayMu sync.Mutex
}

// New creates a reconciler.
func New(d Deps) *Reconciler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = inbound.NewLedger(d.Writer.DB())
	}
	return &Reconciler{
		db:     d.Writer.DB(),
		writer: d.Writer,
		remote: d.Remote,
		set:    d.Set,
		ledger: d.Ledger,
		logger: d.Logger,
		viewer: d.Viewer,
		resets: make(map[string]uint64),
	}
}

// ReadResult reports what MarkRead did.
type ReadResult struct {
	Promoted int
	// Unread is the count after reconciliation. It is non-zero when messages
	// arrived while the chat was being marked read.
	Unread int
}

// MarkRead zeroes the chat's unread count locally, promotes every unread
// message from others to read locally and remotely, moves the summary status
// to read when the last message is someone else's, and takes the counted
// messages off the remote counter.
func (r *Reconciler) MarkRead(ctx context.Context, chatID string) (ReadResult, error) {
	chat, err := r.db.GetChat(ctx, chatID)
	if err != nil {
		return ReadResult{}, errs.Storage("load chat", err)
	}
	if chat == nil {
		return ReadResult{}, errs.ErrUnknownChat
	}
	seen := chat.UnreadCount
	r.setLocal(ctx, chatID, 0)

	unread, err := r.db.UnreadFrom(ctx, chatID, r.viewer)
	if err != nil {
		r.logger.Warn("load unread messages", zap.String("chat_id", chatID), zap.Error(err))
	}
	promoted := r.promoteAll(ctx, unread)

	if s := chat.LastMessage; s != nil && s.SenderID != r.viewer && s.Status != status.Read {
		if _, err := r.remote.Write(ctx, wire.Chats, chatID, wire.SummaryStatusFields(status.Read)); err != nil {
			r.logger.Warn("push summary read, deferring", zap.String("chat_id", chatID), zap.Error(err))
			rec := inbound.Receipt{ChatID: chatID, MessageID: s.MessageID, Status: status.Read}
			if err := r.ledger.DeferSummary(ctx, rec); err != nil {
				r.logger.Warn("defer summary read", zap.String("chat_id", chatID), zap.Error(err))
			}
		}
		sum := *s
		sum.Status = status.Read
		if applied, err := r.db.SetSummary(ctx, chatID, &sum); err != nil {
			r.logger.Warn("set summary read", zap.String("chat_id", chatID), zap.Error(err))
		} else if applied {
			r.refreshChat(ctx, chatID)
		}
	}

	left := r.reset(ctx, chatID, max(seen, promoted))
	r.logger.Info("chat marked read",
		zap.String("chat_id", chatID), zap.Int("promoted", promoted), zap.Int("unread", left))
	return ReadResult{Promoted: promoted, Unread: left}, nil
}

// Absorb takes n messages that were read on arrival off the remote counter.
func (r *Reconciler) Absorb(ctx context.Context, chatID string, n int) {
	if n <= 0 {
		return
	}
	r.reset(ctx, chatID, n)
}

// ApplyRemote applies an unread count pushed by the remote store. Pushes
// older than our own last reset are ignored, and so are pushes for a chat
// whose reset has not reached the remote yet. Other pushes win when they
// differ from the local count.
func (r *Reconciler) ApplyRemote(ctx context.Context, chatID string, n int, revision uint64) {
	if owed, err := r.ledger.PendingReset(ctx, chatID); err == nil && owed > 0 {
		r.logger.Debug("ignoring unread push until reset replays",
			zap.String("chat_id", chatID), zap.Int("pushed", n), zap.Int("owed", owed))
		return
	}
	r.mu.Lock()
	floor, ok := r.resets[chatID]
	r.mu.Unlock()
	if ok && revision != 0 && revision < floor {
		r.logger.Debug("ignoring unread push older than reset",
			zap.String("chat_id", chatID), zap.Uint64("revision", revision), zap.Uint64("reset", floor))
		return
	}
	chat, err := r.db.GetChat(ctx, chatID)
	if err != nil || chat == nil || chat.UnreadCount == n {
		return
	}
	r.setLocal(ctx, chatID, n)
}

// reset subtracts n from the viewer's remote counter and adopts the result,
// which keeps increments that raced with the read.
func (r *Reconciler) reset(ctx context.Context, chatID string, n int) int {
	if n <= 0 {
		return 0
	}
	value, rev, err := r.remote.IncrementCounter(ctx, wire.UnreadCounter(chatID, r.viewer), -int64(n))
	if err != nil {
		r.logger.Warn("reset remote unread, deferring", zap.String("chat_id", chatID), zap.Error(err))
		if err := r.ledger.DeferReset(ctx, chatID, n); err != nil {
			r.logger.Warn("defer unread reset", zap.String("chat_id", chatID), zap.Error(err))
		}
		return 0
	}
	r.noteReset(chatID, rev)
	if value > 0 {
		r.setLocal(ctx, chatID, int(value))
	}
	return int(value)
}

func (r *Reconciler) noteReset(chatID string, rev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rev > r.resets[chatID] {
		r.resets[chatID] = rev
	}
}

// Replay pushes the receipts and counter resets that failed earlier. It
// stops at the first remote failure and leaves the rest for the next call.
// It returns how many deferred writes reached the remote.
func (r *Reconciler) Replay(ctx context.Context) (int, error) {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()

	d, err := r.ledger.Deferred(ctx)
	if err != nil {
		return 0, errs.Storage("load deferred receipts", err)
	}
	if d.Empty() {
		return 0, nil
	}

	done := 0
	for _, rec := range d.Statuses {
		if _, err := r.remote.Write(ctx, wire.Messages, wire.MessageKey(rec.ChatID, rec.MessageID), wire.StatusFields(rec.Status)); err != nil {
			return done, err
		}
		if err := r.ledger.AckStatus(ctx, rec); err != nil {
			r.logger.Warn("ack status replay", zap.String("msg_id", rec.MessageID), zap.Error(err))
		}
		done++
	}

	for _, rec := range d.Summaries {
		// A newer last message makes the deferred summary status moot.
		chat, err := r.db.GetChat(ctx, rec.ChatID)
		if err == nil && (chat == nil || chat.LastMessage == nil || chat.LastMessage.MessageID != rec.MessageID) {
			_ = r.ledger.AckSummary(ctx, rec)
			continue
		}
		if _, err := r.remote.Write(ctx, wire.Chats, rec.ChatID, wire.SummaryStatusFields(rec.Status)); err != nil {
			return done, err
		}
		if err := r.ledger.AckSummary(ctx, rec); err != nil {
			r.logger.Warn("ack summary replay", zap.String("chat_id", rec.ChatID), zap.Error(err))
		}
		done++
	}

	for chatID, n := range d.Resets {
		value, rev, err := r.remote.IncrementCounter(ctx, wire.UnreadCounter(chatID, r.viewer), -int64(n))
		if err != nil {
			return done, err
		}
		if err := r.ledger.AckReset(ctx, chatID, n); err != nil {
			r.logger.Warn("ack reset replay", zap.String("chat_id", chatID), zap.Error(err))
		}
		r.noteReset(chatID, rev)
		// Pushes skipped while the reset was owed may have left a stale count.
		r.setLocal(ctx, chatID, int(value))
		done++
	}

	r.logger.Info("deferred receipts replayed", zap.Int("writes", done))
	return done, nil
}

func (r *Reconciler) promoteAll(ctx context.Context, msgs []store.Message) int {
	var promoted []store.Message
	for _, m := range msgs {
		next, changed := status.Merge(m.Status, status.Read)
		if !changed {
			continue
		}
		claimed, err := r.ledger.Claim(ctx, m.ID, next)
		if err != nil {
			r.logger.Warn("promotion ledger", zap.String("msg_id", m.ID), zap.Error(err))
			continue
		}
		m.Status = next
		if claimed {
			if _, err := r.remote.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.StatusFields(next)); err != nil {
				r.logger.Warn("push read status, deferring", zap.String("msg_id", m.ID), zap.Error(err))
				rec := inbound.Receipt{ChatID: m.ChatID, MessageID: m.ID, Status: next}
				if err := r.ledger.DeferStatus(ctx, rec); err != nil {
					r.logger.Warn("defer read status", zap.String("msg_id", m.ID), zap.Error(err))
				}
			}
		}
		_ = r.writer.PutMessage(ctx, &m)
		promoted = append(promoted, m)
	}
	r.set.UpsertMessages(promoted...)
	return len(promoted)
}

func (r *Reconciler) setLocal(ctx context.Context, chatID string, n int) {
	if err := r.db.SetUnread(ctx, chatID, n); err != nil {
		r.logger.Warn("set unread", zap.String("chat_id", chatID), zap.Error(err))
	}
	r.set.SetUnread(chatID, n)
}

func (r *Reconciler) refreshChat(ctx context.Context, chatID string) {
	if c, err := r.db.GetChat(ctx, chatID); err == nil && c != nil {
		r.set.UpsertChats(*c)
	}
}
