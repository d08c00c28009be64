package outbox

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// errWentOffline stops a delivery without spending its attempts.
var errWentOffline = errors.New("connectivity lost")

// Drain replays every pending message in timestamp order, one at a time. Only
// one drain runs at once: a request arriving during a drain does not start a
// second one, it makes the running drain look for new work before it exits.
// It reports whether this call performed the drain.
func (p *Pipeline) Drain(ctx context.Context) (bus.DrainResult, bool) {
	if !p.draining.CompareAndSwap(false, true) {
		p.rerun.Store(true)
		return bus.DrainResult{}, false
	}
	var total bus.DrainResult
	for {
		p.rerun.Store(false)
		res := p.drainOnce(ctx)
		total.Delivered += res.Delivered
		total.Failed += res.Failed
		total.Remaining = res.Remaining
		p.draining.Store(false)
		if !p.rerun.Load() || !p.draining.CompareAndSwap(false, true) {
			break
		}
	}
	return total, true
}

// Draining reports whether a drain is in progress.
func (p *Pipeline) Draining() bool {
	return p.draining.Load()
}

func (p *Pipeline) drainOnce(ctx context.Context) bus.DrainResult {
	var res bus.DrainResult
	if p.writer.Flush(ctx) > 0 {
		p.logger.Warn("draining with unpersisted rows")
	}
	p.emit(bus.DrainStarted, nil)
	defer func() { p.emit(bus.DrainFinished, res) }()

	tried := make(map[string]bool)
	for {
		if !p.conn.Online() || ctx.Err() != nil {
			break
		}
		pending, err := p.db.PendingMessages(ctx)
		if err != nil {
			p.logger.Error("load pending messages", zap.Error(err))
			break
		}
		var batch []store.Message
		for _, m := range pending {
			if !tried[m.ID] {
				batch = append(batch, m)
			}
		}
		res.Remaining = len(pending)
		if len(batch) == 0 {
			break
		}
		p.logger.Info("draining outbound queue", zap.Int("pending", len(batch)))
		for i := range batch {
			m := &batch[i]
			tried[m.ID] = true
			err := p.deliver(ctx, m)
			switch {
			case err == nil:
				res.Delivered++
			case errors.Is(err, errWentOffline) || ctx.Err() != nil:
				p.logger.Info("drain paused", zap.String("msg_id", m.ID), zap.Error(err))
				res.Remaining = len(pending) - i
				return res
			default:
				res.Failed++
			}
		}
	}
	return res
}

// deliver runs up to the configured number of attempts for m. Exhausting them
// marks the message failed.
func (p *Pipeline) deliver(ctx context.Context, m *store.Message) error {
	var err error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if !p.conn.Online() {
			return p.interrupt(ctx, m, errWentOffline)
		}
		err = p.attempt(ctx, m)
		if err == nil {
			p.succeed(ctx, m)
			return nil
		}
		if ctx.Err() != nil {
			return p.interrupt(ctx, m, ctx.Err())
		}
		if !p.conn.Online() {
			return p.interrupt(ctx, m, errWentOffline)
		}
		p.logger.Warn("delivery attempt failed",
			zap.String("msg_id", m.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < p.cfg.Attempts {
			select {
			case <-time.After(p.cfg.Delay):
			case <-ctx.Done():
				return p.interrupt(ctx, m, ctx.Err())
			}
		}
	}
	if clearErr := p.db.ClearInFlight(ctx, m.ID); clearErr != nil {
		p.logger.Warn("clear in-flight marker", zap.String("msg_id", m.ID), zap.Error(clearErr))
	}
	p.fail(ctx, m, err.Error())
	return err
}

// interrupt leaves m pending for the next drain.
func (p *Pipeline) interrupt(ctx context.Context, m *store.Message, cause error) error {
	if err := p.db.ClearInFlight(context.WithoutCancel(ctx), m.ID); err != nil {
		p.logger.Warn("clear in-flight marker", zap.String("msg_id", m.ID), zap.Error(err))
	}
	return cause
}

// attempt uploads media if needed, then writes the envelope under the
// message id.
func (p *Pipeline) attempt(ctx context.Context, m *store.Message) error {
	if err := p.db.MarkInFlight(ctx, m.ID, m.ChatID); err != nil {
		p.logger.Warn("mark in flight", zap.String("msg_id", m.ID), zap.Error(err))
	}
	if m.IsMedia() && m.Media.URL == "" {
		data, err := os.ReadFile(m.Media.LocalPath)
		if err != nil {
			return errs.Wrap(errs.CodeInvalidArgument, "read media", err)
		}
		url, err := p.objects.Upload(ctx, mediaObjectName(m), data)
		if err != nil {
			return errs.Transient("upload media", err)
		}
		m.Media.URL = url
		if err := p.writer.PutMessage(ctx, m); err != nil {
			p.logger.Warn("persist media url", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	envelope := m.Clone()
	envelope.Status = status.Sent
	if _, err := p.remote.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.EncodeMessage(&envelope)); err != nil {
		return errs.Transient("write message", err)
	}
	return nil
}

// succeed records the acknowledged write, refreshes the chat summary locally
// and remotely, and bumps every other participant's unread counter.
func (p *Pipeline) succeed(ctx context.Context, m *store.Message) {
	if err := p.db.Dequeue(ctx, m.ID); err != nil {
		p.logger.Warn("dequeue", zap.String("msg_id", m.ID), zap.Error(err))
	}
	// The listener may already have advanced the stored copy.
	if cur, err := p.db.GetMessage(ctx, m.ID); err == nil && cur != nil {
		cur.Media = m.Media
		m = cur
	}
	m.Status, _ = status.Merge(m.Status, status.Sent)
	m.SyncStatus = status.Synced
	m.LastError = ""
	if err := p.writer.PutMessage(ctx, m); err != nil {
		p.logger.Warn("persist delivered message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	p.set.UpsertMessages(*m)
	p.logger.Info("message sent", zap.String("msg_id", m.ID), zap.String("chat_id", m.ChatID))

	summary := store.SummaryOf(m)
	if applied, err := p.db.SetSummary(ctx, m.ChatID, summary); err != nil {
		p.logger.Warn("set chat summary", zap.String("chat_id", m.ChatID), zap.Error(err))
	} else if applied {
		if chat, err := p.db.GetChat(ctx, m.ChatID); err == nil && chat != nil {
			p.set.UpsertChats(*chat)
		}
	}
	if _, err := p.remote.Write(ctx, wire.Chats, m.ChatID, wire.SummaryFields(summary, time.Now().UnixMilli())); err != nil {
		p.logger.Warn("write remote chat summary", zap.String("chat_id", m.ChatID), zap.Error(err))
	}

	chat, err := p.db.GetChat(ctx, m.ChatID)
	if err != nil {
		p.logger.Warn("load chat participants", zap.String("chat_id", m.ChatID), zap.Error(err))
	}
	if chat != nil {
		for _, user := range chat.Participants {
			if user == m.SenderID {
				continue
			}
			if _, _, err := p.remote.IncrementCounter(ctx, wire.UnreadCounter(m.ChatID, user), 1); err != nil {
				p.logger.Warn("increment unread",
					zap.String("chat_id", m.ChatID), zap.String("user_id", user), zap.Error(err))
			}
		}
	}

	p.mu.Lock()
	hooks := append([]func(store.Message){}, p.onDelivered...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(m.Clone())
	}
}

func (p *Pipeline) emit(kind bus.Kind, payload any) {
	if p.bus != nil {
		p.bus.Emit(kind, payload)
	}
}
