package engine

import (
	"context"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/inbound"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Send queues a text message and shows it immediately as sending.
func (e *Engine) Send(ctx context.Context, chatID, text string) (store.Message, error) {
	if err := e.ready(); err != nil {
		return store.Message{}, err
	}
	if err := e.member(ctx, chatID); err != nil {
		return store.Message{}, err
	}
	return e.pipeline.Send(ctx, chatID, e.cfg.Viewer, outbox.Content{Text: text})
}

// SendMedia queues a media message. The file is uploaded before the message
// itself is written remotely.
func (e *Engine) SendMedia(ctx context.Context, chatID, path, caption, mimeType string) (store.Message, error) {
	if err := e.ready(); err != nil {
		return store.Message{}, err
	}
	if path == "" {
		return store.Message{}, errs.ErrEmptyPayload
	}
	if err := e.member(ctx, chatID); err != nil {
		return store.Message{}, err
	}
	return e.pipeline.Send(ctx, chatID, e.cfg.Viewer, outbox.Content{MediaPath: path, Caption: caption, MimeType: mimeType})
}

// Retry re-queues a failed message.
func (e *Engine) Retry(ctx context.Context, messageID string) (store.Message, error) {
	if err := e.ready(); err != nil {
		return store.Message{}, err
	}
	return e.pipeline.Retry(ctx, messageID)
}

// MarkRead marks every message from others in the chat as read and resets
// the viewer's unread counter.
func (e *Engine) MarkRead(ctx context.Context, chatID string) (receipts.ReadResult, error) {
	if err := e.ready(); err != nil {
		return receipts.ReadResult{}, err
	}
	return e.receipts.MarkRead(ctx, chatID)
}

// DrainQueue delivers pending messages oldest first. It reports false
// without doing anything when a drain is already running.
func (e *Engine) DrainQueue(ctx context.Context) (bus.DrainResult, bool, error) {
	if err := e.ready(); err != nil {
		return bus.DrainResult{}, false, err
	}
	res, ran := e.pipeline.Drain(ctx)
	return res, ran, nil
}

// ApplyResult reports what one remote batch changed.
type ApplyResult struct {
	Messages inbound.MessageResult
	Chats    inbound.ChatResult
}

// ApplyRemoteBatch reconciles a batch of remote changes for a collection.
// Side effects are suppressed for batches of an initial snapshot.
func (e *Engine) ApplyRemoteBatch(ctx context.Context, collection string, b remote.Batch) (ApplyResult, error) {
	if err := e.ready(); err != nil {
		return ApplyResult{}, err
	}
	switch collection {
	case wire.Messages:
		return ApplyResult{Messages: e.listener.ApplyMessageBatch(ctx, b, !b.Initial)}, nil
	case wire.Chats:
		return ApplyResult{Chats: e.listener.ApplyChatBatch(ctx, b, !b.Initial)}, nil
	default:
		return ApplyResult{}, errs.InvalidArg("unknown collection " + collection)
	}
}

// OpenChat starts viewing a chat: history is materialized by plan, the chat's
// message stream is subscribed and everything unread is marked read.
func (e *Engine) OpenChat(ctx context.Context, chatID string) (history.Plan, error) {
	if err := e.ready(); err != nil {
		return history.Plan{}, err
	}
	if _, err := e.chat(ctx, chatID); err != nil {
		return history.Plan{}, err
	}
	plan, err := e.loader.Open(ctx, chatID)
	if err != nil {
		return history.Plan{}, err
	}
	if err := e.listener.OpenChat(chatID); err != nil {
		e.logger.Warn("chat subscription deferred", zap.String("chat_id", chatID), zap.Error(err))
	}
	if _, err := e.receipts.MarkRead(ctx, chatID); err != nil {
		e.logger.Warn("mark read on open", zap.String("chat_id", chatID), zap.Error(err))
	}
	return plan, nil
}

// CloseChat stops viewing a chat and releases its materialized messages.
func (e *Engine) CloseChat(chatID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.listener.CloseChat(chatID)
	e.loader.Close(chatID)
	return nil
}

// LoadOlder pages older history into an open chat.
func (e *Engine) LoadOlder(ctx context.Context, chatID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.loader.LoadOlder(ctx, chatID)
}

// LoadNewer pages newer history into an open chat opened at a saved anchor.
func (e *Engine) LoadNewer(ctx context.Context, chatID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.loader.LoadNewer(ctx, chatID)
}

// CreateChat registers a chat remotely and locally. The viewer is always a
// participant. Creating an existing chat updates its metadata.
func (e *Engine) CreateChat(ctx context.Context, c store.Chat) (store.Chat, error) {
	if err := e.ready(); err != nil {
		return store.Chat{}, err
	}
	if !wire.ValidID(c.ID) {
		return store.Chat{}, errs.InvalidArg("invalid chat id " + c.ID)
	}
	if c.Type == "" {
		c.Type = store.Direct
	}
	if c.Type != store.Direct && c.Type != store.Group {
		return store.Chat{}, errs.InvalidArg("unknown chat type " + string(c.Type))
	}
	if !c.HasParticipant(e.cfg.Viewer) {
		c.Participants = append(c.Participants, e.cfg.Viewer)
	}
	for _, p := range c.Participants {
		if !wire.ValidID(p) {
			return store.Chat{}, errs.InvalidArg("invalid participant id " + p)
		}
	}
	slices.Sort(c.Participants)
	c.Participants = slices.Compact(c.Participants)
	if c.Type == store.Direct && len(c.Participants) != 2 {
		return store.Chat{}, errs.InvalidArg("direct chats have exactly two participants")
	}
	if c.Type == store.Group && c.AdminID == "" {
		c.AdminID = e.cfg.Viewer
	}

	cur, err := e.db.GetChat(ctx, c.ID)
	if err != nil {
		return store.Chat{}, errs.Storage("load chat", err)
	}
	if cur != nil {
		c.LastMessage = cur.LastMessage
		c.UnreadCount = cur.UnreadCount
	}
	c.UpdatedAt = e.ids.Clock().Now()

	fields := wire.EncodeChat(&c)
	delete(fields, "last_message")
	if _, err := e.backend.Write(ctx, wire.Chats, c.ID, fields); err != nil {
		return store.Chat{}, errs.Transient("write chat", err)
	}
	if err := e.writer.PutChat(ctx, &c); err != nil {
		e.logger.Warn("chat kept in memory only", zap.String("chat_id", c.ID), zap.Error(err))
	}
	e.set.UpsertChats(c)
	e.logger.Info("chat created", zap.String("chat_id", c.ID), zap.String("type", string(c.Type)))
	return c, nil
}

// SaveScroll records the reading position of a chat.
func (e *Engine) SaveScroll(ctx context.Context, p store.ScrollPosition) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.chat(ctx, p.ChatID); err != nil {
		return err
	}
	if err := e.db.SaveScroll(ctx, &p); err != nil {
		return errs.Storage("save scroll", err)
	}
	return nil
}

// Scroll returns the saved reading position of a chat, or nil.
func (e *Engine) Scroll(ctx context.Context, chatID string) (*store.ScrollPosition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	p, err := e.db.GetScroll(ctx, chatID)
	if err != nil {
		return nil, errs.Storage("load scroll", err)
	}
	return p, nil
}

// Search matches message text in one chat, or in all chats when chatID is
// empty. Messages the viewer deleted are left out.
func (e *Engine) Search(ctx context.Context, query, chatID string, limit int) ([]store.SearchResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, errs.InvalidArg("empty search query")
	}
	res, err := e.db.SearchMessages(ctx, query, chatID, limit)
	if err != nil {
		return nil, errs.Storage("search messages", err)
	}
	return slices.DeleteFunc(res, func(r store.SearchResult) bool {
		return r.Message.HiddenFor(e.cfg.Viewer)
	}), nil
}

// Chats returns the chat list of the current snapshot.
func (e *Engine) Chats() []store.Chat {
	return e.set.Snapshot().Chats
}

// Messages returns the materialized messages of a chat visible to the viewer.
func (e *Engine) Messages(chatID string) []store.Message {
	msgs := e.set.Messages(chatID)
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.HiddenFor(e.cfg.Viewer) {
			out = append(out, m)
		}
	}
	return out
}

// Status summarizes the engine's state.
type Status struct {
	Viewer        string
	Online        bool
	Draining      bool
	Pending       int
	Failed        int
	Chats         int
	Messages      int
	SchemaVersion uint
	Unpersisted   int
	OpenChats     []string
	EnrichDropped uint64
}

// Status reports connectivity, queue sizes and store totals.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	if err := e.ready(); err != nil {
		return Status{}, err
	}
	bySync, err := e.db.CountBySync(ctx)
	if err != nil {
		return Status{}, errs.Storage("count messages", err)
	}
	chats, err := e.db.CountChats(ctx)
	if err != nil {
		return Status{}, errs.Storage("count chats", err)
	}
	total := 0
	for _, n := range bySync {
		total += n
	}
	open := e.listener.Open()
	slices.Sort(open)
	e.mu.Lock()
	schema := e.schema
	e.mu.Unlock()
	return Status{
		Viewer:        e.cfg.Viewer,
		Online:        e.conn.Online(),
		Draining:      e.pipeline.Draining(),
		Pending:       bySync[status.Pending],
		Failed:        bySync[status.SyncFailed],
		Chats:         chats,
		Messages:      total,
		SchemaVersion: schema,
		Unpersisted:   e.writer.Unpersisted(),
		OpenChats:     open,
		EnrichDropped: e.pool.Dropped(),
	}, nil
}

// SetOnline switches connectivity of backends that support it, such as the
// in-memory backend.
func (e *Engine) SetOnline(online bool) error {
	sw, ok := e.backend.(interface{ SetOnline(bool) })
	if !ok {
		return errs.InvalidArg("remote backend does not support switching connectivity")
	}
	sw.SetOnline(online)
	return nil
}

func (e *Engine) chat(ctx context.Context, chatID string) (*store.Chat, error) {
	c, err := e.db.GetChat(ctx, chatID)
	if err != nil {
		return nil, errs.Storage("load chat", err)
	}
	if c == nil {
		if sc, ok := e.set.Chat(chatID); ok {
			return &sc, nil
		}
		return nil, errs.ErrUnknownChat
	}
	return c, nil
}

func (e *Engine) member(ctx context.Context, chatID string) error {
	c, err := e.chat(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.HasParticipant(e.cfg.Viewer) {
		return errs.InvalidArg("not a participant of chat " + chatID)
	}
	return nil
}
