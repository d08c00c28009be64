// Package outbox is the outbound delivery pipeline: optimistic local send,
// bounded-retry remote delivery and the single-flight queue drain.
package outbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ident"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/zap"
)

// Config bounds delivery retries.
type Config struct {
	Attempts int
	Delay    time.Duration
}

// DefaultConfig is three attempts two seconds apart.
func DefaultConfig() Config {
	return Config{Attempts: 3, Delay: 2 * time.Second}
}

// Content is what a user sends: text, or a local media file with an
// optional caption.
type Content struct {
	Text      string
	MediaPath string
	Caption   string
	MimeType  string
}

// Pipeline sends messages and drains the outbound queue.
type Pipeline struct {
	db      *store.DB
	writer  *store.Writer
	remote  remote.Store
	objects remote.ObjectStore
	set     *workset.Set
	conn    *conn.Monitor
	ids     *ident.Generator
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	draining atomic.Bool
	rerun    atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	onDelivered []func(store.Message)
}

// Deps groups the collaborators of a Pipeline.
type Deps struct {
	Writer  *store.Writer
	Remote  remote.Store
	Objects remote.ObjectStore
	Set     *workset.Set
	Conn    *conn.Monitor
	IDs     *ident.Generator
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// New creates a pipeline. It does not deliver anything until Start.
func New(d Deps, cfg Config) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		db:      d.Writer.DB(),
		writer:  d.Writer,
		remote:  d.Remote,
		objects: d.Objects,
		set:     d.Set,
		conn:    d.Conn,
		ids:     d.IDs,
		bus:     d.Bus,
		logger:  d.Logger,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnDelivered registers fn to run after each successful delivery.
func (p *Pipeline) OnDelivered(fn func(store.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDelivered = append(p.onDelivered, fn)
}

// Start drains leftovers from a previous run and drains again whenever
// connectivity returns.
func (p *Pipeline) Start() {
	p.conn.OnChange(func(online bool) {
		if online {
			p.kick()
		}
	})
	if p.conn.Online() {
		p.kick()
	}
}

// Stop cancels retries in progress and waits for background drains.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

// kick runs a drain in the background.
func (p *Pipeline) kick() {
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Drain(p.ctx)
	}()
}

// Send creates a message, persists it as pending and shows it immediately.
// Delivery happens in the background when online. The returned message
// reflects the optimistic state.
func (p *Pipeline) Send(ctx context.Context, chatID, senderID string, c Content) (store.Message, error) {
	if !wire.ValidID(chatID) || !wire.ValidID(senderID) {
		return store.Message{}, errs.InvalidArg("invalid chat or sender id")
	}
	id, ts, err := p.ids.Next()
	if err != nil {
		return store.Message{}, errs.Wrap(errs.CodeInternal, "allocate message id", err)
	}
	m := store.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   senderID,
		Text:       c.Text,
		Timestamp:  ts,
		Status:     status.Sending,
		SyncStatus: status.Pending,
	}
	if c.MediaPath != "" {
		if _, err := os.Stat(c.MediaPath); err != nil {
			return store.Message{}, errs.InvalidArg("media file: " + err.Error())
		}
		m.Media = &store.Media{LocalPath: c.MediaPath, Caption: c.Caption, MimeType: c.MimeType}
	}
	if err := m.Validate(); err != nil {
		return store.Message{}, err
	}

	if err := p.writer.PutMessage(ctx, &m); err != nil {
		p.logger.Warn("send continues without durable copy", zap.String("msg_id", m.ID), zap.Error(err))
	} else if err := p.db.Enqueue(ctx, m.ID, m.ChatID, ts); err != nil {
		p.logger.Warn("enqueue marker", zap.String("msg_id", m.ID), zap.Error(err))
	}
	p.set.UpsertMessages(m)
	p.logger.Info("message queued", zap.String("msg_id", m.ID), zap.String("chat_id", chatID), zap.Bool("media", m.IsMedia()))

	if p.conn.Online() {
		p.kick()
	}
	return m, nil
}

// Retry moves a failed message back to sending and schedules a drain.
func (p *Pipeline) Retry(ctx context.Context, messageID string) (store.Message, error) {
	cur, err := p.db.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, errs.Storage("load message", err)
	}
	if cur == nil {
		return store.Message{}, errs.ErrUnknownMessage
	}
	if cur.SyncStatus != status.SyncFailed && cur.Status != status.Failed {
		return store.Message{}, errs.New(errs.CodeConflict, "message "+messageID+" has not failed")
	}
	next, err := status.Transition(cur.Status, status.Sending)
	if err != nil {
		return store.Message{}, errs.New(errs.CodeConflict, err.Error())
	}
	m := cur.Clone()
	m.Status = next
	m.SyncStatus = status.Pending
	m.LastError = ""
	if err := p.writer.PutMessage(ctx, &m); err != nil {
		p.logger.Warn("retry continues without durable copy", zap.String("msg_id", m.ID), zap.Error(err))
	}
	if err := p.db.MarkManualRetry(ctx, m.ID, m.ChatID); err != nil {
		p.logger.Warn("mark manual retry", zap.String("msg_id", m.ID), zap.Error(err))
	}
	p.set.UpsertMessages(m)
	p.logger.Info("message retry requested", zap.String("msg_id", m.ID))

	if p.conn.Online() {
		p.kick()
	}
	return m, nil
}

// Recover resolves deliveries interrupted by a crash. A media message may
// have been uploaded without its envelope being written, so it becomes
// failed for the user to retry. Text messages stay pending and are re-sent
// under the same id.
func (p *Pipeline) Recover(ctx context.Context) error {
	markers, err := p.db.InFlight(ctx)
	if err != nil {
		return errs.Storage("load in-flight markers", err)
	}
	for _, q := range markers {
		m, err := p.db.GetMessage(ctx, q.MessageID)
		if err != nil {
			return errs.Storage("load in-flight message", err)
		}
		if err := p.db.ClearInFlight(ctx, q.MessageID); err != nil {
			return errs.Storage("clear in-flight marker", err)
		}
		if m == nil || m.SyncStatus == status.Synced {
			continue
		}
		if !m.IsMedia() {
			p.logger.Info("interrupted send stays pending", zap.String("msg_id", m.ID))
			continue
		}
		p.fail(ctx, m, "interrupted during media upload")
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, m *store.Message, reason string) {
	if next, err := status.Transition(m.Status, status.Failed); err == nil {
		m.Status = next
	}
	m.SyncStatus = status.SyncFailed
	m.LastError = reason
	if err := p.writer.PutMessage(ctx, m); err != nil {
		p.logger.Warn("persist failed message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	p.set.UpsertMessages(*m)
	if p.bus != nil {
		p.bus.Emit(bus.MessageFailed, m.Clone())
	}
	p.logger.Warn("message failed", zap.String("msg_id", m.ID), zap.String("reason", reason))
}

func mediaObjectName(m *store.Message) string {
	return m.ChatID + "/" + m.ID + filepath.Ext(m.Media.LocalPath)
}
