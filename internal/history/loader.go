package history

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/inbound"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/zap"
)

// Merger folds remote message documents into the local store.
type Merger interface {
	ApplyMessageBatch(ctx context.Context, b remote.Batch, effects bool) inbound.MessageResult
}

// Deps groups the collaborators of a Loader.
type Deps struct {
	DB     *store.DB
	Remote remote.Store
	Merger Merger
	Set    *workset.Set
	Conn   *conn.Monitor
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Loader materializes chat history into the working set.
type Loader struct {
	db     *store.DB
	remote remote.Store
	merger Merger
	set    *workset.Set
	conn   *conn.Monitor
	bus    *bus.Bus
	logger *zap.Logger
	policy Policy

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*session
	wg       sync.WaitGroup
}

// session is one open period of a chat. Scheduled tiers of a closed session
// never run.
type session struct {
	plan       Plan
	timers     []*time.Timer
	backfilled bool
	closed     bool
}

// New creates a loader.
func New(d Deps, policy Policy) *Loader {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	def := DefaultPolicy()
	if policy.PageSize <= 0 {
		policy.PageSize = def.PageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		db:       d.DB,
		remote:   d.Remote,
		merger:   d.Merger,
		set:      d.Set,
		conn:     d.Conn,
		bus:      d.Bus,
		logger:   d.Logger,
		policy:   policy,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Open chooses a plan from the chat's unread count, loads the first tier now
// and schedules the rest. With a saved scroll anchor the first tier is
// centred on it. Reopening a chat restarts its plan. A chat with local
// history opens from it and catches up with the remote in the background.
func (l *Loader) Open(ctx context.Context, chatID string) (Plan, error) {
	chat, err := l.db.GetChat(ctx, chatID)
	if err != nil {
		return Plan{}, errs.Storage("load chat", err)
	}
	unread := 0
	if chat != nil {
		unread = chat.UnreadCount
	}
	plan := l.policy.Choose(unread)

	s := &session{plan: plan}
	l.mu.Lock()
	if old := l.sessions[chatID]; old != nil {
		old.stop()
	}
	l.sessions[chatID] = s
	l.mu.Unlock()

	local, err := l.db.CountMessages(ctx, chatID)
	if err != nil {
		l.logger.Warn("count local messages", zap.String("chat_id", chatID), zap.Error(err))
	}
	if local == 0 {
		// Nothing to show until the remote answers.
		l.backfill(ctx, chatID, s)
	}
	l.set.Materialize(chatID, nil)

	first := plan.Tiers[0].Count
	var msgs []store.Message
	pos, err := l.db.GetScroll(ctx, chatID)
	if err != nil {
		l.logger.Warn("load scroll position", zap.String("chat_id", chatID), zap.Error(err))
	}
	if pos != nil && pos.AnchorMessageID != "" {
		msgs, err = l.db.MessagesAround(ctx, chatID, pos.AnchorMessageID, first)
	} else {
		msgs, err = l.db.LastMessages(ctx, chatID, first)
	}
	if err != nil {
		return plan, errs.Storage("load first tier", err)
	}
	l.set.Materialize(chatID, msgs)
	l.loaded(chatID, 0, len(msgs))
	l.logger.Info("chat history opened",
		zap.String("chat_id", chatID), zap.String("strategy", string(plan.Strategy)),
		zap.Int("unread", unread), zap.Int("loaded", len(msgs)))

	l.mu.Lock()
	defer l.mu.Unlock()
	if s.closed {
		return plan, nil
	}
	if local > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.backfill(l.ctx, chatID, s)
		}()
	}
	for i, tier := range plan.Tiers[1:] {
		tierIdx, count := i+1, tier.Count
		s.timers = append(s.timers, time.AfterFunc(tier.Delay, func() {
			if !l.active(chatID, s) {
				return
			}
			n, err := l.older(l.ctx, chatID, count)
			if err != nil {
				l.logger.Warn("scheduled tier failed", zap.String("chat_id", chatID), zap.Int("tier", tierIdx), zap.Error(err))
				return
			}
			l.loaded(chatID, tierIdx, n)
		}))
	}
	return plan, nil
}

// Close cancels scheduled tiers and drops the chat from memory.
func (l *Loader) Close(chatID string) {
	l.mu.Lock()
	if s := l.sessions[chatID]; s != nil {
		s.stop()
	}
	delete(l.sessions, chatID)
	l.mu.Unlock()
	l.set.Release(chatID)
}

// Stop cancels every session.
func (l *Loader) Stop() {
	l.mu.Lock()
	for _, s := range l.sessions {
		s.stop()
	}
	l.sessions = make(map[string]*session)
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}

// LoadOlder materializes up to one page of messages older than the oldest
// one held and returns how many were added.
func (l *Loader) LoadOlder(ctx context.Context, chatID string) (int, error) {
	if !l.set.Materialized(chatID) {
		return 0, errNotOpen(chatID)
	}
	n, err := l.older(ctx, chatID, l.policy.PageSize)
	if err == nil {
		l.loaded(chatID, -1, n)
	}
	return n, err
}

// LoadNewer materializes up to one page of messages newer than the newest
// one held, filling the gap left by an anchored open.
func (l *Loader) LoadNewer(ctx context.Context, chatID string) (int, error) {
	if !l.set.Materialized(chatID) {
		return 0, errNotOpen(chatID)
	}
	held := l.set.Messages(chatID)
	var msgs []store.Message
	var err error
	if len(held) == 0 {
		msgs, err = l.db.LastMessages(ctx, chatID, l.policy.PageSize)
	} else {
		last := held[len(held)-1]
		msgs, err = l.db.MessagesAfter(ctx, chatID, last.Timestamp, last.ID, l.policy.PageSize)
	}
	if err != nil {
		return 0, errs.Storage("load newer messages", err)
	}
	l.set.Materialize(chatID, msgs)
	l.loaded(chatID, -1, len(msgs))
	return len(msgs), nil
}

// Plan returns the plan of an open chat.
func (l *Loader) Plan(chatID string) (Plan, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[chatID]
	if !ok {
		return Plan{}, false
	}
	return s.plan, true
}

func (l *Loader) older(ctx context.Context, chatID string, count int) (int, error) {
	held := l.set.Messages(chatID)
	var msgs []store.Message
	var err error
	if len(held) == 0 {
		msgs, err = l.db.LastMessages(ctx, chatID, count)
	} else {
		first := held[0]
		msgs, err = l.db.MessagesBefore(ctx, chatID, first.Timestamp, first.ID, count)
	}
	if err != nil {
		return 0, errs.Storage("load older messages", err)
	}
	l.set.Materialize(chatID, msgs)
	return len(msgs), nil
}

func errNotOpen(chatID string) error {
	return errs.New(errs.CodeConflict, "chat "+chatID+" is not open")
}

// backfill pulls the chat's remote messages through the merge path once per
// session so the local tiers see them. Offline it does nothing.
func (l *Loader) backfill(ctx context.Context, chatID string, s *session) {
	if l.remote == nil || l.merger == nil || s.backfilled || (l.conn != nil && !l.conn.Online()) {
		return
	}
	docs, err := l.remote.Fetch(ctx, wire.ChatMessages(chatID))
	if err != nil {
		l.logger.Warn("history backfill", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	s.backfilled = true
	if len(docs) == 0 || !l.active(chatID, s) {
		return
	}
	res := l.merger.ApplyMessageBatch(ctx, remote.Batch{Added: docs}, false)
	l.logger.Debug("history backfilled",
		zap.String("chat_id", chatID), zap.Int("inserted", res.Inserted), zap.Int("updated", res.Updated))
}

func (l *Loader) active(chatID string, s *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[chatID] == s && !s.closed
}

func (l *Loader) loaded(chatID string, tier, n int) {
	if l.bus != nil {
		l.bus.Emit(bus.HistoryLoaded, bus.HistoryPage{ChatID: chatID, Tier: tier, Count: n})
	}
}

// stop must be called with the loader's lock held.
func (s *session) stop() {
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
}
