// Package inbound consumes remote change streams and reconciles them into the
// local store and the working set.
package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config tunes the listener.
type Config struct {
	// GraceWindow bounds how long side effects stay suppressed after the
	// first batch of a subscription when the snapshot never completes.
	GraceWindow time.Duration
}

// DefaultConfig returns a three second grace window.
func DefaultConfig() Config {
	return Config{GraceWindow: 3 * time.Second}
}

// Arrival describes a message from someone else seen for the first time.
// Summary arrivals come from the chat list and carry only the summary fields.
type Arrival struct {
	Message     store.Message
	Viewing     bool
	FromSummary bool
}

// UnreadFunc applies an authoritative unread count pushed for the viewer.
type UnreadFunc func(ctx context.Context, chatID string, n int, revision uint64)

// Deps groups the collaborators of a Listener.
type Deps struct {
	Writer *store.Writer
	Remote remote.Store
	Set    *workset.Set
	Ledger *Ledger
	Bus    *bus.Bus
	Logger *zap.Logger
	Viewer string
}

// Listener runs one subscription per open chat plus one for the chat list.
// Each subscription applies its batches in order; different subscriptions
// run concurrently.
type Listener struct {
	db     *store.DB
	writer *store.Writer
	remote remote.Store
	set    *workset.Set
	ledger *Ledger
	bus    *bus.Bus
	logger *zap.Logger
	viewer string
	cfg    Config
	now    func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subs      map[string]*subscription
	viewing   map[string]bool
	onArrival []func(Arrival)
	onRead    []func(chatID string, n int)
	unread    UnreadFunc
}

// New creates a listener. Nothing is subscribed until Start and OpenChat.
func New(d Deps, cfg Config) *Listener {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = NewLedger(d.Writer.DB())
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	l := &Listener{
		db:      d.Writer.DB(),
		writer:  d.Writer,
		remote:  d.Remote,
		set:     d.Set,
		ledger:  d.Ledger,
		bus:     d.Bus,
		logger:  d.Logger,
		viewer:  d.Viewer,
		cfg:     cfg,
		now:     time.Now,
		subs:    make(map[string]*subscription),
		viewing: make(map[string]bool),
	}
	l.unread = l.setUnread
	return l
}

// OnArrival registers fn for every first sighting of a message from another
// user outside the initial snapshot.
func (l *Listener) OnArrival(fn func(Arrival)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onArrival = append(l.onArrival, fn)
}

// OnRead registers fn for chats in which n messages were promoted straight
// to read because the viewer was looking at them.
func (l *Listener) OnRead(fn func(chatID string, n int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRead = append(l.onRead, fn)
}

// SetUnreadFunc replaces how pushed unread counts are applied.
func (l *Listener) SetUnreadFunc(fn UnreadFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unread = fn
}

// Start subscribes to the viewer's chat list.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	return l.subscribe(chatListKey, wire.AllChats(), l.applyChats)
}

// Stop closes every subscription and waits for their loops to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	subs := l.subs
	l.subs = make(map[string]*subscription)
	cancel := l.cancel
	l.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// OpenChat marks the chat as being viewed and subscribes to its messages.
// Opening an already open chat is a no-op.
func (l *Listener) OpenChat(chatID string) error {
	l.mu.Lock()
	l.viewing[chatID] = true
	_, open := l.subs[chatID]
	l.mu.Unlock()
	if open {
		return nil
	}
	return l.subscribe(chatID, wire.ChatMessages(chatID), l.applyMessages)
}

// CloseChat tears down the chat's subscription.
func (l *Listener) CloseChat(chatID string) {
	l.mu.Lock()
	delete(l.viewing, chatID)
	s := l.subs[chatID]
	delete(l.subs, chatID)
	l.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Viewing reports whether the viewer has the chat open.
func (l *Listener) Viewing(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viewing[chatID]
}

// Open returns the chats with a live subscription.
func (l *Listener) Open() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for k := range l.subs {
		if k != chatListKey {
			ids = append(ids, k)
		}
	}
	return ids
}

const chatListKey = "\x00chats"

type applyFunc func(ctx context.Context, b remote.Batch, effects bool)

func (l *Listener) subscribe(key string, q remote.Query, apply applyFunc) error {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := l.remote.Subscribe(ctx, q)
	if err != nil {
		return err
	}
	s := &subscription{key: key, sub: sub, grace: newGrace(l.cfg.GraceWindow), done: make(chan struct{})}

	l.mu.Lock()
	if old := l.subs[key]; old != nil {
		l.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	l.subs[key] = s
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx, s, apply)
	}()
	l.logger.Info("subscribed", zap.String("collection", q.Collection), zap.String("prefix", q.Prefix))
	return nil
}

func (l *Listener) run(ctx context.Context, s *subscription, apply applyFunc) {
	for {
		select {
		case b, ok := <-s.sub.Batches():
			if !ok {
				l.drop(s)
				return
			}
			suppress := s.grace.observe(b, l.now())
			apply(ctx, b, !suppress)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drop forgets a subscription whose stream ended so Resubscribe can replace it.
func (l *Listener) drop(s *subscription) {
	l.mu.Lock()
	if l.subs[s.key] == s {
		delete(l.subs, s.key)
	}
	l.mu.Unlock()
	l.logger.Info("subscription ended", zap.String("key", s.key))
}

// Resubscribe restores the chat list subscription and the subscriptions of
// viewed chats that are missing, typically after connectivity returns.
func (l *Listener) Resubscribe() error {
	l.mu.Lock()
	if l.ctx == nil || l.ctx.Err() != nil {
		l.mu.Unlock()
		return nil
	}
	list := l.subs[chatListKey] == nil
	var chats []string
	for id := range l.viewing {
		if l.subs[id] == nil {
			chats = append(chats, id)
		}
	}
	l.mu.Unlock()

	var err error
	if list {
		err = multierr.Append(err, l.subscribe(chatListKey, wire.AllChats(), l.applyChats))
	}
	for _, id := range chats {
		err = multierr.Append(err, l.subscribe(id, wire.ChatMessages(id), l.applyMessages))
	}
	return err
}

type subscription struct {
	key   string
	sub   remote.Subscription
	grace *grace
	once  sync.Once
	done  chan struct{}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.sub.Close()
	})
}

// grace tracks the initial-snapshot window of one subscription. It opens on
// the first batch and closes when the snapshot completes or the window
// elapses.
type grace struct {
	window  time.Duration
	started time.Time
	closed  bool
}

func newGrace(window time.Duration) *grace {
	return &grace{window: window}
}

// observe reports whether side effects of b must be suppressed.
func (g *grace) observe(b remote.Batch, now time.Time) bool {
	if g.closed {
		return false
	}
	if g.started.IsZero() {
		g.started = now
	}
	if now.Sub(g.started) >= g.window {
		g.closed = true
		return false
	}
	if b.InitialDone {
		g.closed = true
	}
	return true
}

func (l *Listener) applyMessages(ctx context.Context, b remote.Batch, effects bool) {
	l.ApplyMessageBatch(ctx, b, effects)
}

func (l *Listener) applyChats(ctx context.Context, b remote.Batch, effects bool) {
	l.ApplyChatBatch(ctx, b, effects)
}

func (l *Listener) arrivals(as []Arrival) {
	if len(as) == 0 {
		return
	}
	l.mu.Lock()
	hooks := append([]func(Arrival){}, l.onArrival...)
	l.mu.Unlock()
	for _, a := range as {
		if l.bus != nil {
			l.bus.Emit(bus.MessageReceived, a.Message.Clone())
		}
		for _, fn := range hooks {
			fn(a)
		}
	}
}

func (l *Listener) readIn(chatID string, n int) {
	l.mu.Lock()
	hooks := append([]func(string, int){}, l.onRead...)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(chatID, n)
	}
}
