// Package engine is the command facade over the sync components. Callers
// construct an Engine, call Initialize once, then issue commands and read
// immutable working-set snapshots.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/enrich"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/ident"
	"github.com/matheus3301/chatsync/internal/inbound"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Notification sinks.
const (
	NotifyDesktop = "desktop"
	NotifyLog     = "log"
	NotifyOff     = "off"
)

// EnrichConfig selects the background enrichment handlers.
type EnrichConfig struct {
	Pool enrich.Config
	// Notify is one of NotifyDesktop, NotifyLog or NotifyOff.
	Notify string
	// TranslateURL enables translation when set.
	TranslateURL  string
	TargetLang    string
	ThumbnailSize uint
}

// Config gathers the tunables of every component.
type Config struct {
	Viewer  string
	Outbox  outbox.Config
	Inbound inbound.Config
	History history.Policy
	Enrich  EnrichConfig
}

// DefaultConfig returns the canonical policies for viewer.
func DefaultConfig(viewer string) Config {
	return Config{
		Viewer:  viewer,
		Outbox:  outbox.DefaultConfig(),
		Inbound: inbound.DefaultConfig(),
		History: history.DefaultPolicy(),
		Enrich: EnrichConfig{
			Pool:          enrich.DefaultConfig(),
			Notify:        NotifyLog,
			ThumbnailSize: enrich.DefaultThumbnailSize,
		},
	}
}

// Deps are the resources an Engine runs on. The caller owns them and closes
// them after Shutdown.
type Deps struct {
	DB      *store.DB
	Backend remote.Backend
	Bus     *bus.Bus
	Logger  *zap.Logger
	// Clock stamps ids and timestamps; nil uses the wall clock.
	Clock *ident.Clock
}

// Engine wires the sync components together.
type Engine struct {
	cfg     Config
	db      *store.DB
	backend remote.Backend
	bus     *bus.Bus
	logger  *zap.Logger

	ids      *ident.Generator
	writer   *store.Writer
	set      *workset.Set
	conn     *conn.Monitor
	ledger   *inbound.Ledger
	pipeline *outbox.Pipeline
	listener *inbound.Listener
	receipts *receipts.Reconciler
	loader   *history.Loader
	pool     *enrich.Pool

	initialized atomic.Bool
	mu          sync.Mutex
	started     bool
	closed      bool
	schema      uint
}

// New builds an engine. Nothing runs until Initialize.
func New(d Deps, cfg Config) (*Engine, error) {
	if d.DB == nil || d.Backend == nil {
		return nil, errs.InvalidArg("engine needs a database and a remote backend")
	}
	if !wire.ValidID(cfg.Viewer) {
		return nil, errs.InvalidArg("invalid viewer id " + cfg.Viewer)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	logger := d.Logger.With(zap.String("viewer", cfg.Viewer))

	e := &Engine{
		cfg:     cfg,
		db:      d.DB,
		backend: d.Backend,
		bus:     d.Bus,
		logger:  logger,
		ids:     ident.NewGenerator(d.Clock),
		set:     workset.New(d.Bus),
	}
	e.writer = store.NewWriter(d.DB, d.Bus, logger.Named("store"))
	e.conn = conn.NewMonitor(d.Backend.Online(), d.Bus, logger.Named("conn"))
	e.conn.Follow(d.Backend)
	e.ledger = inbound.NewLedger(d.DB)

	e.pipeline = outbox.New(outbox.Deps{
		Writer:  e.writer,
		Remote:  d.Backend,
		Objects: d.Backend,
		Set:     e.set,
		Conn:    e.conn,
		IDs:     e.ids,
		Bus:     d.Bus,
		Logger:  logger.Named("outbox"),
	}, cfg.Outbox)
	e.listener = inbound.New(inbound.Deps{
		Writer: e.writer,
		Remote: d.Backend,
		Set:    e.set,
		Ledger: e.ledger,
		Bus:    d.Bus,
		Logger: logger.Named("inbound"),
		Viewer: cfg.Viewer,
	}, cfg.Inbound)
	e.receipts = receipts.New(receipts.Deps{
		Writer: e.writer,
		Remote: d.Backend,
		Set:    e.set,
		Ledger: e.ledger,
		Logger: logger.Named("receipts"),
		Viewer: cfg.Viewer,
	})
	e.loader = history.New(history.Deps{
		DB:     d.DB,
		Remote: d.Backend,
		Merger: e.listener,
		Set:    e.set,
		Conn:   e.conn,
		Bus:    d.Bus,
		Logger: logger.Named("history"),
	}, cfg.History)
	e.pool = enrich.NewPool(cfg.Enrich.Pool, logger.Named("enrich"))
	e.registerHandlers()
	e.wire()
	return e, nil
}

func (e *Engine) registerHandlers() {
	ec := e.cfg.Enrich
	switch ec.Notify {
	case NotifyDesktop:
		e.pool.Register("notify", enrich.NewDesktopNotifier(e.cfg.Viewer))
	case NotifyOff:
	default:
		e.pool.Register("notify", enrich.NewLogNotifier(e.cfg.Viewer, e.logger.Named("notify")))
	}
	if ec.TranslateURL != "" && ec.TargetLang != "" {
		e.pool.Register("translate", enrich.NewTranslator(ec.TranslateURL, ec.TargetLang, e.cfg.Viewer, e.db, e.set))
	}
	if ec.ThumbnailSize > 0 {
		e.pool.Register("thumbnail", enrich.NewThumbnailer(ec.ThumbnailSize, e.backend, e.backend, e.writer, e.set))
	}
}

// wire connects component hooks. Arrivals and deliveries feed enrichment;
// read counts seen by the listener feed the unread reconciler.
func (e *Engine) wire() {
	e.listener.OnArrival(func(a inbound.Arrival) {
		origin := enrich.Arrived
		if a.FromSummary {
			origin = enrich.ArrivedSummary
		}
		e.pool.Submit(enrich.Task{Origin: origin, Message: a.Message, Viewing: a.Viewing})
	})
	e.listener.OnRead(func(chatID string, n int) {
		e.receipts.Absorb(context.Background(), chatID, n)
	})
	e.listener.SetUnreadFunc(e.receipts.ApplyRemote)
	e.pipeline.OnDelivered(func(m store.Message) {
		e.pool.Submit(enrich.Task{Origin: enrich.Delivered, Message: m})
	})
	e.conn.OnChange(func(online bool) {
		if !online || !e.initialized.Load() {
			return
		}
		e.replayReceipts(context.Background())
		if err := e.listener.Resubscribe(); err != nil {
			e.logger.Warn("resubscribe after reconnect", zap.Error(err))
		}
	})
}

// Initialize migrates the schema, recovers interrupted deliveries, rebuilds
// the working set from the local store and starts the background
// components. A migration failure is fatal. Initialize runs once.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errs.New(errs.CodeConflict, "engine already initialized")
	}
	if e.closed {
		return errs.New(errs.CodeConflict, "engine shut down")
	}

	res, err := e.db.Migrate(0)
	if err != nil {
		return err
	}
	e.schema = res.Version
	if res.Changed {
		e.logger.Info("schema migrated", zap.Uint("from", res.From), zap.Uint("to", res.Version))
	}

	if err := e.pipeline.Recover(ctx); err != nil {
		return err
	}
	chats, err := e.db.ListChats(ctx, 0, 0)
	if err != nil {
		return errs.Storage("load chats", err)
	}
	e.set.Reset(chats)

	if e.conn.Online() {
		e.replayReceipts(ctx)
	}
	e.pool.Start(context.Background())
	if err := e.listener.Start(context.Background()); err != nil {
		// The chat list is resubscribed when connectivity returns.
		e.logger.Warn("chat list subscription deferred", zap.Error(err))
	}
	e.pipeline.Start()

	e.started = true
	e.initialized.Store(true)
	e.logger.Info("engine initialized", zap.Uint("schema", e.schema), zap.Int("chats", len(chats)), zap.Bool("online", e.conn.Online()))
	return nil
}

// Shutdown stops every background component and flushes parked writes. The
// engine cannot be restarted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.initialized.Store(false)

	e.loader.Stop()
	e.listener.Stop()
	e.pipeline.Stop()
	e.pool.Stop()

	var err error
	if left := e.writer.Flush(ctx); left > 0 {
		err = multierr.Append(err, errs.New(errs.CodeStorage, "writes left unpersisted at shutdown"))
		e.logger.Error("unpersisted writes at shutdown", zap.Int("count", left))
	}
	e.logger.Info("engine stopped")
	return err
}

// replayReceipts pushes read receipts and counter resets that could not
// reach the remote earlier.
func (e *Engine) replayReceipts(ctx context.Context) {
	if n, err := e.receipts.Replay(ctx); err != nil {
		e.logger.Warn("receipt replay incomplete", zap.Int("replayed", n), zap.Error(err))
	}
}

func (e *Engine) ready() error {
	if !e.initialized.Load() {
		return errs.ErrNotInitialized
	}
	return nil
}

// Viewer returns the local user id.
func (e *Engine) Viewer() string { return e.cfg.Viewer }

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Snapshot returns the current immutable working-set view.
func (e *Engine) Snapshot() *workset.Snapshot { return e.set.Snapshot() }
