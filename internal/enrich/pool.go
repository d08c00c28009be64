// Package enrich runs best-effort background work on messages: desktop
// notifications, translations and media thumbnails. Work is handed over
// through a bounded queue; failures are logged and never reach the delivery
// path.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Origin says why a task was queued.
type Origin int

const (
	// Arrived is a message from someone else seen for the first time.
	Arrived Origin = iota
	// ArrivedSummary is an arrival known only from a chat summary.
	ArrivedSummary
	// Delivered is one of our messages acknowledged by the remote store.
	Delivered
)

func (o Origin) String() string {
	switch o {
	case Arrived:
		return "arrived"
	case ArrivedSummary:
		return "arrived_summary"
	case Delivered:
		return "delivered"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Task is one unit of enrichment work.
type Task struct {
	Origin  Origin
	Message store.Message
	Viewing bool
}

// Handler processes tasks. Handlers ignore tasks that do not concern them.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig is two workers over a queue of 256 tasks.
func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 256}
}

type namedHandler struct {
	name string
	h    Handler
}

// Pool fans queued tasks out to every registered handler.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	queue  chan Task

	mu       sync.Mutex
	handlers []namedHandler
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	stopped atomic.Bool
	dropped atomic.Uint64
}

// NewPool creates a pool. Handlers are registered before Start.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Pool{cfg: cfg, logger: logger, queue: make(chan Task, cfg.QueueSize)}
}

// Register adds a handler under name.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, namedHandler{name: name, h: h})
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for range p.cfg.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
	p.logger.Info("enrichment pool started", zap.Int("workers", p.cfg.Workers), zap.Int("handlers", len(p.handlers)))
}

// Stop cancels in-flight work and waits for the workers. Queued tasks are
// discarded.
func (p *Pool) Stop() {
	p.stopped.Store(true)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Submit queues t without blocking. It returns false when the queue is full
// or the pool is stopped; the task is then dropped.
func (p *Pool) Submit(t Task) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Debug("enrichment queue full", zap.String("msg_id", t.Message.ID))
		return false
	}
}

// Dropped returns how many tasks were dropped on a full queue.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case t := <-p.queue:
			p.run(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	p.mu.Lock()
	handlers := append([]namedHandler{}, p.handlers...)
	p.mu.Unlock()
	for _, nh := range handlers {
		if err := p.call(ctx, nh.h, t); err != nil {
			p.logger.Warn("enrichment failed",
				zap.String("handler", nh.name), zap.String("msg_id", t.Message.ID),
				zap.Stringer("origin", t.Origin), zap.Error(err))
		}
	}
}

func (p *Pool) call(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.CodeEnrichment, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	if err := h.Handle(ctx, t); err != nil {
		return errs.Wrap(errs.CodeEnrichment, "enrich", err)
	}
	return nil
}
