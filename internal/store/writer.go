package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/errs"
	"go.uber.org/zap"
)

// Writer is the write path shared by the pipelines. A row whose write fails
// is parked in memory and retried before every later write, so a transient
// disk error never blocks the caller and is reconciled on the next
// successful write.
type Writer struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	messages map[string]Message
	chats    map[string]Chat
}

func NewWriter(db *DB, b *bus.Bus, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		db:       db,
		bus:      b,
		logger:   logger,
		messages: make(map[string]Message),
		chats:    make(map[string]Chat),
	}
}

// DB returns the underlying database.
func (w *Writer) DB() *DB { return w.db }

// PutMessage persists m. On failure m is parked and a Storage error returned;
// callers log it and carry on with the in-memory state.
func (w *Writer) PutMessage(ctx context.Context, m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirty := w.parkedLocked() > 0
	delete(w.messages, m.ID)
	w.flushLocked(ctx)
	if err := w.db.UpsertMessage(ctx, m); err != nil {
		w.parkLocked(func() { w.messages[m.ID] = m.Clone() })
		w.logger.Warn("message write parked", zap.String("msg_id", m.ID), zap.Error(err))
		return errs.Storage("persist message", err)
	}
	w.recoveredLocked(dirty)
	return nil
}

// PutChat persists c, parking it on failure like PutMessage.
func (w *Writer) PutChat(ctx context.Context, c *Chat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirty := w.parkedLocked() > 0
	delete(w.chats, c.ID)
	w.flushLocked(ctx)
	if err := w.db.UpsertChat(ctx, c); err != nil {
		w.parkLocked(func() { w.chats[c.ID] = c.Clone() })
		w.logger.Warn("chat write parked", zap.String("chat_id", c.ID), zap.Error(err))
		return errs.Storage("persist chat", err)
	}
	w.recoveredLocked(dirty)
	return nil
}

// Flush retries every parked row and returns how many remain unpersisted.
func (w *Writer) Flush(ctx context.Context) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirty := w.parkedLocked() > 0
	w.flushLocked(ctx)
	w.recoveredLocked(dirty)
	return w.parkedLocked()
}

// Unpersisted returns the number of parked rows.
func (w *Writer) Unpersisted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parkedLocked()
}

func (w *Writer) parkedLocked() int {
	return len(w.messages) + len(w.chats)
}

func (w *Writer) parkLocked(park func()) {
	wasClean := w.parkedLocked() == 0
	park()
	if wasClean && w.bus != nil {
		w.bus.Emit(bus.StorageDegraded, w.parkedLocked())
	}
}

func (w *Writer) recoveredLocked(wasDirty bool) {
	if !wasDirty || w.parkedLocked() > 0 {
		return
	}
	w.logger.Info("parked writes flushed")
	if w.bus != nil {
		w.bus.Emit(bus.StorageRecovered, nil)
	}
}

func (w *Writer) flushLocked(ctx context.Context) {
	if w.parkedLocked() == 0 {
		return
	}
	for _, id := range slices.Sorted(maps.Keys(w.chats)) {
		c := w.chats[id]
		if err := w.db.UpsertChat(ctx, &c); err != nil {
			return
		}
		delete(w.chats, id)
	}
	for _, id := range slices.Sorted(maps.Keys(w.messages)) {
		m := w.messages[id]
		if err := w.db.UpsertMessage(ctx, &m); err != nil {
			return
		}
		delete(w.messages, id)
	}
}
