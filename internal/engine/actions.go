package engine

import (
	"context"
	"slices"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// React toggles the viewer's reaction with symbol on a delivered message.
// Reactions are written remotely first and are not queued while offline.
func (e *Engine) React(ctx context.Context, messageID, symbol string) (store.Message, error) {
	if err := e.ready(); err != nil {
		return store.Message{}, err
	}
	if symbol == "" {
		return store.Message{}, errs.InvalidArg("empty reaction")
	}
	cur, err := e.message(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if cur.SyncStatus != status.Synced {
		return store.Message{}, errs.New(errs.CodeConflict, "message "+messageID+" is not delivered yet")
	}

	m := cur.Clone()
	if m.Reactions == nil {
		m.Reactions = store.Reactions{}
	}
	users := m.Reactions[symbol]
	if i := slices.Index(users, e.cfg.Viewer); i >= 0 {
		users = slices.Delete(users, i, i+1)
	} else {
		users = append(users, e.cfg.Viewer)
	}
	if len(users) == 0 {
		delete(m.Reactions, symbol)
	} else {
		m.Reactions[symbol] = users
	}

	if _, err := e.backend.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.ReactionFields(m.Reactions)); err != nil {
		return *cur, errs.Transient("write reaction", err)
	}
	e.keep(ctx, &m)
	return m, nil
}

// DeleteForMe hides a message from the viewer. Undelivered messages carry the
// flag with them when they are sent.
func (e *Engine) DeleteForMe(ctx context.Context, messageID string) (store.Message, error) {
	if err := e.ready(); err != nil {
		return store.Message{}, err
	}
	cur, err := e.message(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if cur.HiddenFor(e.cfg.Viewer) {
		return *cur, nil
	}
	m := cur.Clone()
	m.DeletedFor = append(m.DeletedFor, e.cfg.Viewer)
	if m.SyncStatus == status.Synced {
		if _, err := e.backend.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.DeletedForFields(m.DeletedFor)); err != nil {
			return *cur, errs.Transient("write deletion", err)
		}
	}
	e.keep(ctx, &m)
	return m, nil
}

// DeleteForEveryone retracts one of the viewer's messages for all
// participants and removes it locally once the remote store acknowledges. A
// message that never left the device is simply dropped.
func (e *Engine) DeleteForEveryone(ctx context.Context, messageID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	m, err := e.message(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != e.cfg.Viewer {
		return errs.InvalidArg("only the sender can delete a message for everyone")
	}
	if m.SyncStatus != status.Synced {
		if e.pipeline.Draining() {
			return errs.New(errs.CodeConflict, "message "+messageID+" is being delivered")
		}
	} else {
		at := e.ids.Clock().Now()
		if _, err := e.backend.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID), wire.DeleteForEveryoneFields(at)); err != nil {
			return errs.Transient("write deletion", err)
		}
	}
	if err := e.db.DeleteMessage(ctx, m.ID); err != nil {
		e.logger.Warn("delete local message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	e.set.RemoveMessage(m.ChatID, m.ID)
	e.logger.Info("message deleted for everyone", zap.String("msg_id", m.ID), zap.String("chat_id", m.ChatID))
	return nil
}

func (e *Engine) message(ctx context.Context, id string) (*store.Message, error) {
	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return nil, errs.Storage("load message", err)
	}
	if m == nil {
		return nil, errs.ErrUnknownMessage
	}
	return m, nil
}

// keep persists a locally changed message and publishes it to the working set.
func (e *Engine) keep(ctx context.Context, m *store.Message) {
	if err := e.writer.PutMessage(ctx, m); err != nil {
		e.logger.Warn("message kept in memory only", zap.String("msg_id", m.ID), zap.Error(err))
	}
	e.set.UpsertMessages(*m)
}
