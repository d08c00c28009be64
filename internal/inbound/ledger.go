package inbound

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
)

const (
	promoPrefix   = "promo/"
	pushPrefix    = "push/msg/"
	summaryPrefix = "push/summary/"
	resetPrefix   = "push/unread/"
)

// Ledger records the highest status this device has pushed for a message it
// received, so a redelivered change never triggers a second promotion. It
// also keeps the receipt writes the remote has not acknowledged yet. It lives
// in sync_state and survives restarts.
type Ledger struct {
	db *store.DB
	mu sync.Mutex
}

// NewLedger creates a ledger over db.
func NewLedger(db *store.DB) *Ledger {
	return &Ledger{db: db}
}

// Claim reserves the promotion of messageID to st. It returns false when the
// same or a later status was already claimed.
func (l *Ledger) Claim(ctx context.Context, messageID string, st status.Status) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok, err := l.db.GetState(ctx, promoPrefix+messageID)
	if err != nil {
		return false, err
	}
	if ok && status.Status(prev).Rank() >= st.Rank() {
		return false, nil
	}
	if err := l.db.PutState(ctx, promoPrefix+messageID, string(st)); err != nil {
		return false, err
	}
	return true, nil
}

// Claimed returns the status claimed for messageID, if any.
func (l *Ledger) Claimed(ctx context.Context, messageID string) (status.Status, bool, error) {
	v, ok, err := l.db.GetState(ctx, promoPrefix+messageID)
	return status.Status(v), ok, err
}

// Receipt is a status push the remote still owes an acknowledgement for.
type Receipt struct {
	ChatID    string
	MessageID string
	Status    status.Status
}

// Deferred lists the receipt writes waiting for the remote.
type Deferred struct {
	Statuses  []Receipt
	Summaries []Receipt
	// Resets maps chat id to the count still to take off the viewer's
	// remote unread counter.
	Resets map[string]int
}

// Empty reports whether nothing is waiting.
func (d Deferred) Empty() bool {
	return len(d.Statuses) == 0 && len(d.Summaries) == 0 && len(d.Resets) == 0
}

// DeferStatus keeps a message status push for replay. A later status
// replaces an earlier one.
func (l *Ledger) DeferStatus(ctx context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := pushPrefix + wire.MessageKey(r.ChatID, r.MessageID)
	prev, ok, err := l.db.GetState(ctx, key)
	if err != nil {
		return err
	}
	if ok && status.Status(prev).Rank() >= r.Status.Rank() {
		return nil
	}
	return l.db.PutState(ctx, key, string(r.Status))
}

// DeferSummary keeps a chat summary status push for replay.
func (l *Ledger) DeferSummary(ctx context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := summaryPrefix + r.ChatID
	prev, ok, err := l.db.GetState(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if p, ok := decodeSummary(r.ChatID, prev); ok && p.MessageID == r.MessageID && p.Status.Rank() >= r.Status.Rank() {
			return nil
		}
	}
	return l.db.PutState(ctx, key, string(r.Status)+" "+r.MessageID)
}

// DeferReset adds n to the count still owed to the chat's remote counter.
func (l *Ledger) DeferReset(ctx context.Context, chatID string, n int) error {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.pendingReset(ctx, chatID)
	if err != nil {
		return err
	}
	return l.db.PutState(ctx, resetPrefix+chatID, strconv.Itoa(cur+n))
}

// PendingReset returns the count still owed to the chat's remote counter.
func (l *Ledger) PendingReset(ctx context.Context, chatID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingReset(ctx, chatID)
}

func (l *Ledger) pendingReset(ctx context.Context, chatID string) (int, error) {
	v, ok, err := l.db.GetState(ctx, resetPrefix+chatID)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Deferred loads everything waiting for the remote.
func (l *Ledger) Deferred(ctx context.Context) (Deferred, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := Deferred{Resets: make(map[string]int)}

	pushes, err := l.db.ListState(ctx, pushPrefix)
	if err != nil {
		return d, err
	}
	for key, v := range pushes {
		chatID, id, ok := wire.SplitMessageKey(key)
		if !ok {
			continue
		}
		d.Statuses = append(d.Statuses, Receipt{ChatID: chatID, MessageID: id, Status: status.Status(v)})
	}
	sort.Slice(d.Statuses, func(i, j int) bool { return d.Statuses[i].MessageID < d.Statuses[j].MessageID })

	summaries, err := l.db.ListState(ctx, summaryPrefix)
	if err != nil {
		return d, err
	}
	for chatID, v := range summaries {
		if r, ok := decodeSummary(chatID, v); ok {
			d.Summaries = append(d.Summaries, r)
		}
	}

	resets, err := l.db.ListState(ctx, resetPrefix)
	if err != nil {
		return d, err
	}
	for chatID, v := range resets {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Resets[chatID] = n
		}
	}
	return d, nil
}

// AckStatus drops a replayed status push unless a later one was deferred
// meanwhile.
func (l *Ledger) AckStatus(ctx context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := pushPrefix + wire.MessageKey(r.ChatID, r.MessageID)
	prev, ok, err := l.db.GetState(ctx, key)
	if err != nil || !ok || status.Status(prev).Rank() > r.Status.Rank() {
		return err
	}
	return l.db.DeleteState(ctx, key)
}

// AckSummary drops a replayed or superseded summary push.
func (l *Ledger) AckSummary(ctx context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := summaryPrefix + r.ChatID
	prev, ok, err := l.db.GetState(ctx, key)
	if err != nil || !ok {
		return err
	}
	if p, ok := decodeSummary(r.ChatID, prev); ok && (p.MessageID != r.MessageID || p.Status.Rank() > r.Status.Rank()) {
		return nil
	}
	return l.db.DeleteState(ctx, key)
}

// AckReset takes n off the count owed to the chat's remote counter.
func (l *Ledger) AckReset(ctx context.Context, chatID string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.pendingReset(ctx, chatID)
	if err != nil {
		return err
	}
	if cur-n <= 0 {
		return l.db.DeleteState(ctx, resetPrefix+chatID)
	}
	return l.db.PutState(ctx, resetPrefix+chatID, strconv.Itoa(cur-n))
}

func decodeSummary(chatID, v string) (Receipt, bool) {
	st, id, ok := strings.Cut(v, " ")
	if !ok || id == "" {
		return Receipt{}, false
	}
	return Receipt{ChatID: chatID, MessageID: id, Status: status.Status(st)}, true
}
