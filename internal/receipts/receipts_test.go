package receipts

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/zap"
)

type fixture struct {
	db  *store.DB
	mem *remote.Memory
	set *workset.Set
	r   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	f := &fixture{db: db, mem: remote.NewMemory(), set: workset.New(b)}
	f.r = New(Deps{
		Writer: store.NewWriter(db, b, zap.NewNop()),
		Remote: f.mem,
		Set:    f.set,
		Logger: zap.NewNop(),
		Viewer: "me",
	})
	return f
}

// seed stores a chat with n unread messages from bob, mirrored on the remote
// counter.
func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	var last store.Message
	for i := range n {
		last = store.Message{
			ID: string(rune('a' + i)), ChatID: "c1", SenderID: "bob", Text: "hey",
			Timestamp: int64(i + 1), Status: status.Delivered, SyncStatus: status.Synced,
		}
		if err := f.db.UpsertMessage(ctx, &last); err != nil {
			t.Fatal(err)
		}
		if _, _, err := f.mem.IncrementCounter(ctx, wire.UnreadCounter("c1", "me"), 1); err != nil {
			t.Fatal(err)
		}
	}
	chat := store.Chat{ID: "c1", Participants: []string{"me", "bob"}, UnreadCount: n, LastMessage: store.SummaryOf(&last)}
	if err := f.db.UpsertChat(ctx, &chat); err != nil {
		t.Fatal(err)
	}
	f.set.Reset([]store.Chat{chat})
}

func (f *fixture) remoteUnread(t *testing.T) int64 {
	t.Helper()
	doc, ok := f.mem.Get(wire.Chats, "c1")
	if !ok {
		t.Fatal("remote chat missing")
	}
	var d wire.ChatDoc
	if err := json.Unmarshal(doc.Fields, &d); err != nil {
		t.Fatal(err)
	}
	return d.Unread["me"]
}

func TestMarkReadPromotesAndResets(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3)
	ctx := context.Background()

	res, err := f.r.MarkRead(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Promoted != 3 || res.Unread != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, id := range []string{"a", "b", "c"} {
		m, _ := f.db.GetMessage(ctx, id)
		if m.Status != status.Read {
			t.Errorf("%s status = %s, want read", id, m.Status)
		}
		doc, ok := f.mem.Get(wire.Messages, wire.MessageKey("c1", id))
		if !ok {
			t.Fatalf("%s: no remote status write", id)
		}
		var fields map[string]any
		if err := json.Unmarshal(doc.Fields, &fields); err != nil {
			t.Fatal(err)
		}
		if fields["status"] != "read" {
			t.Errorf("%s remote status = %v", id, fields["status"])
		}
	}
	if got := f.remoteUnread(t); got != 0 {
		t.Errorf("remote unread = %d, want 0", got)
	}
	c, _ := f.db.GetChat(ctx, "c1")
	if c.UnreadCount != 0 || c.LastMessage.Status != status.Read {
		t.Errorf("chat = unread %d summary %s", c.UnreadCount, c.LastMessage.Status)
	}
	if got, _ := f.set.Chat("c1"); got.UnreadCount != 0 {
		t.Errorf("working set unread = %d", got.UnreadCount)
	}
}

func TestMarkReadKeepsRacingIncrement(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	ctx := context.Background()

	// A third message lands remotely before the local view learns about it.
	if _, _, err := f.mem.IncrementCounter(ctx, wire.UnreadCounter("c1", "me"), 1); err != nil {
		t.Fatal(err)
	}

	res, err := f.r.MarkRead(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Unread != 1 {
		t.Errorf("unread after read = %d, want 1", res.Unread)
	}
	c, _ := f.db.GetChat(ctx, "c1")
	if c.UnreadCount != 1 {
		t.Errorf("local unread = %d, want 1", c.UnreadCount)
	}
}

func TestApplyRemoteIgnoresPushesOlderThanReset(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	ctx := context.Background()

	doc, _ := f.mem.Get(wire.Chats, "c1")
	stale := doc.Revision

	if _, err := f.r.MarkRead(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	f.r.ApplyRemote(ctx, "c1", 2, stale)
	if c, _ := f.db.GetChat(ctx, "c1"); c.UnreadCount != 0 {
		t.Errorf("stale push applied: unread = %d", c.UnreadCount)
	}

	f.r.ApplyRemote(ctx, "c1", 1, stale+100)
	if c, _ := f.db.GetChat(ctx, "c1"); c.UnreadCount != 1 {
		t.Errorf("newer push ignored: unread = %d", c.UnreadCount)
	}
}

func TestMarkReadOfflineStillZeroesLocally(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	f.mem.SetOnline(false)

	res, err := f.r.MarkRead(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Unread != 0 || res.Promoted != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestMarkReadUnknownChat(t *testing.T) {
	f := newFixture(t)
	if _, err := f.r.MarkRead(context.Background(), "nope"); err == nil {
		t.Error("expected unknown chat error")
	}
}

func TestAbsorb(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	f.r.Absorb(context.Background(), "c1", 1)
	if got := f.remoteUnread(t); got != 0 {
		t.Errorf("remote unread = %d, want 0", got)
	}
}

func TestOfflineReadIsReplayedOnReconnect(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	ctx := context.Background()

	f.mem.SetOnline(false)
	if _, err := f.r.MarkRead(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	// The stale count is pushed again while the reset is still owed.
	f.r.ApplyRemote(ctx, "c1", 2, 0)
	if c, _ := f.db.GetChat(ctx, "c1"); c.UnreadCount != 0 {
		t.Errorf("push applied while reset owed: unread = %d", c.UnreadCount)
	}

	// A second attempt while still offline keeps everything queued.
	if _, err := f.r.Replay(ctx); err == nil {
		t.Error("expected replay to fail while offline")
	}

	f.mem.SetOnline(true)
	n, err := f.r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two statuses, one summary and one counter reset.
	if n != 4 {
		t.Errorf("replayed %d writes, want 4", n)
	}
	for _, id := range []string{"a", "b"} {
		doc, ok := f.mem.Get(wire.Messages, wire.MessageKey("c1", id))
		if !ok {
			t.Fatalf("%s: read status never reached the remote", id)
		}
		var fields map[string]any
		if err := json.Unmarshal(doc.Fields, &fields); err != nil {
			t.Fatal(err)
		}
		if fields["status"] != "read" {
			t.Errorf("%s remote status = %v", id, fields["status"])
		}
	}
	if got := f.remoteUnread(t); got != 0 {
		t.Errorf("remote unread = %d, want 0", got)
	}

	// Nothing is left to replay.
	if n, err := f.r.Replay(ctx); err != nil || n != 0 {
		t.Errorf("second replay = %d, %v", n, err)
	}
	d, err := f.r.ledger.Deferred(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Errorf("deferred after replay = %+v", d)
	}
}

func TestReplayDropsSummaryOfSupersededMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	ctx := context.Background()

	f.mem.SetOnline(false)
	if _, err := f.r.MarkRead(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	newer := &store.Summary{MessageID: "z", SenderID: "bob", Text: "later", Timestamp: 99, Status: status.Delivered}
	if _, err := f.db.SetSummary(ctx, "c1", newer); err != nil {
		t.Fatal(err)
	}

	f.mem.SetOnline(true)
	if _, err := f.r.Replay(ctx); err != nil {
		t.Fatal(err)
	}
	for _, w := range f.mem.Writes() {
		if w.Collection == wire.Chats && w.Fields["last_message.status"] != nil {
			t.Errorf("summary status pushed for a superseded message: %+v", w)
		}
	}
}
