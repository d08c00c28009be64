package store

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textMessage(id, chat, sender, text string, ts int64) *Message {
	return &Message{
		ID: id, ChatID: chat, SenderID: sender, Text: text, Timestamp: ts,
		Status: status.Sending, SyncStatus: status.Pending,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate(0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	latest, err := Latest()
	if err != nil {
		t.Fatal(err)
	}
	if result.Version != latest || latest != 3 {
		t.Errorf("version = %d, latest = %d, want 3", result.Version, latest)
	}
}

func TestMigrateStepwise(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "step.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	result, err := db.Migrate(1)
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 1 {
		t.Fatalf("got %+v, want 0 -> 1", result)
	}
	if _, err := db.Exec(`SELECT 1 FROM scroll_positions`); err == nil {
		t.Fatal("scroll_positions should not exist at version 1")
	}

	result, err = db.Migrate(0)
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 1 || result.Version != 3 || !result.Changed {
		t.Fatalf("got %+v, want 1 -> 3", result)
	}
}

func TestMigrateRejectsUnknownTarget(t *testing.T) {
	db := testDB(t)
	_, err := db.Migrate(99)
	if !errs.Is(err, errs.CodeMigration) {
		t.Fatalf("err = %v, want migration error", err)
	}
}

func TestMigrateDirtyIsFatal(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate(0)
	if !errs.Is(err, errs.CodeMigration) {
		t.Fatalf("err = %v, want migration error", err)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := textMessage("m1", "c1", "alice", "hello", 1000)
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Text = "hello updated"
	msg.Status = status.Sent
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", n)
	}
	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello updated" || got.Status != status.Sent {
		t.Errorf("got %q/%s, want hello updated/sent", got.Text, got.Status)
	}
}

func TestMessageRoundTripsComplexFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := &Message{
		ID: "m1", ChatID: "c1", SenderID: "alice",
		Media:     &Media{URL: "https://x/a.jpg", Caption: "cat", MimeType: "image/jpeg", LocalPath: "/tmp/a.jpg"},
		Timestamp: 1000, Status: status.Delivered, SyncStatus: status.Synced,
		Reactions:   Reactions{"👍": {"carol", "bob", "bob"}},
		DeletedFor:  []string{"bob"},
		Annotations: Annotations{"translation:en": "cat"},
	}
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Media == nil || got.Media.Caption != "cat" || got.Media.LocalPath != "/tmp/a.jpg" {
		t.Errorf("media = %+v", got.Media)
	}
	if !slices.Equal(got.Reactions["👍"], []string{"bob", "carol"}) {
		t.Errorf("reactions = %v, want sorted unique", got.Reactions)
	}
	if !got.HiddenFor("bob") || got.HiddenFor("alice") {
		t.Errorf("deleted_for = %v", got.DeletedFor)
	}
	if got.Annotations["translation:en"] != "cat" {
		t.Errorf("annotations = %v", got.Annotations)
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := testDB(t)
	m, err := db.GetMessage(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil for missing message")
	}
}

func TestMessageWindows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var batch []Message
	for i := range 10 {
		id := string(rune('a' + i))
		batch = append(batch, *textMessage(id, "c1", "alice", id, int64(1000+i)))
	}
	if err := db.UpsertMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	last, err := db.LastMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if ids(last) != "hij" {
		t.Errorf("last = %s, want hij", ids(last))
	}

	before, err := db.MessagesBefore(ctx, "c1", 1007, "h", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids(before) != "fg" {
		t.Errorf("before = %s, want fg", ids(before))
	}

	after, err := db.MessagesAfter(ctx, "c1", 1002, "c", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids(after) != "de" {
		t.Errorf("after = %s, want de", ids(after))
	}

	around, err := db.MessagesAround(ctx, "c1", "e", 5)
	if err != nil {
		t.Fatal(err)
	}
	if ids(around) != "cdefg" {
		t.Errorf("around = %s, want cdefg", ids(around))
	}

	fallback, err := db.MessagesAround(ctx, "c1", "zz", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids(fallback) != "ij" {
		t.Errorf("fallback = %s, want ij", ids(fallback))
	}
}

func ids(msgs []Message) string {
	var s string
	for _, m := range msgs {
		s += m.ID
	}
	return s
}

func TestUnreadFrom(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	msgs := []*Message{
		textMessage("a", "c1", "bob", "1", 1),
		textMessage("b", "c1", "bob", "2", 2),
		textMessage("c", "c1", "me", "3", 3),
		textMessage("d", "c1", "bob", "4", 4),
		textMessage("e", "c2", "bob", "5", 5),
	}
	msgs[0].Status = status.Delivered
	msgs[1].Status = status.Read
	msgs[2].Status = status.Sent
	msgs[3].Status = status.Sent
	msgs[4].Status = status.Sent
	for _, m := range msgs {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.UnreadFrom(ctx, "c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if ids(got) != "ad" {
		t.Errorf("unread = %s, want ad", ids(got))
	}
}

func TestPendingMessagesFIFO(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, m := range []*Message{
		textMessage("late", "c1", "me", "2", 2000),
		textMessage("early", "c2", "me", "1", 1000),
	} {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	failed := textMessage("failed", "c1", "me", "x", 500)
	failed.Status, failed.SyncStatus = status.Failed, status.SyncFailed
	if err := db.UpsertMessage(ctx, failed); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids(pending) != "earlylate" {
		t.Fatalf("pending = %s, want earlylate", ids(pending))
	}

	if err := db.MarkManualRetry(ctx, "failed", "c1"); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids(pending) != "failedearlylate" {
		t.Errorf("pending = %s, want failedearlylate", ids(pending))
	}
}

func TestQueueMarkers(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Enqueue(ctx, "m1", "c1", 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkInFlight(ctx, "m1", "c1"); err != nil {
		t.Fatal(err)
	}
	markers, err := db.InFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 1 || markers[0].Attempts != 1 || !markers[0].InFlight {
		t.Fatalf("markers = %+v", markers)
	}

	if err := db.ClearInFlight(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	markers, err = db.InFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 0 {
		t.Errorf("got %d in-flight markers after clear, want 0", len(markers))
	}

	if err := db.Dequeue(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("queue rows = %d, want 0", n)
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	older := &Chat{ID: "c1", Participants: []string{"alice", "bob"}, Name: "Alice",
		LastMessage: &Summary{MessageID: "m1", Text: "hi", SenderID: "alice", Status: status.Sent, Timestamp: 1000}}
	newer := &Chat{ID: "c2", Type: Group, Participants: []string{"alice", "bob", "carol"}, AdminID: "alice",
		LastMessage: &Summary{MessageID: "m2", Text: "yo", SenderID: "bob", Status: status.Read, Timestamp: 2000}}
	for _, c := range []*Chat{older, newer} {
		if err := db.UpsertChat(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	older.Name = "Alice Updated"
	if err := db.UpsertChat(ctx, older); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != "c2" || chats[1].Name != "Alice Updated" {
		t.Errorf("order/name wrong: %+v", chats)
	}
	if chats[0].Type != Group || !chats[0].HasParticipant("carol") || chats[0].LastMessage.Status != status.Read {
		t.Errorf("group chat = %+v", chats[0])
	}
}

func TestSetSummaryRejectsOlder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	applied, err := db.SetSummary(ctx, "c1", &Summary{MessageID: "m2", Text: "new", Timestamp: 2000})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	applied, err = db.SetSummary(ctx, "c1", &Summary{MessageID: "m1", Text: "old", Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("older summary should be rejected")
	}
	c, err := db.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage.MessageID != "m2" {
		t.Errorf("last message = %s, want m2", c.LastMessage.MessageID)
	}
}

func TestSetSummaryKeepsHigherStatusOfSameMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	read := &Summary{MessageID: "m1", SenderID: "bob", Text: "hi", Timestamp: 10, Status: status.Read}
	if applied, err := db.SetSummary(ctx, "c1", read); err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}

	// A late push of the same message at an earlier status.
	late := *read
	late.Status = status.Delivered
	applied, err := db.SetSummary(ctx, "c1", &late)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("delivered summary applied over read")
	}
	c, err := db.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage.Status != status.Read {
		t.Errorf("summary status = %s, want read", c.LastMessage.Status)
	}

	// A different message at the same timestamp still replaces it.
	other := &Summary{MessageID: "m2", SenderID: "bob", Text: "again", Timestamp: 10, Status: status.Delivered}
	if applied, err := db.SetSummary(ctx, "c1", other); err != nil || !applied {
		t.Errorf("same-time summary of another message: applied=%v err=%v", applied, err)
	}
}

func TestSetUnreadClamps(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertChat(ctx, &Chat{ID: "c1", UnreadCount: 4}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUnread(ctx, "c1", -3); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertChat(ctx, &Chat{ID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, textMessage("m1", "c1", "me", "x", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue(ctx, "m1", "c1", 1); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveScroll(ctx, &ScrollPosition{ChatID: "c1", AnchorMessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteChat(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if c, _ := db.GetChat(ctx, "c1"); c != nil {
		t.Error("chat still present")
	}
	if n, _ := db.CountMessages(ctx, "c1"); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if p, _ := db.GetScroll(ctx, "c1"); p != nil {
		t.Error("scroll position still present")
	}
}

func TestScrollPosition(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if p, err := db.GetScroll(ctx, "c1"); err != nil || p != nil {
		t.Fatalf("p=%v err=%v, want nil", p, err)
	}
	if err := db.SaveScroll(ctx, &ScrollPosition{ChatID: "c1", LastReadMessageID: "m3", AnchorMessageID: "m2", AnchorOffset: 40}); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetScroll(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if p.AnchorMessageID != "m2" || p.AnchorOffset != 40 || p.LastReadMessageID != "m3" {
		t.Errorf("got %+v", p)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetState(ctx, "promo/m1"); err != nil || ok {
		t.Fatalf("ok=%v err=%v, want missing", ok, err)
	}
	for _, k := range []string{"promo/m1", "promo/m2", "reset/c1"} {
		if err := db.PutState(ctx, k, "read"); err != nil {
			t.Fatal(err)
		}
	}
	v, ok, err := db.GetState(ctx, "promo/m1")
	if err != nil || !ok || v != "read" {
		t.Fatalf("v=%q ok=%v err=%v", v, ok, err)
	}
	listed, err := db.ListState(ctx, "promo/")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed["m1"] != "read" || listed["m2"] != "read" {
		t.Errorf("ListState = %v", listed)
	}
	if err := db.DeleteState(ctx, "promo/m1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetState(ctx, "promo/m1"); ok {
		t.Error("promo/m1 survived delete")
	}
	if err := db.DeleteStatePrefix(ctx, "promo/"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetState(ctx, "promo/m2"); ok {
		t.Error("promo/m2 survived prefix delete")
	}
	if _, ok, _ := db.GetState(ctx, "reset/c1"); !ok {
		t.Error("reset/c1 should survive")
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	gone := textMessage("m3", "c1", "alice", "hello again", 3000)
	gone.DeletedForEveryone = true
	for _, m := range []*Message{
		textMessage("m1", "c1", "alice", "hello world", 1000),
		textMessage("m2", "c1", "alice", "goodbye world", 2000),
		textMessage("m4", "c1", "alice", "100% sure", 4000),
		gone,
	} {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages(ctx, "HELLO", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Fatalf("results = %+v, want m1 only", results)
	}
	if results[0].Snippet != "<<hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages(ctx, "%", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m4" {
		t.Errorf("literal %% search = %+v, want m4", results)
	}
}

func TestSetAnnotation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, textMessage("m1", "c1", "alice", "hola", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.SetAnnotation(ctx, "m1", "translation:en", "hello"); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Annotations["translation:en"] != "hello" {
		t.Errorf("annotations = %v", m.Annotations)
	}
	if err := db.SetAnnotation(ctx, "missing", "k", "v"); err == nil {
		t.Error("expected error annotating a missing message")
	}
}
