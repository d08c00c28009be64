package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

func asDoc(t *testing.T, collection, id string, fields map[string]any) remote.Document {
	t.Helper()
	b, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return remote.Document{Collection: collection, ID: id, Fields: b, Revision: 7, Modified: time.UnixMilli(5000)}
}

func TestEncodeMessageDropsLocalOnlyData(t *testing.T) {
	m := &store.Message{
		ID: "m1", ChatID: "c1", SenderID: "alice",
		Media:       &store.Media{URL: "u", Caption: "cap", LocalPath: "/home/alice/cat.png"},
		Timestamp:   1000,
		Status:      status.Sent,
		SyncStatus:  status.Synced,
		Annotations: store.Annotations{"translation:en": "cat"},
	}
	b, err := json.Marshal(EncodeMessage(m))
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"/home/alice", "translation", "annotations", "sync_status", "synced"} {
		if strings.Contains(string(b), leak) {
			t.Errorf("encoded message leaks %q: %s", leak, b)
		}
	}

	got, err := DecodeMessage(remote.Document{Collection: Messages, ID: MessageKey("c1", "m1"), Fields: b})
	if err != nil {
		t.Fatal(err)
	}
	if got.Media == nil || got.Media.Caption != "cap" || got.Media.LocalPath != "" {
		t.Errorf("media = %+v", got.Media)
	}
	if got.Annotations != nil {
		t.Errorf("annotations = %v, want none from remote", got.Annotations)
	}
	if got.SyncStatus != status.Synced {
		t.Errorf("sync = %s, want synced", got.SyncStatus)
	}
}

func TestDecodeMessageValidation(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{"id": "m1", "chat_id": "c1", "sender_id": "bob", "text": "hi", "timestamp": 10, "status": "sent"}
	}
	tests := []struct {
		name  string
		key   string
		patch map[string]any
		ok    bool
	}{
		{"valid", "c1.m1", nil, true},
		{"ids from key", "c1.m1", map[string]any{"id": "", "chat_id": ""}, true},
		{"bad key", "c1m1", nil, false},
		{"key mismatch", "c2.m1", nil, false},
		{"no sender", "c1.m1", map[string]any{"sender_id": ""}, false},
		{"bad status", "c1.m1", map[string]any{"status": "queued"}, false},
		{"no payload", "c1.m1", map[string]any{"text": ""}, false},
		{"both payloads", "c1.m1", map[string]any{"media": map[string]any{"url": "u"}}, false},
		{"deleted without payload", "c1.m1", map[string]any{"text": "", "deleted_for_everyone": true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid()
			for k, v := range tt.patch {
				f[k] = v
			}
			_, err := DecodeMessage(asDoc(t, Messages, tt.key, f))
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestDecodeMessageServerTimestampFallback(t *testing.T) {
	m, err := DecodeMessage(asDoc(t, Messages, "c1.m1", map[string]any{"sender_id": "bob", "text": "hi", "status": "sent"}))
	if err != nil {
		t.Fatal(err)
	}
	if m.ServerTimestamp != 5000 || m.Timestamp != 5000 {
		t.Errorf("timestamps = %d/%d, want 5000/5000", m.Timestamp, m.ServerTimestamp)
	}
}

func TestChatDocViewerUnread(t *testing.T) {
	doc := asDoc(t, Chats, "c1", map[string]any{
		"type":         "group",
		"participants": []string{"alice", "bob"},
		"name":         "Team",
		"last_message": map[string]any{"message_id": "m1", "text": "yo", "sender_id": "bob", "status": "delivered", "timestamp": 99},
		"unread":       map[string]any{"alice": 3, "bob": 0},
	})
	d, err := DecodeChat(doc)
	if err != nil {
		t.Fatal(err)
	}
	if d.Revision != 7 {
		t.Errorf("revision = %d, want 7", d.Revision)
	}
	c := d.Chat("alice")
	if c.UnreadCount != 3 || c.Type != store.Group || c.LastMessage.Status != status.Delivered {
		t.Errorf("chat = %+v", c)
	}
	if d.Chat("carol").UnreadCount != 0 {
		t.Error("non-participant should see zero unread")
	}
}

func TestDecodeChatRejectsUnknownType(t *testing.T) {
	_, err := DecodeChat(asDoc(t, Chats, "c1", map[string]any{"type": "channel"}))
	if err == nil {
		t.Error("expected error for unknown chat type")
	}
}

func TestEncodeChatLeavesUnreadAlone(t *testing.T) {
	f := EncodeChat(&store.Chat{ID: "c1", Type: store.Direct, UnreadCount: 4})
	if _, ok := f["unread"]; ok {
		t.Error("chat metadata write must not touch unread counters")
	}
}

func TestMessageKeys(t *testing.T) {
	key := MessageKey("c1", "0192-ab")
	chat, msg, ok := SplitMessageKey(key)
	if !ok || chat != "c1" || msg != "0192-ab" {
		t.Errorf("split(%q) = %q %q %v", key, chat, msg, ok)
	}
	for _, id := range []string{"", "a.b", "a b", "a>", "a*"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true", id)
		}
	}
	if !ValidID("0192f3b2-7c1e-7a00-8000-000000000001") {
		t.Error("uuid should be a valid id")
	}
}
