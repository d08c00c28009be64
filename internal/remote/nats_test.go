package remote

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testNATS(t *testing.T) *NATS {
	t.Helper()
	url := os.Getenv("CHATSYNC_NATS_URL")
	if url == "" {
		t.Skip("CHATSYNC_NATS_URL not set")
	}
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	n, err := NewNATS(NATSConfig{
		URL:  url,
		Name: "chatsync-test",
		Buckets: map[string]string{
			"messages": "test_messages_" + suffix,
			"chats":    "test_chats_" + suffix,
		},
		MediaBucket: "test_media_" + suffix,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !n.Online() {
		if time.Now().After(deadline) {
			t.Fatal("nats not connected")
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNATSWriteMergeAndSubscribe(t *testing.T) {
	n := testNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := n.Write(ctx, "messages", "c1.m1", map[string]any{"text": "a", "status": "sent"}); err != nil {
		t.Fatal(err)
	}
	sub, err := n.Subscribe(ctx, Query{Collection: "messages", Prefix: "c1."})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Close() }()

	first := nextBatch(t, sub)
	if !first.InitialDone || len(first.Added) != 1 {
		t.Fatalf("initial = %+v", first)
	}

	if _, err := n.Write(ctx, "messages", "c1.m1", map[string]any{"status": "read"}); err != nil {
		t.Fatal(err)
	}
	b := nextBatch(t, sub)
	if len(b.Modified) != 1 {
		t.Fatalf("batch = %+v", b)
	}
	var doc map[string]string
	if err := b.Modified[0].Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc["text"] != "a" || doc["status"] != "read" {
		t.Errorf("doc = %v", doc)
	}
}

func TestNATSCounterAndObjects(t *testing.T) {
	n := testNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := Counter{Collection: "chats", ID: "c1", Field: "unread.bob"}
	for range 2 {
		if _, _, err := n.IncrementCounter(ctx, c, 1); err != nil {
			t.Fatal(err)
		}
	}
	v, _, err := n.IncrementCounter(ctx, c, -1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("counter = %d, want 1", v)
	}

	count, err := n.Count(ctx, Query{Collection: "chats"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	url, err := n.Upload(ctx, "a.png", []byte("png"))
	if err != nil {
		t.Fatal(err)
	}
	if url == "" {
		t.Error("empty url")
	}
}
