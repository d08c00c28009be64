package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPoolRunsEveryHandlerAndSurvivesFailures(t *testing.T) {
	p := NewPool(Config{Workers: 2, QueueSize: 8}, zap.NewNop())
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 8)
	p.Register("fails", HandlerFunc(func(context.Context, Task) error { return errors.New("boom") }))
	p.Register("panics", HandlerFunc(func(context.Context, Task) error { panic("bad handler") }))
	p.Register("counts", HandlerFunc(func(_ context.Context, t Task) error {
		mu.Lock()
		seen[t.Message.ID]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}))
	p.Start(context.Background())
	defer p.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if !p.Submit(Task{Message: store.Message{ID: id}}) {
			t.Fatalf("submit %s rejected", id)
		}
	}
	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not run")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 || seen["b"] != 1 || seen["c"] != 1 {
		t.Errorf("seen = %v", seen)
	}
}

func TestSubmitNeverBlocks(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 1}, nil)
	// Not started: the queue fills and further submits drop.
	if !p.Submit(Task{}) {
		t.Fatal("first submit should fit")
	}
	if p.Submit(Task{}) {
		t.Error("submit on a full queue should drop")
	}
	if p.Dropped() != 1 {
		t.Errorf("dropped = %d", p.Dropped())
	}
	p.Stop()
	if p.Submit(Task{}) {
		t.Error("submit after stop should drop")
	}
}

func TestNotifier(t *testing.T) {
	var got []string
	n := &Notifier{viewer: "me", send: func(title, body string) error {
		got = append(got, title+"|"+body)
		return nil
	}}
	ctx := context.Background()
	text := store.Message{ID: "m1", ChatID: "c1", SenderID: "bob", Text: "hello   there"}

	_ = n.Handle(ctx, Task{Origin: Arrived, Message: text})
	_ = n.Handle(ctx, Task{Origin: Arrived, Message: text, Viewing: true})
	_ = n.Handle(ctx, Task{Origin: Delivered, Message: text})
	own := text
	own.SenderID = "me"
	_ = n.Handle(ctx, Task{Origin: Arrived, Message: own})
	media := store.Message{ID: "m2", ChatID: "c1", SenderID: "bob", Media: &store.Media{URL: "u"}}
	_ = n.Handle(ctx, Task{Origin: ArrivedSummary, Message: media})

	want := []string{"c1 · bob|hello there", "c1 · bob|[media]"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("notifications = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 6); got != "héllo…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestTranslatorStoresAnnotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Target != "en" {
			http.Error(w, "bad target", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(translateResponse{Text: "hello"})
	}))
	defer srv.Close()

	db := testDB(t)
	ctx := context.Background()
	set := workset.New(bus.New())
	m := store.Message{ID: "m1", ChatID: "c1", SenderID: "bob", Text: "hola", Timestamp: 1,
		Status: status.Delivered, SyncStatus: status.Synced}
	if err := db.UpsertMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}
	set.Materialize("c1", []store.Message{m})

	tr := NewTranslator(srv.URL, "en", "me", db, set)
	if err := tr.Handle(ctx, Task{Origin: Arrived, Message: m}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage(ctx, "m1")
	if got.Annotations[TranslationKey("en")] != "hello" {
		t.Errorf("annotations = %v", got.Annotations)
	}
	held, _ := set.Message("c1", "m1")
	if held.Annotations[TranslationKey("en")] != "hello" {
		t.Errorf("working set annotations = %v", held.Annotations)
	}
}

func TestTranslatorReportsEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	tr := NewTranslator(srv.URL, "en", "me", testDB(t), workset.New(nil))
	err := tr.Handle(context.Background(), Task{Origin: Arrived, Message: store.Message{ID: "m1", SenderID: "bob", Text: "hola"}})
	if err == nil {
		t.Error("expected error from failing endpoint")
	}
}

func TestThumbnailer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	b := bus.New()
	writer := store.NewWriter(db, b, zap.NewNop())
	set := workset.New(b)
	mem := remote.NewMemory()

	path := filepath.Join(t.TempDir(), "big.png")
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	for x := range 800 {
		img.Set(x, x%400, color.RGBA{R: 255, A: 255})
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	m := store.Message{ID: "m1", ChatID: "c1", SenderID: "me", Timestamp: 1,
		Media:  &store.Media{URL: "mem://objects/c1/m1.png", LocalPath: path, MimeType: "image/png"},
		Status: status.Sent, SyncStatus: status.Synced}
	if err := db.UpsertMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}

	th := NewThumbnailer(100, mem, mem, writer, set)
	if err := th.Handle(ctx, Task{Origin: Delivered, Message: m}); err != nil {
		t.Fatal(err)
	}

	data, ok := mem.Object("thumbs/c1/m1.jpg")
	if !ok {
		t.Fatal("thumbnail not uploaded")
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := thumb.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("thumbnail size = %dx%d, want 100x50", b.Dx(), b.Dy())
	}
	got, _ := db.GetMessage(ctx, "m1")
	if got.Media.ThumbnailURL != "mem://objects/thumbs/c1/m1.jpg" {
		t.Errorf("thumbnail url = %q", got.Media.ThumbnailURL)
	}
	doc, ok := mem.Get(wire.Messages, "c1.m1")
	if !ok {
		t.Fatal("remote patch missing")
	}
	var fields struct {
		Media struct {
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"media"`
	}
	if err := json.Unmarshal(doc.Fields, &fields); err != nil {
		t.Fatal(err)
	}
	if fields.Media.ThumbnailURL != got.Media.ThumbnailURL {
		t.Errorf("remote thumbnail = %q", fields.Media.ThumbnailURL)
	}

	// Text and received messages are ignored.
	if err := th.Handle(ctx, Task{Origin: Arrived, Message: m}); err != nil {
		t.Error(err)
	}
}
