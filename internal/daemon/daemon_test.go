package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// setupHome points the base directory at a short temp dir (unix socket paths
// are limited to about 104 bytes on macOS) and writes a memory-backed config.
func setupHome(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv(session.HomeEnv, tmpDir)

	cfg := config.Default()
	cfg.ViewerID = "alice"
	cfg.Remote.Driver = config.DriverMemory
	cfg.Outbox.Delay = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Enrich.Notify = engine.NotifyOff
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	return tmpDir
}

func TestFxModuleWiring(t *testing.T) {
	setupHome(t, nil)

	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: "fxtest"}))
	app.RequireStart()

	c, err := rpc.Dial(session.SocketPath("fxtest"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != "fxtest" || st.Viewer != "alice" || !st.Online {
		t.Errorf("status = %+v", st)
	}
	latest, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if st.SchemaVersion != latest {
		t.Errorf("schema version = %d, want %d", st.SchemaVersion, latest)
	}

	if _, err := c.CreateChat(ctx, rpc.CreateChatRequest{ID: "c1", Participants: []string{"bob"}}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if _, err := c.Send(ctx, "c1", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	app.RequireStop()

	if _, err := os.Stat(session.SocketPath("fxtest")); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	if _, held, err := lock.Inspect(session.Dir("fxtest")); err != nil || held {
		t.Errorf("lock still held after stop (held=%v, err=%v)", held, err)
	}

	// The message outlives the daemon.
	db, err := store.Open(session.DBPath("fxtest"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	msgs, err := db.LastMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("persisted messages = %+v", msgs)
	}
}

func TestSecondDaemonIsRejected(t *testing.T) {
	setupHome(t, nil)
	if err := session.EnsureDir("busy"); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(session.Dir("busy"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(fx.NopLogger, Module(Params{Profile: "busy"}))
	if app.Err() == nil {
		t.Fatal("expected an error while another process holds the profile lock")
	}
	if _, err := os.Stat(session.SocketPath("busy")); !os.IsNotExist(err) {
		t.Errorf("socket created without the lock: %v", err)
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	setupHome(t, func(c *config.Config) { c.ViewerID = "" })

	app := fx.New(fx.NopLogger, Module(Params{Profile: "main"}))
	if app.Err() == nil {
		t.Fatal("expected a config error for a missing viewer id")
	}
}

func TestConfigReloadChangesLogLevel(t *testing.T) {
	setupHome(t, nil)

	var level zap.AtomicLevel
	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: "main"}), fx.Populate(&level))
	app.RequireStart()
	defer app.RequireStop()

	if level.Level() != zapcore.InfoLevel {
		t.Fatalf("initial level = %v", level.Level())
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Log.Level = "debug"
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for level.Level() != zapcore.DebugLevel {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v after config change, want debug", level.Level())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngineConfigFromSettings(t *testing.T) {
	s := config.Default().Settings
	s.ViewerID = "alice"
	s.Outbox.Attempts = 5
	s.History.PageSize = 20
	s.Enrich.Workers = 4
	s.Enrich.TranslateURL = "http://localhost:5000/translate"
	s.Enrich.TargetLang = "pt"

	cfg := engineConfig(s)
	if cfg.Viewer != "alice" || cfg.Outbox.Attempts != 5 || cfg.Outbox.Delay != 2*time.Second {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	if cfg.Inbound.GraceWindow != 3*time.Second {
		t.Errorf("grace window = %v", cfg.Inbound.GraceWindow)
	}
	if cfg.History.PageSize != 20 || cfg.History.ShortDelay != 300*time.Millisecond {
		t.Errorf("history = %+v", cfg.History)
	}
	// Backlog thresholds are not configurable and keep their defaults.
	if cfg.History.SmallBacklog == 0 {
		t.Errorf("history thresholds dropped: %+v", cfg.History)
	}
	if cfg.Enrich.Pool.Workers != 4 || cfg.Enrich.TargetLang != "pt" || cfg.Enrich.ThumbnailSize != 320 {
		t.Errorf("enrich = %+v", cfg.Enrich)
	}
}

func TestSocketPathOverride(t *testing.T) {
	home := setupHome(t, nil)
	sock := filepath.Join(home, "d.sock")

	var srv *Server
	app := fxtest.New(t, fx.NopLogger, Module(Params{Profile: "main", SocketPath: sock}), fx.Populate(&srv))
	app.RequireStart()
	if srv.SocketPath() != sock {
		t.Errorf("socket = %s, want %s", srv.SocketPath(), sock)
	}
	if _, err := os.Stat(sock); err != nil {
		t.Errorf("socket not created at %s: %v", sock, err)
	}
	app.RequireStop()
}
