package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.ViewerID = "alice"
	cfg.Outbox.Delay = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.ViewerID != "alice" || loaded.Outbox.Delay.Duration != 5*time.Second {
		t.Errorf("settings = %+v", loaded.Settings)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Outbox.Attempts != 3 {
		t.Errorf("default attempts = %d", cfg.Outbox.Attempts)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

const sample = `
default_profile = "main"
viewer_id = "alice"

[outbox]
delay = "500ms"

[history]
page_size = 20

[profiles.work]
viewer_id = "alice-work"

[profiles.work.remote]
driver = "memory"

[profiles.work.log]
level = "debug"
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProfileOverridesTopLevel(t *testing.T) {
	cfg, err := Load(writeSample(t, sample))
	if err != nil {
		t.Fatal(err)
	}

	main, err := cfg.Profile("main")
	if err != nil {
		t.Fatal(err)
	}
	if main.ViewerID != "alice" || main.Remote.Driver != DriverNATS || main.History.PageSize != 20 {
		t.Errorf("main = %+v", main)
	}
	if main.Outbox.Delay.Duration != 500*time.Millisecond || main.Outbox.Attempts != 3 {
		t.Errorf("main outbox = %+v", main.Outbox)
	}

	work, err := cfg.Profile("work")
	if err != nil {
		t.Fatal(err)
	}
	if work.ViewerID != "alice-work" || work.Remote.Driver != DriverMemory || work.Log.Level != "debug" {
		t.Errorf("work = %+v", work)
	}
	// Untouched keys come from the top level and the defaults.
	if work.History.PageSize != 20 || work.Remote.MessagesBucket != "chatsync_messages" {
		t.Errorf("work inherited = %+v", work)
	}
	if err := work.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestProfilesSurviveSave(t *testing.T) {
	cfg, err := Load(writeSample(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	work, err := again.Profile("work")
	if err != nil {
		t.Fatal(err)
	}
	if work.ViewerID != "alice-work" || work.Remote.Driver != DriverMemory {
		t.Errorf("work after save = %+v", work)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeSample(t, "viewer_id = \"a\"\nretries = 4\n"))
	if err == nil || !strings.Contains(err.Error(), "retries") {
		t.Fatalf("Load() error = %v, want unknown key", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	if _, err := Load(writeSample(t, "[outbox]\ndelay = \"soon\"\n")); err == nil {
		t.Fatal("Load() accepted an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	valid := Default().Settings
	valid.ViewerID = "alice"

	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"missing viewer", func(s *Settings) { s.ViewerID = "" }, "viewer_id"},
		{"dotted viewer", func(s *Settings) { s.ViewerID = "a.b" }, "viewer_id"},
		{"unknown driver", func(s *Settings) { s.Remote.Driver = "redis" }, "remote.driver"},
		{"nats without url", func(s *Settings) { s.Remote.URL = "" }, "remote.url"},
		{"memory without url", func(s *Settings) { s.Remote.Driver = DriverMemory; s.Remote.URL = "" }, ""},
		{"no attempts", func(s *Settings) { s.Outbox.Attempts = 0 }, "outbox.attempts"},
		{"negative delay", func(s *Settings) { s.Outbox.Delay = Duration{-time.Second} }, "negative"},
		{"zero page", func(s *Settings) { s.History.PageSize = 0 }, "page_size"},
		{"bad notify", func(s *Settings) { s.Enrich.Notify = "email" }, "enrich.notify"},
		{"translate without lang", func(s *Settings) { s.Enrich.TranslateURL = "http://x" }, "target_lang"},
		{"bad level", func(s *Settings) { s.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeSample(t, "[log]\nlevel = \"info\"\n")
	got := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := Watch(ctx, path, nil, func(c *Config) { got <- c.Log.Level })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case level := <-got:
		if level != "debug" {
			t.Fatalf("reloaded level = %q", level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}
