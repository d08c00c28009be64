package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestDirUnderHome(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPathsFollowHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	tests := []struct {
		got, want string
	}{
		{SocketPath("test"), filepath.Join(base, "profiles", "test", "daemon.sock")},
		{DBPath("test"), filepath.Join(base, "profiles", "test", "chatsync.db")},
		{LogPath("test"), filepath.Join(base, "profiles", "test", "logs", "chatsyncd.log")},
		{ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v", info.Mode())
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() without config = %q", got)
	}
	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q", got)
	}
}
