package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	level, err := Level("info")
	if err != nil {
		t.Fatal(err)
	}
	logger, err := New(path, "main", level)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", zap.String("chat_id", "c1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written at info level")
	}
	for _, want := range []string{`"msg":"shown"`, `"profile":"main"`, `"chat_id":"c1"`, `"ts":`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsyncd.log")
	level, _ := Level("warn")
	logger, err := New(path, "main", level)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("before")
	if err := SetLevel(level, "debug"); err != nil {
		t.Fatal(err)
	}
	logger.Debug("after")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "before") || !strings.Contains(string(data), "after") {
		t.Fatalf("unexpected log output: %s", data)
	}
	if err := SetLevel(level, "loud"); err == nil {
		t.Fatal("SetLevel accepted an unknown level")
	}
}
