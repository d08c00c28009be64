package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/lock"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input  string
		reason string // empty when valid
	}{
		{"main", ""},
		{"work-2", ""},
		{"my_profile", ""},
		{strings.Repeat("a", 64), ""},
		{"", "empty"},
		{strings.Repeat("a", 65), "longer than"},
		{"Main", "lowercase"},
		{"my profile", "lowercase"},
		{"my.profile", "lowercase"},
		{"../etc", "lowercase"},
	}
	for _, tt := range tests {
		err := ValidateName(tt.input)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tt.input, err)
			}
			continue
		}
		var ne *NameError
		if !errors.As(err, &ne) {
			t.Errorf("ValidateName(%q) = %v, want *NameError", tt.input, err)
			continue
		}
		if !strings.Contains(ne.Reason, tt.reason) {
			t.Errorf("ValidateName(%q) reason = %q, want it to mention %q", tt.input, ne.Reason, tt.reason)
		}
	}
}

func TestListProfiles(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got, err := List(); err != nil || len(got) != 0 {
		t.Fatalf("List() on empty home = %v, %v", got, err)
	}

	for _, name := range []string{"work", "main"} {
		if err := EnsureDir(name); err != nil {
			t.Fatal(err)
		}
	}
	lk, err := lock.Acquire(Dir("work"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	got, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "main" || got[1].Name != "work" {
		t.Fatalf("List() = %+v", got)
	}
	if got[0].Running {
		t.Errorf("main should not be running: %+v", got[0])
	}
	if !got[1].Running || got[1].Viewer != "alice" || got[1].PID == 0 {
		t.Errorf("work should be held by alice: %+v", got[1])
	}
}
