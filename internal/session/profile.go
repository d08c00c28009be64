package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/matheus3301/chatsync/internal/lock"
)

const maxNameLen = 64

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NameError reports an unusable profile name.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid profile name %q: %s", e.Name, e.Reason)
}

// ValidateName checks that name can be used as a profile directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &NameError{Name: name, Reason: "empty"}
	case len(name) > maxNameLen:
		return &NameError{Name: name, Reason: fmt.Sprintf("longer than %d characters", maxNameLen)}
	case !nameRegexp.MatchString(name):
		return &NameError{Name: name, Reason: "only lowercase letters, digits, '-' and '_' are allowed"}
	}
	return nil
}

// Profile is one profile directory and the daemon holding it, if any.
type Profile struct {
	Name    string
	Dir     string
	Running bool
	PID     int
	Viewer  string
}

// List returns the profiles under the base directory, sorted by name.
// Directories with invalid names are skipped.
func List() ([]Profile, error) {
	root := filepath.Join(BaseDir(), "profiles")
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Profile
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		p := Profile{Name: e.Name(), Dir: filepath.Join(root, e.Name())}
		h, held, err := lock.Inspect(p.Dir)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", p.Name, err)
		}
		if held {
			p.Running, p.PID, p.Viewer = true, h.PID, h.Viewer
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Profile) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}
