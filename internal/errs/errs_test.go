package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("deliver m1: %w", Transient("remote write", base))

	if got := CodeOf(err); got != CodeTransient {
		t.Errorf("CodeOf = %q, want %q", got, CodeTransient)
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is should reach the cause")
	}
	if !Is(err, CodeTransient) {
		t.Error("Is(err, Transient) = false")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("x")); got != CodeUnknown {
		t.Errorf("CodeOf = %q, want UNKNOWN", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}

func TestWrapNilCause(t *testing.T) {
	if err := Storage("upsert", nil); err != nil {
		t.Errorf("Storage(nil) = %v, want nil", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Migration("apply 000002", errors.New("syntax error"))
	if got, want := err.Error(), "apply 000002: syntax error"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
