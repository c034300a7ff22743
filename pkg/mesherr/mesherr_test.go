package mesherr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	t.Parallel()

	err := New(KindNoTransport, "send", errors.New("no reachable path"))

	if !Is(err, KindNoTransport) {
		t.Error("Is(err, KindNoTransport) = false, want true")
	}
	if Is(err, KindTransient) {
		t.Error("Is(err, KindTransient) = true, want false")
	}
}

func TestIs_ThroughWrapping(t *testing.T) {
	t.Parallel()

	base := New(KindAuthFail, "decrypt", nil)
	wrapped := fmt.Errorf("handling frame: %w", base)

	if !Is(wrapped, KindAuthFail) {
		t.Error("Is() did not see through fmt.Errorf wrapping")
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := New(KindTransient, "dial", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() did not find wrapped cause")
	}
}
