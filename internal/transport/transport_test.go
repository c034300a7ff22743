package transport

import (
	"testing"
	"time"
)

func TestBackoff_Growth(t *testing.T) {
	t.Parallel()

	base := time.Second
	cap := 30 * time.Second

	d1 := Backoff(1, base, 2, cap)
	d2 := Backoff(2, base, 2, cap)
	d3 := Backoff(3, base, 2, cap)

	if d1 != base {
		t.Errorf("Backoff(1) = %v, want %v", d1, base)
	}
	if d2 != 2*time.Second {
		t.Errorf("Backoff(2) = %v, want %v", d2, 2*time.Second)
	}
	if d3 != 4*time.Second {
		t.Errorf("Backoff(3) = %v, want %v", d3, 4*time.Second)
	}
}

func TestBackoff_RespectsCap(t *testing.T) {
	t.Parallel()

	cap := 30 * time.Second
	d := Backoff(10, time.Second, 2, cap)
	if d != cap {
		t.Errorf("Backoff(10) = %v, want %v (cap)", d, cap)
	}
}

func TestBackoff_NoOverflowForLargeAttempts(t *testing.T) {
	t.Parallel()

	cap := 60 * time.Second
	d := Backoff(1000, 5*time.Second, 1.5, cap)
	if d != cap {
		t.Errorf("Backoff(1000) = %v, want %v (cap, no overflow)", d, cap)
	}
	if d <= 0 {
		t.Fatal("Backoff() returned non-positive duration")
	}
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	if EventPeerConnected.String() != "peer-connected" {
		t.Errorf("EventPeerConnected.String() = %q", EventPeerConnected.String())
	}
	if EventKind(999).String() != "unknown" {
		t.Errorf("unknown EventKind.String() = %q, want %q", EventKind(999).String(), "unknown")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	if StateOpen.String() != "open" {
		t.Errorf("StateOpen.String() = %q", StateOpen.String())
	}
	if State(999).String() != "unknown" {
		t.Errorf("unknown State.String() = %q, want %q", State(999).String(), "unknown")
	}
}
