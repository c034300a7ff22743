package awareness

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []map[string][]byte
}

func (f *fakeSender) SendAwareness(ctx context.Context, docID string, states map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, states)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) last() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func TestThrottle_CoalescesRapidSetsIntoOneFlush(t *testing.T) {
	sender := &fakeSender{}
	th := New(sender, 30*time.Millisecond, nil)
	defer th.Close()

	th.Set("doc-1", "cursor", []byte("a"))
	th.Set("doc-1", "cursor", []byte("b"))
	th.Set("doc-1", "selection", []byte("c"))

	time.Sleep(80 * time.Millisecond)

	if got := sender.count(); got != 1 {
		t.Fatalf("call count = %d, want 1 (rapid Sets should coalesce)", got)
	}
	last := sender.last()
	if string(last["cursor"]) != "b" {
		t.Fatalf("cursor = %q, want latest value %q", last["cursor"], "b")
	}
	if string(last["selection"]) != "c" {
		t.Fatalf("selection = %q, want %q", last["selection"], "c")
	}
}

func TestThrottle_NoFlushWhenNothingChanged(t *testing.T) {
	sender := &fakeSender{}
	th := New(sender, 20*time.Millisecond, nil)
	defer th.Close()

	th.Set("doc-1", "cursor", []byte("a"))
	time.Sleep(60 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("call count = %d, want 1", got)
	}

	// No further Set calls — flush timer already fired and was not
	// re-armed, so no second send should occur even after another wait.
	time.Sleep(60 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("call count after idle period = %d, want still 1", got)
	}
}

func TestThrottle_SeparateDocumentsFlushIndependently(t *testing.T) {
	sender := &fakeSender{}
	th := New(sender, 20*time.Millisecond, nil)
	defer th.Close()

	th.Set("doc-1", "cursor", []byte("a"))
	th.Set("doc-2", "cursor", []byte("z"))
	time.Sleep(60 * time.Millisecond)

	if got := sender.count(); got != 2 {
		t.Fatalf("call count = %d, want 2 (one per document)", got)
	}
}

func TestThrottle_CloseStopsFurtherFlushes(t *testing.T) {
	sender := &fakeSender{}
	th := New(sender, 20*time.Millisecond, nil)

	th.Set("doc-1", "cursor", []byte("a"))
	th.Close()
	time.Sleep(60 * time.Millisecond)

	if got := sender.count(); got != 0 {
		t.Fatalf("call count after Close = %d, want 0", got)
	}

	// Set after Close must not panic or schedule anything.
	th.Set("doc-1", "cursor", []byte("b"))
	time.Sleep(30 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Fatalf("call count after post-Close Set = %d, want 0", got)
	}
}
