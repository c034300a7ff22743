// Package awareness implements the §6 awareness channel: per-document
// ephemeral presence/cursor state, coalesced and sent at most once per
// awareness_throttle_ms rather than on every local state change.
//
// Grounded on the relay transport's keepaliveLoop (internal/transport/
// relay/client_io.go) for the ticker-driven send shape, generalized from
// "always send on tick" to "send on tick only if something changed since
// the last flush."
package awareness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sender is the slice of mesh.Manager a Throttle needs. Kept minimal so
// this package doesn't import internal/mesh.
type Sender interface {
	SendAwareness(ctx context.Context, docID string, states map[string][]byte) error
}

// Throttle coalesces per-document awareness updates and flushes each
// document's merged state at most once per interval. Updates between
// flushes overwrite rather than queue — awareness is explicitly lossy on
// reconnect, and the latest cursor/presence state is the only one that
// matters.
type Throttle struct {
	sender   Sender
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string][]byte // docID -> key -> state
	dirty   map[string]bool
	timers  map[string]*time.Timer
	closed  bool
}

// New constructs a Throttle. interval <= 0 falls back to 100ms, matching
// the default awareness_throttle_ms.
func New(sender Sender, interval time.Duration, logger *slog.Logger) *Throttle {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		sender:   sender,
		interval: interval,
		log:      logger.With("component", "awareness"),
		pending:  make(map[string]map[string][]byte),
		dirty:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Set records a local awareness key's state for docID (e.g. a peer id or
// "cursor", "selection") and schedules a throttled flush. The first Set
// for a previously-idle document schedules a flush interval later;
// subsequent Sets before that flush are coalesced into it.
func (t *Throttle) Set(docID, key string, state []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	states, ok := t.pending[docID]
	if !ok {
		states = make(map[string][]byte)
		t.pending[docID] = states
	}
	states[key] = state
	t.dirty[docID] = true

	if _, scheduled := t.timers[docID]; scheduled {
		return
	}
	t.timers[docID] = time.AfterFunc(t.interval, func() { t.flush(docID) })
}

// flush sends docID's merged state if it changed since the last flush. It
// clears docID's timer without re-arming it; the next Set schedules a new
// one.
func (t *Throttle) flush(docID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.timers, docID)
	if !t.dirty[docID] {
		t.mu.Unlock()
		return
	}
	t.dirty[docID] = false
	snapshot := make(map[string][]byte, len(t.pending[docID]))
	for k, v := range t.pending[docID] {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if err := t.sender.SendAwareness(context.Background(), docID, snapshot); err != nil {
		t.log.Debug("awareness send failed", "docId", docID, "error", err)
	}
}

// Close stops all pending timers. Safe to call once.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
}
