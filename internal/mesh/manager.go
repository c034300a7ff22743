// Package mesh implements the §4.5 Peer Manager: the single façade that
// owns all four transports, wires their events into Bootstrap, dispatches
// inbound frames by message type, and exposes send/broadcast/join/leave
// to the CRDT engine (§6).
//
// Generalized from internal/agent/agent.go's Agent struct (owns the
// signaling client + WireGuard device + bridge, runs one dispatch loop
// over inbound messages) and internal/bridge/bridge.go's Bind (per-peer
// routing, queued sends tolerant of a not-yet-open link) — the byte-pipe
// adapter here is Manager's own Send/Broadcast rather than a separate
// Bind type, since the priority-ordered transport selection already
// gives every peer a path that doesn't require queuing ahead of open.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kuuji/nightjar/pkg/frame"
	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/bootstrap"
	"github.com/kuuji/nightjar/internal/transport"
	"github.com/kuuji/nightjar/internal/transport/dht"
	"github.com/kuuji/nightjar/internal/transport/direct"
	"github.com/kuuji/nightjar/internal/transport/local"
	"github.com/kuuji/nightjar/internal/transport/relay"
)

// Config configures a Manager. Only Direct is mandatory; Relay/DHT/Local
// are enabled by providing their respective config, matching how a node
// may run without a host DHT sidecar or without LAN multicast.
type Config struct {
	Self        overlay.PeerID
	DisplayName string
	Color       string

	Direct direct.Config

	// RelayURL is the default rendezvous server; JoinRelay may override
	// it per call with params.relayUrl (§4.4 seed step a).
	RelayURL string
	Relay    relay.Config

	// DHT is non-nil to enable the DHT transport (SocketPath set).
	DHT *dht.Config

	// Local is non-nil to enable the local-network transport.
	Local *local.Config

	Bootstrap bootstrap.Config

	Logger *slog.Logger
}

// Manager is the Peer Manager façade (§4.5).
type Manager struct {
	cfg  Config
	log  *slog.Logger
	self overlay.PeerID

	direct *direct.Transport

	mu        sync.Mutex
	relayURL  string
	relayTr   transport.Transport
	dhtTr     transport.Transport
	localTr   transport.Transport
	bootstrap *bootstrap.Bootstrap

	currentWorkspaceID string
	currentTopic       [32]byte

	updates   chan UpdateEvent
	awareness chan AwarenessEvent
	messages  chan transport.Event // generic/unknown-type events
	errors    chan error

	destroyed bool
}

// UpdateEvent is the on_update(peerId, docId, ciphertext) external event.
type UpdateEvent struct {
	Peer       overlay.PeerID
	DocID      string
	Ciphertext []byte
}

// AwarenessEvent is the on_awareness(peerId, docId, states) external event.
type AwarenessEvent struct {
	Peer   overlay.PeerID
	DocID  string
	States map[string][]byte
}

// New constructs a Manager. The direct transport is always constructed;
// relay/DHT/local are constructed only if their config is supplied.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		log:       logger.With("component", "mesh"),
		self:      cfg.Self,
		direct:    direct.New(cfg.Direct),
		relayURL:  cfg.RelayURL,
		updates:   make(chan UpdateEvent, 64),
		awareness: make(chan AwarenessEvent, 64),
		messages:  make(chan transport.Event, 64),
		errors:    make(chan error, 16),
	}
	// relayTr and dhtTr are constructed lazily, by JoinRelay/JoinDHT,
	// since their per-join parameters (server URL, topic) aren't known
	// at Manager construction time.
	if cfg.Local != nil {
		m.localTr = local.New(*cfg.Local)
	}
	m.bootstrap = bootstrap.New(m, cfg.Self, cfg.Bootstrap, logger)
	return m
}

var _ bootstrap.PeerManager = (*Manager)(nil)

// currentDirect returns the live direct transport under m.mu, the same
// lock LeaveWorkspace holds while swapping it out. Callers outside the
// transportsByName/Destroy lock sections must read m.direct through this
// instead of the field directly, or they can race a concurrent
// LeaveWorkspace's destroy-and-replace.
func (m *Manager) currentDirect() *direct.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct
}

// selfAddress builds the local PeerAddress advertised to the overlay. It
// always sets the direct slot and leaves the relay, DHT and local slots
// empty, whichever transports are actually initialized.
func (m *Manager) selfAddress() overlay.PeerAddress {
	return overlay.PeerAddress{
		PeerID:      m.self,
		DisplayName: m.cfg.DisplayName,
		Color:       m.cfg.Color,
		Direct:      true,
	}
}

// JoinWorkspace validates init state, computes the topic if not provided,
// initializes every configured transport on it, and hands off to
// Bootstrap (§4.5 Workspace join/leave).
func (m *Manager) JoinWorkspace(ctx context.Context, workspaceID string, params bootstrap.JoinParams) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "join-workspace", nil)
	}
	if m.currentWorkspaceID != "" {
		m.mu.Unlock()
		return mesherr.New(mesherr.KindInvalidInput, "join-workspace", fmt.Errorf("already joined workspace %q, leave first", m.currentWorkspaceID))
	}
	m.mu.Unlock()

	topic := params.Topic
	var zero [32]byte
	if topic == zero {
		topic = frame.Topic(workspaceID)
	}

	m.mu.Lock()
	m.currentWorkspaceID = workspaceID
	m.currentTopic = topic
	m.mu.Unlock()

	directTr := m.currentDirect()
	if err := directTr.Initialize(ctx, transport.Config{Self: m.selfAddress(), Topic: topic}); err != nil {
		return fmt.Errorf("initializing direct transport: %w", err)
	}
	go m.pump(directTr.Events())

	if m.localTr != nil {
		if err := m.localTr.Initialize(ctx, transport.Config{Self: m.selfAddress(), Topic: topic}); err != nil {
			m.log.Warn("local-network transport init failed", "error", err)
		} else {
			go m.pump(m.localTr.Events())
		}
	}

	return m.bootstrap.Join(ctx, workspaceID, params)
}

// LeaveWorkspace is reentrancy-safe: it captures and clears
// currentWorkspaceId/currentTopic/relayTr/dhtTr, and swaps in a fresh
// direct transport, all under one lock acquisition before awaiting any
// transport tear-down — so a concurrent JoinWorkspace of a different
// workspace always reads the post-leave state (via currentDirect) and
// never races the old transports' teardown below (§4.5).
func (m *Manager) LeaveWorkspace(ctx context.Context) error {
	m.mu.Lock()
	if m.currentWorkspaceID == "" {
		m.mu.Unlock()
		return nil
	}
	m.currentWorkspaceID = ""
	m.currentTopic = [32]byte{}
	relayTr := m.relayTr
	m.relayTr = nil
	dhtTr := m.dhtTr
	m.dhtTr = nil
	oldDirect := m.direct
	if !m.destroyed {
		// direct is reused across workspaces; install a clean replacement
		// now, under the same lock that clears currentWorkspaceId, so a
		// JoinWorkspace that starts the moment this unlocks always reads
		// the fresh instance through currentDirect rather than the one
		// being torn down below.
		m.direct = direct.New(m.cfg.Direct)
	}
	m.mu.Unlock()

	if err := m.bootstrap.Leave(ctx); err != nil {
		m.log.Warn("bootstrap leave failed", "error", err)
	}
	_ = oldDirect.Destroy(ctx)
	if m.localTr != nil {
		_ = m.localTr.Destroy(ctx)
	}
	if relayTr != nil {
		_ = relayTr.Destroy(ctx)
	}
	if dhtTr != nil {
		_ = dhtTr.Destroy(ctx)
	}

	return nil
}

// Destroy drains timers, closes all transports in parallel, and clears
// internal state (§5 Cancellation). After Destroy every operation fails
// with NotInitialized.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	relayTr := m.relayTr
	dhtTr := m.dhtTr
	m.mu.Unlock()

	_ = m.LeaveWorkspace(ctx)

	var wg sync.WaitGroup
	destroyers := []func(context.Context) error{m.currentDirect().Destroy}
	if m.localTr != nil {
		destroyers = append(destroyers, m.localTr.Destroy)
	}
	if relayTr != nil {
		destroyers = append(destroyers, relayTr.Destroy)
	}
	if dhtTr != nil {
		destroyers = append(destroyers, dhtTr.Destroy)
	}
	for _, d := range destroyers {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d(ctx)
		}()
	}
	wg.Wait()

	close(m.updates)
	close(m.awareness)
	close(m.messages)
	close(m.errors)
	return nil
}

// Updates returns the on_update event stream exposed to the CRDT engine.
func (m *Manager) Updates() <-chan UpdateEvent { return m.updates }

// Awareness returns the on_awareness event stream.
func (m *Manager) Awareness() <-chan AwarenessEvent { return m.awareness }

// Messages returns generic/unrecognized inbound message events.
func (m *Manager) Messages() <-chan transport.Event { return m.messages }

// Errors returns non-fatal transport error notifications.
func (m *Manager) Errors() <-chan error { return m.errors }

// ConnectedPeers exposes Bootstrap's connected set for status reporting.
func (m *Manager) ConnectedPeers() []overlay.PeerAddress {
	return m.bootstrap.ConnectedPeers()
}

func protocolMarshal(msg protocol.Message) ([]byte, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, mesherr.New(mesherr.KindInvalidInput, "marshal", err)
	}
	return data, nil
}
