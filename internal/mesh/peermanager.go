package mesh

import (
	"context"
	"fmt"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
	"github.com/kuuji/nightjar/internal/transport/dht"
	"github.com/kuuji/nightjar/internal/transport/relay"
)

// This file implements bootstrap.PeerManager: the slice of Manager that
// Bootstrap drives directly (transport access, cross-peer send).

// DirectAvailable reports whether the direct transport is usable in this
// process. The direct transport has no external dependency (no host
// sidecar, no server) so it is always available once constructed.
func (m *Manager) DirectAvailable() bool { return true }

// ConnectDirect dials the direct transport. The direct transport must
// already be initialized — JoinWorkspace does this before Bootstrap.Join
// runs its seed step.
func (m *Manager) ConnectDirect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error {
	return m.currentDirect().Connect(ctx, peer, addr)
}

// JoinRelay connects the relay transport to serverURL (falling back to
// the configured default) and joins topic. Constructing a fresh
// relay.Transport per distinct serverURL, since relay.Config.ServerURL is
// fixed at construction.
func (m *Manager) JoinRelay(ctx context.Context, serverURL string, topic [32]byte) error {
	if serverURL == "" {
		serverURL = m.relayURL
	}
	if serverURL == "" {
		return mesherr.New(mesherr.KindInvalidInput, "join-relay", fmt.Errorf("no relay server url configured"))
	}

	m.mu.Lock()
	existing := m.relayTr
	sameURL := existing != nil && m.relayURL == serverURL
	m.mu.Unlock()
	if sameURL {
		return existing.Initialize(ctx, transport.Config{Self: m.selfAddress(), Topic: topic})
	}

	cfg := m.cfg.Relay
	cfg.ServerURL = serverURL
	tr := relay.New(cfg)
	if err := tr.Initialize(ctx, transport.Config{Self: m.selfAddress(), Topic: topic}); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.relayTr
	m.relayTr = tr
	m.relayURL = serverURL
	m.mu.Unlock()
	if old != nil {
		_ = old.Destroy(ctx)
	}

	go m.pump(tr.Events())
	return nil
}

// JoinDHT joins the DHT transport's topic, constructing it on first use.
// ok is false (not an error) if no DHT config was supplied for this node.
func (m *Manager) JoinDHT(ctx context.Context, topic [32]byte) (bool, error) {
	if m.cfg.DHT == nil {
		return false, nil
	}

	m.mu.Lock()
	tr := m.dhtTr
	m.mu.Unlock()
	if tr == nil {
		tr = dht.New(*m.cfg.DHT)
		m.mu.Lock()
		m.dhtTr = tr
		m.mu.Unlock()
		go m.pump(tr.Events())
	}

	if err := tr.Initialize(ctx, transport.Config{Self: m.selfAddress(), Topic: topic}); err != nil {
		return false, err
	}
	return true, nil
}

// transportsByName snapshots the currently constructed transports keyed
// by name, for the priority-ordered walks in Send/Broadcast.
func (m *Manager) transportsByName() map[string]transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]transport.Transport{"direct": m.direct}
	if m.relayTr != nil {
		out["relay"] = m.relayTr
	}
	if m.dhtTr != nil {
		out["dht"] = m.dhtTr
	}
	return out
}

// sendPriority order, §4.5: direct, relay, DHT.
var sendPriority = []string{"direct", "relay", "dht"}

// broadcastPriority order, §4.5: direct, DHT, relay.
var broadcastPriority = []string{"direct", "dht", "relay"}

// Send delivers msg to peer via the send-path priority order, trying
// each transport in turn until one that reports IsConnected accepts the
// write.
func (m *Manager) Send(ctx context.Context, peer overlay.PeerID, msg protocol.Message) error {
	data, err := protocolMarshal(msg)
	if err != nil {
		return err
	}
	transports := m.transportsByName()
	for _, name := range sendPriority {
		tr, ok := transports[name]
		if !ok || !tr.IsConnected(peer) {
			continue
		}
		if err := tr.Send(ctx, peer, data); err == nil {
			return nil
		}
	}
	return mesherr.New(mesherr.KindNoTransport, "send", fmt.Errorf("no open transport to peer %s", peer))
}

// Broadcast delivers msg to every peer Bootstrap currently holds
// connected, exactly once each, in broadcast-priority order (direct, DHT,
// relay). Individual per-peer failures are swallowed.
func (m *Manager) Broadcast(ctx context.Context, msg protocol.Message) error {
	data, err := protocolMarshal(msg)
	if err != nil {
		return err
	}
	transports := m.transportsByName()
	for _, addr := range m.bootstrap.ConnectedPeers() {
		for _, name := range broadcastPriority {
			tr, ok := transports[name]
			if !ok || !tr.IsConnected(addr.PeerID) {
				continue
			}
			if err := tr.Send(ctx, addr.PeerID, data); err == nil {
				break
			}
		}
	}
	return nil
}
