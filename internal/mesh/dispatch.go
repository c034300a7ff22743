package mesh

import (
	"context"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// pump forwards one transport's event channel into the shared dispatch
// table until the channel closes (on that transport's Destroy). Each
// configured transport gets its own pump goroutine, started as soon as
// the transport is initialized — the same "one task per transport for
// I/O" shape §5 calls for.
func (m *Manager) pump(events <-chan transport.Event) {
	for ev := range events {
		m.dispatch(ev)
	}
}

// dispatch applies the §4.5 event routing table to one transport event.
func (m *Manager) dispatch(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPeerConnected:
		// Every transport's peer-connected event is forwarded; the event
		// carries no source transport. This includes relay's, which
		// relay emits from Connect while its server link is open,
		// without any exchange with the peer, so a relay-only peer
		// enters Bootstrap's connected set on that event alone.
		m.bootstrap.OnPeerConnected(ev.Peer)

	case transport.EventPeerDisconnected:
		m.bootstrap.OnPeerDisconnected(ev.Peer)

	case transport.EventPeersDiscovered:
		go m.bootstrap.OnPeersDiscovered(context.Background(), ev.Peers)

	case transport.EventPeerAnnounced:
		go m.bootstrap.OnPeerAnnounced(context.Background(), ev.Announced)

	case transport.EventSignal:
		if err := m.currentDirect().HandleSignal(context.Background(), ev.Peer, ev.Signal); err != nil {
			m.log.Debug("signal handling failed", "peer", ev.Peer, "error", err)
		}

	case transport.EventError:
		select {
		case m.errors <- ev.Err:
		default:
		}

	case transport.EventMessage:
		m.bootstrap.OnFrame(ev.Peer)
		m.dispatchMessage(ev.Peer, ev.Message)
	}
}

// dispatchMessage implements the §4.5 "message" sub-table: sync/
// awareness/ping get handled inline, peer-request/peer-announce/
// peer-list go to Bootstrap, everything else surfaces as a generic
// message event.
func (m *Manager) dispatchMessage(peer overlay.PeerID, raw any) {
	switch msg := raw.(type) {
	case *protocol.PeerRequestMessage:
		go m.bootstrap.OnPeerRequest(context.Background(), peer, msg.RequestID)

	case *protocol.PeerAnnounceMessage:
		addr, err := overlay.FromWire(msg.Peer)
		if err != nil {
			m.log.Debug("dropping malformed peer-announce", "peer", peer, "error", err)
			return
		}
		go m.bootstrap.OnPeerAnnounced(context.Background(), addr)

	case *protocol.PeerListMessage:
		addrs := make([]overlay.PeerAddress, 0, len(msg.Peers))
		for _, info := range msg.Peers {
			addr, err := overlay.FromWire(info)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		m.bootstrap.OnPeerList(peer, msg.RequestID, addrs)

	case *protocol.SyncMessage:
		m.handleSync(peer, msg)

	case *protocol.AwarenessMessage:
		m.handleAwareness(peer, msg)

	case *protocol.PingMessage:
		pong := &protocol.PongMessage{PingTimestamp: msg.Timestamp, Timestamp: nowMillis()}
		if err := m.Send(context.Background(), peer, pong); err != nil {
			m.log.Debug("pong reply failed", "peer", peer, "error", err)
		}

	default:
		select {
		case m.messages <- transport.Event{Kind: transport.EventMessage, Peer: peer, Message: raw}:
		default:
			m.log.Warn("generic message channel full, dropping", "peer", peer)
		}
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
