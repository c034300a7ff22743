package bootstrap

import (
	"context"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"
)

// The methods in this file are called by the Peer Manager (internal/mesh)
// as it routes transport events (§4.5 event routing table). Bootstrap
// never reads from a transport directly — everything arrives through
// this narrow surface, mirroring how agent.go's handleMessage/handlePeers
// feed a single peers map from one dispatch loop.

// OnPeerConnected records peer as connected. The Peer Manager calls it for
// every transport's peer-connected event: direct data-channel open, DHT
// host-confirmed open or first inbound message, and relay's event, which
// relay emits from Connect without any exchange with the peer. It also
// wakes any peer-connect attempt waiting on peer.
func (b *Bootstrap) OnPeerConnected(peer overlay.PeerID) {
	if peer == b.self || peer.IsZero() {
		return
	}
	b.mu.Lock()
	addr, known := b.known[peer]
	if !known {
		addr = knownEntry{addr: overlay.PeerAddress{PeerID: peer}, seen: time.Now()}
	}
	addr.seen = time.Now()
	b.known[peer] = addr
	b.connected[peer] = addr.addr
	delete(b.pending, peer)
	b.mu.Unlock()

	b.signalConfirm(peer)
}

// OnPeerDisconnected removes peer from connected, queried, and pending.
// It stays in known so a later rediscovery can retry it.
func (b *Bootstrap) OnPeerDisconnected(peer overlay.PeerID) {
	b.mu.Lock()
	delete(b.connected, peer)
	delete(b.queried, peer)
	delete(b.pending, peer)
	b.mu.Unlock()
}

// OnPeersDiscovered learns addrs and opportunistically connects to any
// not already connected or pending, while under the connection cap.
func (b *Bootstrap) OnPeersDiscovered(ctx context.Context, addrs []overlay.PeerAddress) {
	for _, addr := range addrs {
		b.learn(addr)
		if !b.atCapacity() && !b.isConnectedOrPending(addr.PeerID) {
			go b.connectPeer(ctx, addr)
		}
	}
}

// OnPeerAnnounced records/updates known for addr and opportunistically
// connects if under the cap (§4.5: peer-announce handling).
func (b *Bootstrap) OnPeerAnnounced(ctx context.Context, addr overlay.PeerAddress) {
	b.learn(addr)
	if !b.atCapacity() && !b.isConnectedOrPending(addr.PeerID) {
		go b.connectPeer(ctx, addr)
	}
}

// OnPeerRequest answers an inbound peer-request with the current
// connected-peer list (§4.5: peer-request handling).
func (b *Bootstrap) OnPeerRequest(ctx context.Context, from overlay.PeerID, requestID string) {
	peers := b.ConnectedPeers()
	wire := make([]protocol.PeerInfo, len(peers))
	for i, addr := range peers {
		wire[i] = addr.ToWire()
	}
	msg := &protocol.PeerListMessage{Peers: wire, RequestID: requestID, Timestamp: nowMillis()}
	if err := b.mgr.Send(ctx, from, msg); err != nil {
		b.log.Debug("peer-list reply failed", "to", from, "error", err)
	}
}

// OnPeerList resolves the recursive-discovery (or liveness-probe) waiter
// for requestID, if one is outstanding. Only a reply that echoes the
// requestId of an outstanding request reaches a waiter, and that waiter
// accepts it only if its origin is the peer it queried. A reply with an
// empty requestId is ignored and resolves no waiter.
func (b *Bootstrap) OnPeerList(from overlay.PeerID, requestID string, peers []overlay.PeerAddress) {
	if requestID == "" {
		return
	}
	b.mu.Lock()
	ch, ok := b.listWaiters[requestID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- peerListReply{from: from, peers: peers}:
	default:
	}
	b.signalConfirm(from)
}

// OnFrame wakes any liveness-probe waiter for peer: the mere fact that a
// frame of any type arrived from peer counts as a confirmation, per the
// peer-connect sub-procedure's liveness-probe fallback.
func (b *Bootstrap) OnFrame(peer overlay.PeerID) {
	b.signalConfirm(peer)
}

func (b *Bootstrap) signalConfirm(peer overlay.PeerID) {
	b.mu.Lock()
	waiters := b.confirmWaiters[peer]
	delete(b.confirmWaiters, peer)
	b.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
