package bootstrap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"
)

// seed attempts the four seed paths in parallel (§4.4 step 2). It
// reports whether at least one succeeded.
func (b *Bootstrap) seed(ctx context.Context, params JoinParams) bool {
	var succeeded atomic.Bool
	var wg sync.WaitGroup

	if params.RelayURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.mgr.JoinRelay(ctx, params.RelayURL, b.Topic()); err != nil {
				b.log.Debug("seed: relay join failed", "error", err)
				return
			}
			succeeded.Store(true)
		}()
	}

	for _, addr := range params.SeedPeers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.connectPeer(ctx, addr) {
				succeeded.Store(true)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, err := b.mgr.JoinDHT(ctx, b.Topic())
		if err != nil {
			b.log.Debug("seed: dht join failed", "error", err)
			return
		}
		if ok {
			succeeded.Store(true)
		}
	}()

	// (d) local discovery has no explicit subscribe call in this design
	// — the local transport is already initialized on the same topic by
	// the Peer Manager and feeds PeersDiscovered straight into
	// OnPeersDiscovered, so there is nothing further to do here besides
	// counting its future discoveries as seed traffic, which they
	// already are once connectPeer succeeds on one of them.

	wg.Wait()
	return succeeded.Load()
}

// runDiscoveryRounds performs the bounded recursive-discovery loop
// (§4.4 step 3): query every connected, not-yet-queried peer for its
// peer list, learn new addresses, and initiate connects, stopping once
// a round yields nothing new or the cap is reached.
func (b *Bootstrap) runDiscoveryRounds(ctx context.Context) {
	for round := 0; round < b.cfg.MaxRounds; round++ {
		if b.atCapacity() {
			return
		}
		targets := b.unqueriedConnected()
		if len(targets) == 0 && round > 0 {
			return
		}

		var wg sync.WaitGroup
		var newCount atomic.Int32
		for _, peer := range targets {
			peer := peer
			b.mu.Lock()
			b.queried[peer] = struct{}{}
			b.mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				addrs := b.requestPeerList(ctx, peer)
				for _, addr := range addrs {
					if b.learn(addr) {
						newCount.Add(1)
					}
					if !b.atCapacity() && !b.isConnectedOrPending(addr.PeerID) {
						go b.connectPeer(ctx, addr)
					}
				}
			}()
		}
		wg.Wait()

		if newCount.Load() == 0 && round > 0 {
			return
		}
	}
}

// requestPeerList sends a peer-request to peer and waits up to
// RequestTimeout for a matching peer-list. A timeout yields an empty
// slice, not an error (§4.4 step 3, correlation-id discipline).
func (b *Bootstrap) requestPeerList(ctx context.Context, peer overlay.PeerID) []overlay.PeerAddress {
	reqID := newRequestID()
	ch := make(chan peerListReply, 1)
	b.mu.Lock()
	b.listWaiters[reqID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.listWaiters, reqID)
		b.mu.Unlock()
	}()

	if err := b.mgr.Send(ctx, peer, &protocol.PeerRequestMessage{RequestID: reqID, Timestamp: nowMillis()}); err != nil {
		b.log.Debug("peer-request send failed", "peer", peer, "error", err)
		return nil
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.from != peer {
			return nil
		}
		return reply.peers
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// announce broadcasts the local PeerAddress (§4.4 step 4).
func (b *Bootstrap) announce(ctx context.Context) {
	addr := overlay.PeerAddress{PeerID: b.self, Direct: b.mgr.DirectAvailable(), LastSeen: nowMillis()}
	if err := b.mgr.Broadcast(ctx, &protocol.PeerAnnounceMessage{Peer: addr.ToWire(), Timestamp: nowMillis()}); err != nil {
		b.log.Debug("announce broadcast failed", "error", err)
	}
}

// connectPeer runs the peer-connect sub-procedure for addr. It reports
// whether a confirmed connection was established.
func (b *Bootstrap) connectPeer(ctx context.Context, addr overlay.PeerAddress) bool {
	peer := addr.PeerID
	if peer == b.self || peer.IsZero() {
		return false
	}

	b.mu.Lock()
	if _, ok := b.connected[peer]; ok {
		b.mu.Unlock()
		return true
	}
	if _, ok := b.pending[peer]; ok {
		b.mu.Unlock()
		return false
	}
	b.pending[peer] = struct{}{}
	b.mu.Unlock()

	confirmed := false
	if b.mgr.DirectAvailable() && addr.Direct {
		confirmed = b.tryDirect(ctx, addr)
	}
	if !confirmed {
		confirmed = b.tryProbe(ctx, peer)
	}

	b.mu.Lock()
	delete(b.pending, peer)
	if confirmed {
		b.connected[peer] = addr
	}
	b.known[peer] = knownEntry{addr: addr, seen: time.Now()}
	b.mu.Unlock()

	return confirmed
}

// tryDirect dials the direct transport and waits for OnPeerConnected to
// confirm it, up to DirectDialTimeout.
func (b *Bootstrap) tryDirect(ctx context.Context, addr overlay.PeerAddress) bool {
	ch := b.registerConfirmWaiter(addr.PeerID)
	if err := b.mgr.ConnectDirect(ctx, addr.PeerID, addr); err != nil {
		b.unregisterConfirmWaiter(addr.PeerID, ch)
		return false
	}
	return b.awaitConfirm(ctx, addr.PeerID, ch, b.cfg.DirectDialTimeout)
}

// tryProbe sends a peer-request and waits for any inbound frame from
// peer within RequestTimeout (the liveness-probe fallback). A transport
// that confirms the peer fully (e.g. DHT reporting it already open)
// also satisfies this wait via OnPeerConnected.
func (b *Bootstrap) tryProbe(ctx context.Context, peer overlay.PeerID) bool {
	ch := b.registerConfirmWaiter(peer)
	b.mu.Lock()
	b.queried[peer] = struct{}{}
	b.mu.Unlock()
	if err := b.mgr.Send(ctx, peer, &protocol.PeerRequestMessage{RequestID: newRequestID(), Timestamp: nowMillis()}); err != nil {
		b.unregisterConfirmWaiter(peer, ch)
		return false
	}
	return b.awaitConfirm(ctx, peer, ch, b.cfg.RequestTimeout)
}

func (b *Bootstrap) awaitConfirm(ctx context.Context, peer overlay.PeerID, ch chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		b.unregisterConfirmWaiter(peer, ch)
		return false
	case <-ctx.Done():
		b.unregisterConfirmWaiter(peer, ch)
		return false
	}
}

func (b *Bootstrap) registerConfirmWaiter(peer overlay.PeerID) chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.confirmWaiters[peer] = append(b.confirmWaiters[peer], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bootstrap) unregisterConfirmWaiter(peer overlay.PeerID, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.confirmWaiters[peer]
	for i, c := range waiters {
		if c == ch {
			b.confirmWaiters[peer] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.confirmWaiters[peer]) == 0 {
		delete(b.confirmWaiters, peer)
	}
}

// learn records addr in known, updating its last-seen time. It reports
// whether this peer id was not already known.
func (b *Bootstrap) learn(addr overlay.PeerAddress) bool {
	if addr.PeerID == b.self || addr.PeerID.IsZero() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.known[addr.PeerID]
	b.known[addr.PeerID] = knownEntry{addr: addr, seen: time.Now()}
	return !existed
}

func (b *Bootstrap) isConnectedOrPending(peer overlay.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.connected[peer]; ok {
		return true
	}
	_, ok := b.pending[peer]
	return ok
}

func (b *Bootstrap) atCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connected) >= b.cfg.MaxConnections
}

func (b *Bootstrap) unqueriedConnected() []overlay.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]overlay.PeerID, 0, len(b.connected))
	for peer := range b.connected {
		if _, ok := b.queried[peer]; !ok {
			out = append(out, peer)
		}
	}
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }
