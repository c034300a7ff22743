package mesh

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/kuuji/nightjar/pkg/frame"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/bootstrap"
	"github.com/kuuji/nightjar/internal/transport"
)

func newTestManager(t *testing.T) (*Manager, overlay.PeerID) {
	t.Helper()
	self, err := overlay.NewPeerID()
	if err != nil {
		t.Fatalf("generating self peer id: %v", err)
	}
	m := New(Config{Self: self, Bootstrap: bootstrap.Config{}})
	return m, self
}

func testPeer(t *testing.T) overlay.PeerID {
	t.Helper()
	id, err := overlay.NewPeerID()
	if err != nil {
		t.Fatalf("generating peer id: %v", err)
	}
	return id
}

// markConnected injects peer into Bootstrap's connected set via the same
// hook dispatch uses for a confirmed EventPeerConnected, without needing a
// real transport dial.
func markConnected(m *Manager, peer overlay.PeerID) {
	m.bootstrap.OnPeerConnected(peer)
}

func TestSend_PrefersRelayOverDHTWhenDirectNotConnected(t *testing.T) {
	m, _ := newTestManager(t)
	peer := testPeer(t)

	relayTr := newFakeTransport()
	dhtTr := newFakeTransport()
	relayTr.setConnected(peer, true)
	dhtTr.setConnected(peer, true)
	m.relayTr = relayTr
	m.dhtTr = dhtTr
	// direct is real but never Initialize()d, so IsConnected is always
	// false here — Send should fall through to relay.

	if err := m.Send(context.Background(), peer, &protocol.PingMessage{Timestamp: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := relayTr.sentTo(peer); got != 1 {
		t.Fatalf("relay sentTo = %d, want 1", got)
	}
	if got := dhtTr.sentTo(peer); got != 0 {
		t.Fatalf("dht should not have been tried when relay succeeded, got %d sends", got)
	}
}

func TestSend_FallsThroughToDHTWhenRelayNotConnected(t *testing.T) {
	m, _ := newTestManager(t)
	peer := testPeer(t)

	relayTr := newFakeTransport() // not connected
	dhtTr := newFakeTransport()
	dhtTr.setConnected(peer, true)
	m.relayTr = relayTr
	m.dhtTr = dhtTr

	if err := m.Send(context.Background(), peer, &protocol.PingMessage{Timestamp: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := dhtTr.sentTo(peer); got != 1 {
		t.Fatalf("dht sentTo = %d, want 1", got)
	}
}

func TestSend_NoTransportConnectedReturnsError(t *testing.T) {
	m, _ := newTestManager(t)
	peer := testPeer(t)

	if err := m.Send(context.Background(), peer, &protocol.PingMessage{Timestamp: 1}); err == nil {
		t.Fatal("expected error when no transport has a path to the peer")
	}
}

func TestBroadcast_PrefersDHTOverRelayAndIsNotDuplicated(t *testing.T) {
	m, _ := newTestManager(t)
	peerA := testPeer(t)
	peerB := testPeer(t)

	relayTr := newFakeTransport()
	dhtTr := newFakeTransport()
	relayTr.setConnected(peerA, true)
	relayTr.setConnected(peerB, true)
	dhtTr.setConnected(peerA, true) // peerA reachable via both dht and relay
	m.relayTr = relayTr
	m.dhtTr = dhtTr

	markConnected(m, peerA)
	markConnected(m, peerB)

	if err := m.Broadcast(context.Background(), &protocol.PingMessage{Timestamp: 1}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	// peerA is connected on both dht and relay; broadcast priority is
	// direct, dht, relay, so dht must win and relay must not also send.
	if got := dhtTr.sentTo(peerA); got != 1 {
		t.Fatalf("dht sentTo peerA = %d, want 1", got)
	}
	if got := relayTr.sentTo(peerA); got != 0 {
		t.Fatalf("relay should not duplicate peerA's already-sent broadcast, got %d", got)
	}
	// peerB is only reachable via relay.
	if got := relayTr.sentTo(peerB); got != 1 {
		t.Fatalf("relay sentTo peerB = %d, want 1", got)
	}
}

func TestDispatch_PeerConnectedRoutesToBootstrap(t *testing.T) {
	m, _ := newTestManager(t)
	peer := testPeer(t)

	m.dispatch(transport.Event{Kind: transport.EventPeerConnected, Peer: peer})

	found := false
	for _, addr := range m.bootstrap.ConnectedPeers() {
		if addr.PeerID == peer {
			found = true
		}
	}
	if !found {
		t.Fatal("expected peer to appear in Bootstrap's connected set after EventPeerConnected dispatch")
	}
}

func TestDispatchMessage_SyncRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	peer := testPeer(t)

	if err := m.SendUpdate(context.Background(), "doc-1", []byte("ciphertext")); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	// SendUpdate broadcasts; with no transports connected it's a no-op
	// send-wise, but we only need the constructed SyncMessage shape, so
	// build one directly to exercise handleSync/dispatchMessage.
	framed, err := frame.Encode("doc-1", []byte("ciphertext"))
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(framed)
	msg := &protocol.SyncMessage{DocID: "doc-1", Data: encoded, Origin: peer.String(), Timestamp: 1}

	m.dispatchMessage(peer, msg)

	select {
	case ev := <-m.Updates():
		if ev.DocID != "doc-1" || string(ev.Ciphertext) != "ciphertext" {
			t.Fatalf("unexpected update event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update event")
	}
}

func TestDestroy_IsIdempotentAndClosesChannels(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy should be a no-op, got: %v", err)
	}

	if _, ok := <-m.Updates(); ok {
		t.Fatal("updates channel should be closed after Destroy")
	}
	if _, ok := <-m.Errors(); ok {
		t.Fatal("errors channel should be closed after Destroy")
	}
}

func TestJoinWorkspace_RejectsAfterDestroy(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	err := m.JoinWorkspace(context.Background(), "ws-1", bootstrap.JoinParams{})
	if err == nil {
		t.Fatal("expected JoinWorkspace to fail after Destroy")
	}
}

// TestLeaveWorkspace_SwapsDirectBeforeTeardown guards against a direct
// transport read racing LeaveWorkspace's destroy-and-replace: the swap to a
// fresh instance must be visible through currentDirect as soon as
// currentWorkspaceId is cleared, not only after the old instance finishes
// being destroyed.
func TestLeaveWorkspace_SwapsDirectBeforeTeardown(t *testing.T) {
	m, _ := newTestManager(t)

	before := m.currentDirect()

	m.mu.Lock()
	m.currentWorkspaceID = "ws-1"
	m.mu.Unlock()

	if err := m.LeaveWorkspace(context.Background()); err != nil {
		t.Fatalf("LeaveWorkspace: %v", err)
	}

	after := m.currentDirect()
	if after == before {
		t.Fatal("currentDirect() still returns the pre-leave instance after LeaveWorkspace returned")
	}

	// The replacement must be live, not already destroyed by the teardown
	// of the old instance it replaced.
	if err := after.Initialize(context.Background(), transport.Config{Self: overlay.PeerID{}, Topic: [32]byte{}}); err != nil {
		t.Fatalf("Initialize on post-leave direct transport: %v", err)
	}
}
