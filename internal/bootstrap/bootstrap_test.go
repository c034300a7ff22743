package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/nightjar/pkg/frame"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"
)

type sentRecord struct {
	peer overlay.PeerID
	msg  protocol.Message
}

// fakeManager is a test double for PeerManager, mirroring relay's
// testHub/dht's testSidecar style: a mutex-guarded recorder plus
// injectable callback hooks so a test can script how the peer side of a
// connect/probe attempt behaves.
type fakeManager struct {
	mu sync.Mutex

	directOK bool
	relayErr error
	dhtOK    bool
	dhtErr   error
	sendErr  error

	sent      []sentRecord
	broadcast []protocol.Message

	onConnectDirect func(peer overlay.PeerID, addr overlay.PeerAddress)
	onSend          func(peer overlay.PeerID, msg protocol.Message)
}

func (f *fakeManager) DirectAvailable() bool { return f.directOK }

func (f *fakeManager) ConnectDirect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error {
	if f.onConnectDirect != nil {
		f.onConnectDirect(peer, addr)
	}
	return nil
}

func (f *fakeManager) JoinRelay(ctx context.Context, serverURL string, topic [32]byte) error {
	return f.relayErr
}

func (f *fakeManager) JoinDHT(ctx context.Context, topic [32]byte) (bool, error) {
	return f.dhtOK, f.dhtErr
}

func (f *fakeManager) Send(ctx context.Context, peer overlay.PeerID, msg protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentRecord{peer, msg})
	f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.onSend != nil {
		f.onSend(peer, msg)
	}
	return nil
}

func (f *fakeManager) Broadcast(ctx context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
	return nil
}

func (f *fakeManager) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustPeerID(seed byte) overlay.PeerID {
	var id overlay.PeerID
	for i := range id {
		id[i] = seed
	}
	return id
}

func testConfig() Config {
	return Config{
		MaxConnections:    50,
		MaxRounds:         10,
		DiscoveryInterval: time.Hour, // tests drive rounds explicitly
		RequestTimeout:    200 * time.Millisecond,
		DirectDialTimeout: 200 * time.Millisecond,
		StaleAfter:        5 * time.Minute,
	}
}

func TestConnectPeer_DirectConfirmed(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x01)

	mgr := &fakeManager{directOK: true}
	bs := New(mgr, self, testConfig(), nil)
	mgr.onConnectDirect = func(p overlay.PeerID, addr overlay.PeerAddress) {
		go bs.OnPeerConnected(p)
	}

	addr := overlay.PeerAddress{PeerID: peer, Direct: true}
	if ok := bs.connectPeer(context.Background(), addr); !ok {
		t.Fatal("connectPeer() = false, want true")
	}
	if !bs.IsConnected(peer) {
		t.Error("IsConnected(peer) = false after confirmed direct connect")
	}
}

func TestConnectPeer_ProbeFallbackConfirmsOnAnyFrame(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x02)

	mgr := &fakeManager{directOK: false}
	bs := New(mgr, self, testConfig(), nil)
	mgr.onSend = func(p overlay.PeerID, msg protocol.Message) {
		if _, ok := msg.(*protocol.PeerRequestMessage); ok {
			go bs.OnFrame(p)
		}
	}

	addr := overlay.PeerAddress{PeerID: peer}
	if ok := bs.connectPeer(context.Background(), addr); !ok {
		t.Fatal("connectPeer() = false, want true via probe fallback")
	}
	if !bs.IsConnected(peer) {
		t.Error("IsConnected(peer) = false after probe-confirmed connect")
	}
}

func TestConnectPeer_NeverMarksConnectedOnDialAlone(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x03)

	// Direct dial "succeeds" (ConnectDirect returns nil) but never fires
	// OnPeerConnected, and the probe send never gets a reply either —
	// this must not leave peer in connected (P7).
	mgr := &fakeManager{directOK: true}
	bs := New(mgr, self, testConfig(), nil)

	addr := overlay.PeerAddress{PeerID: peer, Direct: true}
	if ok := bs.connectPeer(context.Background(), addr); ok {
		t.Fatal("connectPeer() = true, want false (no confirmation ever arrived)")
	}
	if bs.IsConnected(peer) {
		t.Error("IsConnected(peer) = true after a dial with no confirmation — phantom peer")
	}
	bs.mu.Lock()
	_, pending := bs.pending[peer]
	bs.mu.Unlock()
	if pending {
		t.Error("peer still marked pending after connect attempt failed")
	}
}

func TestConnectPeer_SkipsSelf(t *testing.T) {
	self := mustPeerID(0x00)
	mgr := &fakeManager{directOK: true}
	bs := New(mgr, self, testConfig(), nil)

	if ok := bs.connectPeer(context.Background(), overlay.PeerAddress{PeerID: self}); ok {
		t.Fatal("connectPeer(self) = true, want false")
	}
	if mgr.sentCount() != 0 {
		t.Error("connectPeer(self) should not attempt any network action")
	}
}

func TestRequestPeerList_CorrelationIDDiscipline(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x04)
	other := mustPeerID(0x05)

	mgr := &fakeManager{}
	bs := New(mgr, self, testConfig(), nil)

	mgr.onSend = func(p overlay.PeerID, msg protocol.Message) {
		req, ok := msg.(*protocol.PeerRequestMessage)
		if !ok {
			return
		}
		// Wrong originator and a stale/unrelated request id — must not
		// resolve the waiter.
		bs.OnPeerList(other, "not-the-id", []overlay.PeerAddress{{PeerID: mustPeerID(0x99)}})
		// Correct originator, correct id — must resolve it.
		go bs.OnPeerList(p, req.RequestID, []overlay.PeerAddress{{PeerID: mustPeerID(0x06)}})
	}

	addrs := bs.requestPeerList(context.Background(), peer)
	if len(addrs) != 1 || addrs[0].PeerID != mustPeerID(0x06) {
		t.Errorf("requestPeerList() = %+v, want single entry for peer 0x06", addrs)
	}
}

func TestRequestPeerList_TimesOutToEmptyNotError(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x07)

	mgr := &fakeManager{}
	bs := New(mgr, self, testConfig(), nil)

	addrs := bs.requestPeerList(context.Background(), peer)
	if addrs != nil {
		t.Errorf("requestPeerList() = %+v, want nil on timeout", addrs)
	}
}

func TestOnPeerRequest_RespondsWithConnectedList(t *testing.T) {
	self := mustPeerID(0x00)
	connectedPeer := mustPeerID(0x08)
	requester := mustPeerID(0x09)

	mgr := &fakeManager{}
	bs := New(mgr, self, testConfig(), nil)
	bs.mu.Lock()
	bs.connected[connectedPeer] = overlay.PeerAddress{PeerID: connectedPeer, Direct: true}
	bs.mu.Unlock()

	bs.OnPeerRequest(context.Background(), requester, "req-123")

	if mgr.sentCount() != 1 {
		t.Fatalf("sent count = %d, want 1", mgr.sentCount())
	}
	rec := mgr.sent[0]
	if rec.peer != requester {
		t.Errorf("reply sent to %v, want %v", rec.peer, requester)
	}
	list, ok := rec.msg.(*protocol.PeerListMessage)
	if !ok {
		t.Fatalf("reply type = %T, want *protocol.PeerListMessage", rec.msg)
	}
	if list.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", list.RequestID, "req-123")
	}
	if len(list.Peers) != 1 || list.Peers[0].PeerID != connectedPeer.String() {
		t.Errorf("Peers = %+v, want single entry for %v", list.Peers, connectedPeer)
	}
}

func TestOnPeerDisconnected_ClearsConnectedQueriedPending(t *testing.T) {
	self := mustPeerID(0x00)
	peer := mustPeerID(0x0A)

	mgr := &fakeManager{}
	bs := New(mgr, self, testConfig(), nil)
	bs.mu.Lock()
	bs.connected[peer] = overlay.PeerAddress{PeerID: peer}
	bs.queried[peer] = struct{}{}
	bs.pending[peer] = struct{}{}
	bs.mu.Unlock()

	bs.OnPeerDisconnected(peer)

	if bs.IsConnected(peer) {
		t.Error("peer still connected after OnPeerDisconnected")
	}
	bs.mu.Lock()
	_, queried := bs.queried[peer]
	_, pending := bs.pending[peer]
	bs.mu.Unlock()
	if queried || pending {
		t.Errorf("queried=%v pending=%v after disconnect, want both false", queried, pending)
	}
}

func TestJoin_ComputesTopicAndAnnounces(t *testing.T) {
	self := mustPeerID(0x00)
	mgr := &fakeManager{relayErr: nil, dhtOK: true}
	bs := New(mgr, self, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := bs.Join(ctx, "workspace-1", JoinParams{RelayURL: "wss://relay.example"}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer bs.Leave(context.Background())

	want := frame.Topic("workspace-1")
	if bs.Topic() != want {
		t.Errorf("Topic() = %x, want %x", bs.Topic(), want)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.broadcast) != 1 {
		t.Fatalf("broadcast count = %d, want 1 (announce)", len(mgr.broadcast))
	}
	if _, ok := mgr.broadcast[0].(*protocol.PeerAnnounceMessage); !ok {
		t.Errorf("broadcast message type = %T, want *protocol.PeerAnnounceMessage", mgr.broadcast[0])
	}
}

func TestJoin_RejectsDoubleJoin(t *testing.T) {
	self := mustPeerID(0x00)
	mgr := &fakeManager{dhtOK: true}
	bs := New(mgr, self, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := bs.Join(ctx, "ws", JoinParams{}); err != nil {
		t.Fatalf("first Join() error = %v", err)
	}
	defer bs.Leave(context.Background())

	if err := bs.Join(ctx, "ws-2", JoinParams{}); err == nil {
		t.Fatal("second Join() error = nil, want an error")
	}
}

func TestLeave_ResetsState(t *testing.T) {
	self := mustPeerID(0x00)
	mgr := &fakeManager{dhtOK: true}
	bs := New(mgr, self, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bs.Join(ctx, "ws", JoinParams{}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	bs.mu.Lock()
	bs.connected[mustPeerID(0x0B)] = overlay.PeerAddress{PeerID: mustPeerID(0x0B)}
	bs.mu.Unlock()

	if err := bs.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}

	if len(bs.ConnectedPeers()) != 0 {
		t.Error("ConnectedPeers() non-empty after Leave")
	}

	// A fresh Join must succeed after Leave.
	if err := bs.Join(ctx, "ws-again", JoinParams{}); err != nil {
		t.Fatalf("Join() after Leave error = %v", err)
	}
	bs.Leave(context.Background())
}
