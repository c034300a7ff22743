package dht

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// testSidecar is a minimal in-process stand-in for the host swarm process,
// mirroring relay's testHub shape but speaking the dht control protocol
// over a unix socket instead of WebSocket.
type testSidecar struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newTestSidecar() *testSidecar {
	return &testSidecar{conns: make(map[string]net.Conn)}
}

func (s *testSidecar) serve(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(t, conn)
		}
	}()
}

func (s *testSidecar) handleConn(t *testing.T, conn net.Conn) {
	dec := json.NewDecoder(conn)
	var join joinTopicMsg
	if err := dec.Decode(&join); err != nil || join.Type != typeJoinTopic {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[join.Self.PeerID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, join.Self.PeerID)
		s.mu.Unlock()
	}()

	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		typ, err := peekType(raw)
		if err != nil || typ != typeSend {
			continue
		}
		var m sendMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}

		out := messageMsg{Type: typeMessage, Topic: m.Topic, From: join.Self.PeerID, Payload: m.Payload, Timestamp: nowMillis()}

		s.mu.Lock()
		if m.To == "" {
			for id, c := range s.conns {
				if id == join.Self.PeerID {
					continue
				}
				_ = writeFrame(c, out)
			}
		} else if c, ok := s.conns[m.To]; ok {
			_ = writeFrame(c, out)
		}
		s.mu.Unlock()
	}
}

// announceOpen pushes a peer-discovered frame marking peer as already
// open at the host level to every connected client except peer itself.
func (s *testSidecar) announceOpen(peer overlay.PeerID, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := peerDiscoveredMsg{
		Type:  typePeerDiscover,
		Topic: topic,
		Peers: []discoveredPeer{{Peer: protocol.PeerInfo{PeerID: peer.String()}, Open: true}},
	}
	for id, c := range s.conns {
		if id == peer.String() {
			continue
		}
		_ = writeFrame(c, msg)
	}
}

func startTestSidecar(t *testing.T) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "dht.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listening on unix socket: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	sc := newTestSidecar()
	sc.serve(t, ln)
	return sockPath
}

func mustPeerID(t *testing.T, seed byte) overlay.PeerID {
	t.Helper()
	var id overlay.PeerID
	for i := range id {
		id[i] = seed
	}
	return id
}

func waitEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind, timeout time.Duration) transport.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestTransport_InitializeJoins(t *testing.T) {
	t.Parallel()

	sockPath := startTestSidecar(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := New(Config{SocketPath: sockPath})
	defer tr.Destroy(context.Background())

	err := tr.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0xAA)}})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestTransport_SendFailsBeforePeerReportedOpen(t *testing.T) {
	t.Parallel()

	sockPath := startTestSidecar(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peerA := mustPeerID(t, 0x01)
	peerB := mustPeerID(t, 0x02)

	trA := New(Config{SocketPath: sockPath})
	defer trA.Destroy(context.Background())
	if err := trA.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerA}}); err != nil {
		t.Fatalf("trA.Initialize() error = %v", err)
	}

	trB := New(Config{SocketPath: sockPath})
	defer trB.Destroy(context.Background())
	if err := trB.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerB}}); err != nil {
		t.Fatalf("trB.Initialize() error = %v", err)
	}

	if err := trA.Connect(ctx, peerB, overlay.PeerAddress{PeerID: peerB}); err != nil {
		t.Fatalf("trA.Connect() error = %v", err)
	}

	// Peer B is not yet marked open on trA's side, so a direct Send
	// before a peer-discovered push must fail (P7: never mark connected
	// on a dial alone).
	if err := trA.Send(ctx, peerB, []byte(`{"type":"ping","timestamp":1}`)); err == nil {
		t.Fatal("Send() expected error before peer is announced open, got nil")
	}
}

func TestTransport_PeerDiscoveredOpen_FiresPeerConnectedAndAllowsSend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sc := newTestSidecar()
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "dht2.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	sc.serve(t, ln)

	peerA := mustPeerID(t, 0x01)
	peerB := mustPeerID(t, 0x02)

	trA := New(Config{SocketPath: ln.Addr().String()})
	defer trA.Destroy(context.Background())
	if err := trA.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerA}}); err != nil {
		t.Fatalf("trA.Initialize() error = %v", err)
	}

	trB := New(Config{SocketPath: ln.Addr().String()})
	defer trB.Destroy(context.Background())
	if err := trB.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerB}}); err != nil {
		t.Fatalf("trB.Initialize() error = %v", err)
	}

	// Initialize returns once join-topic is written; wait until the
	// sidecar has registered both clients before pushing the open notice.
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		sc.mu.Lock()
		n := len(sc.conns)
		sc.mu.Unlock()
		if n == 2 {
			break
		}
	}
	sc.announceOpen(peerB, "")

	waitEvent(t, trA.Events(), transport.EventPeerConnected, 2*time.Second)
	if !trA.IsConnected(peerB) {
		t.Error("trA.IsConnected(peerB) = false after host reported it open")
	}

	ping := &protocol.PingMessage{Timestamp: 42}
	data, err := protocol.Marshal(ping)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := trA.Send(ctx, peerB, data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ev := waitEvent(t, trB.Events(), transport.EventMessage, 2*time.Second)
	msg, ok := ev.Message.(*protocol.PingMessage)
	if !ok {
		t.Fatalf("received message type = %T, want *protocol.PingMessage", ev.Message)
	}
	if msg.Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", msg.Timestamp)
	}
}

func TestTransport_Destroy_ClosesEventsChannel(t *testing.T) {
	t.Parallel()

	sockPath := startTestSidecar(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := New(Config{SocketPath: sockPath})
	if err := tr.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0x03)}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := tr.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if _, ok := <-tr.Events(); ok {
		t.Error("Events() channel still open after Destroy()")
	}
}
