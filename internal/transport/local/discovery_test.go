package local

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/transport"
)

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

// testMulticastAddr picks a distinct group per test run's port to avoid
// cross-test interference when run in parallel (all tests in this file
// otherwise share one multicast group/port pair).
func testMulticastAddr(port int) string {
	return "239.255.42.99:" + strconv.Itoa(port)
}

func TestTransport_DiscoversPeerAdvertisement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := testMulticastAddr(17946)
	var topic [32]byte
	topic[0] = 0x01

	peerA := mustPeerID(t, 0x01)
	peerB := mustPeerID(t, 0x02)

	trA := New(Config{MulticastAddr: addr, AdvertiseInterval: 100 * time.Millisecond, AdvertisePort: 4001})
	defer trA.Destroy(context.Background())
	if err := trA.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerA}, Topic: topic}); err != nil {
		t.Fatalf("trA.Initialize() error = %v", err)
	}

	trB := New(Config{MulticastAddr: addr, AdvertiseInterval: 100 * time.Millisecond, AdvertisePort: 4002})
	defer trB.Destroy(context.Background())
	if err := trB.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: peerB}, Topic: topic}); err != nil {
		t.Fatalf("trB.Initialize() error = %v", err)
	}

	ev := waitEvent(t, trA.Events(), transport.EventPeersDiscovered, 5*time.Second)
	if len(ev.Peers) != 1 || ev.Peers[0].PeerID != peerB {
		t.Errorf("trA discovered = %+v, want one entry for peerB", ev.Peers)
	}
}

func TestTransport_DifferentTopicsDoNotDiscoverEachOther(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	addr := testMulticastAddr(17947)
	var topicA, topicB [32]byte
	topicA[0] = 0x01
	topicB[0] = 0x02

	trA := New(Config{MulticastAddr: addr, AdvertiseInterval: 100 * time.Millisecond})
	defer trA.Destroy(context.Background())
	if err := trA.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0x01)}, Topic: topicA}); err != nil {
		t.Fatalf("trA.Initialize() error = %v", err)
	}

	trB := New(Config{MulticastAddr: addr, AdvertiseInterval: 100 * time.Millisecond})
	defer trB.Destroy(context.Background())
	if err := trB.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0x02)}, Topic: topicB}); err != nil {
		t.Fatalf("trB.Initialize() error = %v", err)
	}

	select {
	case ev := <-trA.Events():
		t.Fatalf("unexpected event across topics: %+v", ev)
	case <-time.After(800 * time.Millisecond):
	}
}

func TestTransport_Send_ReturnsNoTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tr := New(Config{MulticastAddr: testMulticastAddr(17948)})
	defer tr.Destroy(context.Background())
	if err := tr.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0x05)}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := tr.Send(ctx, mustPeerID(t, 0x06), []byte(`{}`)); err == nil {
		t.Fatal("Send() expected error, got nil")
	}
	if err := tr.Broadcast(ctx, []byte(`{}`)); err == nil {
		t.Fatal("Broadcast() expected error, got nil")
	}
	if tr.IsConnected(mustPeerID(t, 0x06)) {
		t.Error("IsConnected() = true, want false (discovery-only transport)")
	}
}

func TestTransport_Destroy_ClosesEventsChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tr := New(Config{MulticastAddr: testMulticastAddr(17949)})
	if err := tr.Initialize(ctx, transport.Config{Self: overlay.PeerAddress{PeerID: mustPeerID(t, 0x07)}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := tr.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if _, ok := <-tr.Events(); ok {
		t.Error("Events() channel still open after Destroy()")
	}
}
