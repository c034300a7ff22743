package mesh

import (
	"context"
	"sync"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/transport"
)

// fakeTransport is a minimal transport.Transport double, in the style of
// bootstrap's fakeManager: a mutex-guarded recorder plus a controllable
// connected set, so Send/Broadcast priority and dispatch routing can be
// tested without real sockets or WebRTC.
type fakeTransport struct {
	mu        sync.Mutex
	connected map[overlay.PeerID]bool
	sent      []fakeSend
	sendErr   error
	events    chan transport.Event
}

type fakeSend struct {
	peer overlay.PeerID
	data []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: make(map[overlay.PeerID]bool),
		events:    make(chan transport.Event, 32),
	}
}

func (f *fakeTransport) Initialize(ctx context.Context, cfg transport.Config) error { return nil }

func (f *fakeTransport) Connect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error {
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, peer overlay.PeerID) error {
	f.setConnected(peer, false)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, peer overlay.PeerID, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[peer] {
		return mesherr.New(mesherr.KindNoTransport, "send", nil)
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fakeSend{peer, msg})
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, msg []byte) error { return nil }

func (f *fakeTransport) IsConnected(peer overlay.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peer]
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Destroy(ctx context.Context) error { return nil }

func (f *fakeTransport) setConnected(peer overlay.PeerID, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[peer] = v
}

func (f *fakeTransport) sentTo(peer overlay.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.peer == peer {
			n++
		}
	}
	return n
}
