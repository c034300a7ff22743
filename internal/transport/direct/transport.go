package direct

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// Config configures a direct Transport.
type Config struct {
	ICE    ICEConfig
	Logger *slog.Logger
}

type connState int

const (
	stateOffering connState = iota
	stateAnswering
)

type peerHandle struct {
	p                 *peer
	addr              overlay.PeerAddress
	state             connState
	pendingCandidates []string
	connected         bool
}

// Transport implements transport.Transport for the WebRTC direct variant
// (§4.3.2).
type Transport struct {
	cfg Config
	log *slog.Logger

	self overlay.PeerAddress

	mu    sync.Mutex
	peers map[overlay.PeerID]*peerHandle

	events    chan transport.Event
	destroyed bool
}

// New creates a direct Transport. Call Initialize before use.
func New(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   log.With("component", "direct"),
		peers: make(map[overlay.PeerID]*peerHandle),
	}
}

var _ transport.Transport = (*Transport)(nil)

// Initialize stores the local identity. Bringing up pion peer connections
// is deferred to Connect/HandleSignal, per peer.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return mesherr.New(mesherr.KindNotInitialized, "initialize", nil)
	}
	t.self = cfg.Self
	if t.events == nil {
		t.events = make(chan transport.Event, 64)
	}
	return nil
}

// Connect creates a new peer connection and data channel, generates an
// SDP offer, and emits it as an EventSignal for the caller to relay to
// the remote peer via another transport (typically relay). Connect
// returning nil does not mean the peer is reachable — wait for
// EventPeerConnected.
func (t *Transport) Connect(ctx context.Context, id overlay.PeerID, addr overlay.PeerAddress) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "connect", nil)
	}
	if _, ok := t.peers[id]; ok {
		t.mu.Unlock()
		// Already connected, or an offer/answer is already in flight.
		return nil
	}
	t.mu.Unlock()

	p, err := t.newPeerConn(id)
	if err != nil {
		return mesherr.New(mesherr.KindTransient, "connect", err)
	}

	offerSDP, err := p.createOffer()
	if err != nil {
		_ = p.close()
		return mesherr.New(mesherr.KindTransient, "connect", err)
	}

	t.mu.Lock()
	t.peers[id] = &peerHandle{p: p, addr: addr, state: stateOffering}
	t.mu.Unlock()

	return t.sendSignal(id, signalEnvelope{Kind: signalOffer, SDP: offerSDP})
}

// HandleSignal processes an inbound offer/answer/candidate for peer id,
// received via another transport's EventSignal and routed here by the
// orchestrator. Not part of the transport.Transport interface — analogous
// to relay.Transport.RequestPeers, an extra method specific to this
// variant's capability.
func (t *Transport) HandleSignal(ctx context.Context, id overlay.PeerID, payload []byte) error {
	env, err := decodeSignal(payload)
	if err != nil {
		return mesherr.New(mesherr.KindProtocolError, "handle-signal", err)
	}

	switch env.Kind {
	case signalOffer:
		return t.handleOfferSignal(id, env.SDP)
	case signalAnswer:
		return t.handleAnswerSignal(id, env.SDP)
	case signalCandidate:
		return t.handleCandidateSignal(id, env.Candidate)
	default:
		return mesherr.New(mesherr.KindProtocolError, "handle-signal", nil)
	}
}

// handleOfferSignal applies glare resolution (§4.3.2): if we have already
// sent our own offer to id, the peer with the larger PeerID rolls back
// its outgoing offer and accepts the remote one; the smaller-id peer
// drops the incoming offer and waits for an answer to its own.
func (t *Transport) handleOfferSignal(id overlay.PeerID, sdp string) error {
	t.mu.Lock()
	h, ok := t.peers[id]
	t.mu.Unlock()

	if ok && h.state == stateOffering {
		if t.self.PeerID.Less(id) {
			t.log.Debug("glare: dropping incoming offer, smaller peer id", "peer", id)
			return nil
		}
		t.log.Debug("glare: rolling back outgoing offer, larger peer id", "peer", id)
		if err := h.p.rollback(); err != nil {
			return mesherr.New(mesherr.KindTransient, "handle-signal", err)
		}
		answerSDP, err := h.p.handleOffer(sdp)
		if err != nil {
			return mesherr.New(mesherr.KindTransient, "handle-signal", err)
		}
		t.mu.Lock()
		h.state = stateAnswering
		t.flushCandidatesLocked(h)
		t.mu.Unlock()
		return t.sendSignal(id, signalEnvelope{Kind: signalAnswer, SDP: answerSDP})
	}

	if ok {
		// Duplicate offer after we're already answering/connected; ignore.
		return nil
	}

	p, err := t.newPeerConn(id)
	if err != nil {
		return mesherr.New(mesherr.KindTransient, "handle-signal", err)
	}
	answerSDP, err := p.handleOffer(sdp)
	if err != nil {
		_ = p.close()
		return mesherr.New(mesherr.KindTransient, "handle-signal", err)
	}

	t.mu.Lock()
	t.peers[id] = &peerHandle{p: p, state: stateAnswering}
	t.mu.Unlock()

	return t.sendSignal(id, signalEnvelope{Kind: signalAnswer, SDP: answerSDP})
}

func (t *Transport) handleAnswerSignal(id overlay.PeerID, sdp string) error {
	t.mu.Lock()
	h, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.p.setAnswer(sdp); err != nil {
		return mesherr.New(mesherr.KindTransient, "handle-signal", err)
	}
	t.mu.Lock()
	t.flushCandidatesLocked(h)
	t.mu.Unlock()
	return nil
}

func (t *Transport) handleCandidateSignal(id overlay.PeerID, candidate string) error {
	t.mu.Lock()
	h, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if !h.p.hasRemoteDescription() {
		h.pendingCandidates = append(h.pendingCandidates, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if err := h.p.addICECandidate(candidate); err != nil {
		t.log.Warn("adding ICE candidate", "peer", id, "error", err)
	}
	return nil
}

// flushCandidatesLocked drains queued candidates once the remote
// description has been set. Caller must hold t.mu.
func (t *Transport) flushCandidatesLocked(h *peerHandle) {
	for _, c := range h.pendingCandidates {
		if err := h.p.addICECandidate(c); err != nil {
			t.log.Warn("adding queued ICE candidate", "error", err)
		}
	}
	h.pendingCandidates = nil
}

// Disconnect closes the peer connection and releases its handle.
func (t *Transport) Disconnect(ctx context.Context, id overlay.PeerID) error {
	t.mu.Lock()
	h, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.peers, id)
	wasConnected := h.connected
	t.mu.Unlock()

	_ = h.p.close()
	if wasConnected {
		t.emit(transport.Event{Kind: transport.EventPeerDisconnected, Peer: id})
	}
	return nil
}

// Send writes msg to id's data channel.
func (t *Transport) Send(ctx context.Context, id overlay.PeerID, msg []byte) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "send", nil)
	}
	h, ok := t.peers[id]
	t.mu.Unlock()
	if !ok || !h.connected {
		return mesherr.New(mesherr.KindNoTransport, "send", nil)
	}
	dc := h.p.dataChannel()
	if dc == nil {
		return mesherr.New(mesherr.KindNoTransport, "send", nil)
	}
	if err := dc.Send(msg); err != nil {
		return mesherr.New(mesherr.KindTransient, "send", err)
	}
	return nil
}

// Broadcast writes msg to every peer with an open data channel.
// Per-peer failures are swallowed.
func (t *Transport) Broadcast(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "broadcast", nil)
	}
	var channels []*webrtc.DataChannel
	for _, h := range t.peers {
		if h.connected {
			if dc := h.p.dataChannel(); dc != nil {
				channels = append(channels, dc)
			}
		}
	}
	t.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Send(msg); err != nil {
			t.log.Debug("broadcast send failed", "error", err)
		}
	}
	return nil
}

// IsConnected reports whether id's data channel is open.
func (t *Transport) IsConnected(id overlay.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.peers[id]
	return ok && h.connected
}

// Events returns the transport's event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Destroy closes every peer connection and stops accepting new work.
func (t *Transport) Destroy(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	peers := t.peers
	t.peers = make(map[overlay.PeerID]*peerHandle)
	if t.events != nil {
		close(t.events)
	}
	t.mu.Unlock()

	for _, h := range peers {
		_ = h.p.close()
	}
	return nil
}

func (t *Transport) newPeerConn(id overlay.PeerID) (*peer, error) {
	return newPeer(peerConfig{
		ICE:      t.cfg.ICE,
		LocalID:  t.self.PeerID.String(),
		RemoteID: id.String(),
		Logger:   t.log,

		OnICECandidate: func(candidate string) {
			_ = t.sendSignal(id, signalEnvelope{Kind: signalCandidate, Candidate: candidate})
		},

		OnDataChannel: func(dc *webrtc.DataChannel) {
			t.onDataChannelOpen(id, dc)
		},

		OnConnectionStateChange: func(state webrtc.ICEConnectionState) {
			switch state {
			case webrtc.ICEConnectionStateDisconnected,
				webrtc.ICEConnectionStateFailed,
				webrtc.ICEConnectionStateClosed:
				t.teardown(id)
			}
		},
	})
}

// onDataChannelOpen fires when the data channel (offerer's own, or the
// answerer's remote one) enters the open state. §4.3.2: peer-connected
// is emitted only here, never at negotiation, so that is_connected(p)
// implies a following send will not immediately fail.
func (t *Transport) onDataChannelOpen(id overlay.PeerID, dc *webrtc.DataChannel) {
	t.mu.Lock()
	h, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	alreadyConnected := h.connected
	h.connected = true
	t.mu.Unlock()

	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg, err := protocol.Unmarshal(m.Data)
		if err != nil {
			t.emit(transport.Event{Kind: transport.EventError, Peer: id, Err: err})
			return
		}
		t.emit(transport.Event{Kind: transport.EventMessage, Peer: id, Message: msg})
	})

	if !alreadyConnected {
		t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: id})
	}
}

// teardown removes peer state and emits EventPeerDisconnected once, on
// the underlying connection transitioning to disconnected/failed/closed.
func (t *Transport) teardown(id overlay.PeerID) {
	t.mu.Lock()
	h, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, id)
	wasConnected := h.connected
	t.mu.Unlock()

	if wasConnected {
		t.emit(transport.Event{Kind: transport.EventPeerDisconnected, Peer: id})
	}
}

func (t *Transport) sendSignal(id overlay.PeerID, env signalEnvelope) error {
	data, err := encodeSignal(env)
	if err != nil {
		return mesherr.New(mesherr.KindInvalidInput, "signal", err)
	}
	t.emit(transport.Event{Kind: transport.EventSignal, Peer: id, Signal: data})
	return nil
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed || t.events == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}
