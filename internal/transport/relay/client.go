// Package relay implements the §4.3.1 relay transport: one long-lived
// client link to a rendezvous server, reconnected with exponential
// backoff, carrying join/leave-topic, roster requests, signaling
// forwarding, and unicast/broadcast relay of catalog messages.
//
// Grounded on internal/signaling/client.go: the dial/receiveLoop/reconnect
// structure, the ClientConfig/ReconnectConfig shape, and the overflow-safe
// backoff computation are all adapted from there, generalized from
// WireGuard join semantics to the full relay capability contract.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// Config configures a relay Transport.
type Config struct {
	// ServerURL is the WebSocket URL of the rendezvous server.
	ServerURL string

	// TokenProvider returns the current bearer token, if the server
	// requires authentication. May be nil.
	TokenProvider func() string

	// Logger is the structured logger to use. Defaults to slog.Default().
	Logger *slog.Logger

	// DialTimeout bounds each dial attempt. Defaults to 10s.
	DialTimeout time.Duration

	// KeepAlive is the interval between ping keepalives on the server
	// link. Defaults to 30s per §4.3.1.
	KeepAlive time.Duration

	// Reconnect backoff parameters, §4.3.1: base 1s, cap 30s, 10 attempts.
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectAttempts int

	// EventBufferSize bounds the Events() channel. Defaults to 64.
	EventBufferSize int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
	return c
}

// peerState tracks what this transport knows about one peer on the
// topic: its advertised address and whether a peer-connected event has
// already fired for it (relay "connection" has no handshake of its own —
// presence in the roster while the server link is open is connectivity).
type peerState struct {
	addr      overlay.PeerAddress
	connected bool
}

// Transport implements transport.Transport for the relay variant.
type Transport struct {
	cfg Config
	log *slog.Logger

	self     overlay.PeerAddress
	topicHex string

	mu              sync.Mutex
	conn            *websocket.Conn
	serverConnected bool
	peers           map[overlay.PeerID]*peerState
	rateLimitUntil  time.Time

	events chan transport.Event
	done   chan struct{}
	cancel context.CancelFunc

	destroyed bool
}

// New creates a relay Transport. Call Initialize to establish the
// connection.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   log.With("component", "relay"),
		peers: make(map[overlay.PeerID]*peerState),
	}
}

var _ transport.Transport = (*Transport)(nil)

// Initialize dials the rendezvous server, joins the topic, announces this
// peer's identity, and starts the background reconnect loop. It makes a
// single dial attempt and returns a Transient error if it fails; reconnect
// attempts apply only to a link that was once established.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "initialize", nil)
	}
	t.mu.Unlock()

	t.self = cfg.Self
	t.topicHex = hex.EncodeToString(cfg.Topic[:])

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.events = make(chan transport.Event, t.cfg.EventBufferSize)
	t.done = make(chan struct{})

	if err := t.dialAndJoin(ctx); err != nil {
		cancel()
		return mesherr.New(mesherr.KindTransient, "initialize", err)
	}

	go t.receiveLoop(ctx)
	go t.keepaliveLoop(ctx)

	return nil
}

// Connect registers peer as reachable via relay. Relay has no per-peer
// handshake: presence in the topic roster while the server link is open
// is sufficient for reachability, so Connect emits EventPeerConnected
// immediately (idempotently) rather than performing I/O.
func (t *Transport) Connect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return mesherr.New(mesherr.KindNotInitialized, "connect", nil)
	}

	st, ok := t.peers[peer]
	if !ok {
		st = &peerState{}
		t.peers[peer] = st
	}
	st.addr = addr

	if t.serverConnected && !st.connected {
		st.connected = true
		t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: peer})
	}
	return nil
}

// Disconnect removes peer from the roster this transport considers
// reachable.
func (t *Transport) Disconnect(ctx context.Context, peer overlay.PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.peers[peer]
	if !ok || !st.connected {
		delete(t.peers, peer)
		return nil
	}
	delete(t.peers, peer)
	t.emit(transport.Event{Kind: transport.EventPeerDisconnected, Peer: peer})
	return nil
}

// Send relays msg to exactly one peer via relay_unicast.
func (t *Transport) Send(ctx context.Context, peer overlay.PeerID, msg []byte) error {
	if err := t.checkSendable(); err != nil {
		return err
	}
	if !t.IsConnected(peer) {
		return mesherr.New(mesherr.KindNoTransport, "send", fmt.Errorf("peer %s not reachable via relay", peer))
	}
	return t.writeEnvelope(ctx, peer.String(), msg)
}

// Broadcast relays msg to every peer on the topic via relay_broadcast.
func (t *Transport) Broadcast(ctx context.Context, msg []byte) error {
	if err := t.checkSendable(); err != nil {
		return err
	}
	return t.writeEnvelope(ctx, "", msg)
}

func (t *Transport) checkSendable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return mesherr.New(mesherr.KindNotInitialized, "send", nil)
	}
	if !t.rateLimitUntil.IsZero() && time.Now().Before(t.rateLimitUntil) {
		return mesherr.New(mesherr.KindTransient, "send", errors.New("rate limited by relay server"))
	}
	return nil
}

func (t *Transport) writeEnvelope(ctx context.Context, to string, payload []byte) error {
	env := relayEnvelope{Type: typeRelay, To: to, Payload: payload, Timestamp: nowMillis()}
	data, err := encode(env)
	if err != nil {
		return mesherr.New(mesherr.KindInvalidInput, "send", err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return mesherr.New(mesherr.KindNoTransport, "send", errors.New("relay link not open"))
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return mesherr.New(mesherr.KindTransient, "send", err)
	}
	return nil
}

// RequestPeers asks the rendezvous server for its current topic roster
// (the request_peers operation in §4.3.1). The reply arrives
// asynchronously as an EventPeersDiscovered. Used by Bootstrap's seed
// step to learn the initial membership of a freshly joined topic.
func (t *Transport) RequestPeers(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	topicHex := t.topicHex
	t.mu.Unlock()
	if conn == nil {
		return mesherr.New(mesherr.KindNoTransport, "request-peers", errors.New("relay link not open"))
	}

	data, err := encode(requestPeersMsg{Type: typeRequestPeers, Topic: topicHex, Timestamp: nowMillis()})
	if err != nil {
		return mesherr.New(mesherr.KindInvalidInput, "request-peers", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return mesherr.New(mesherr.KindTransient, "request-peers", err)
	}
	return nil
}

// IsConnected reports whether peer is currently reachable via relay.
func (t *Transport) IsConnected(peer overlay.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	return ok && st.connected && t.serverConnected
}

// Events returns the transport's event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Destroy closes the server link and stops all background goroutines.
func (t *Transport) Destroy(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closeConn()

	if t.done != nil {
		<-t.done
	}
	if t.events != nil {
		close(t.events)
	}
	return nil
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func identityFromAddress(addr overlay.PeerAddress) *protocol.IdentityMessage {
	return &protocol.IdentityMessage{
		PublicKey:   addr.PeerID.String(),
		DisplayName: addr.DisplayName,
		Color:       addr.Color,
		Timestamp:   nowMillis(),
	}
}
