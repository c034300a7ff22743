// Package dht implements the §4.3.3 DHT transport: a thin client over a
// local control link to a host-provided swarm sidecar process. The mesh
// core never embeds a DHT implementation of its own — it speaks a small
// JSON-lines protocol to whatever process the host has bound to the
// control socket, and treats that process's view of swarm membership as
// ground truth.
//
// Grounded on internal/control/server.go's unix-socket dial idiom
// (net.Dial("unix", ...), inverted here: the mesh core is the client of
// the sidecar rather than the server answering status queries). The
// persistent-connection reconnect/receive-loop shape is adapted from
// internal/signaling/client.go, generalized from relay's own
// client.go/client_io.go split in this module.
package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/transport"
)

// Config configures a DHT Transport.
type Config struct {
	// SocketPath is the filesystem path of the host sidecar's control
	// socket.
	SocketPath string

	// Logger is the structured logger to use. Defaults to slog.Default().
	Logger *slog.Logger

	// DialTimeout bounds each dial attempt. Defaults to 10s.
	DialTimeout time.Duration

	// Reconnect backoff parameters, §4.3.3: base 5s, multiplier 1.5, cap
	// 60s, 10 attempts.
	ReconnectBase       time.Duration
	ReconnectMultiplier float64
	ReconnectCap        time.Duration
	ReconnectAttempts   int

	// EventBufferSize bounds the Events() channel. Defaults to 64.
	EventBufferSize int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMultiplier <= 0 {
		c.ReconnectMultiplier = 1.5
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
	return c
}

// peerState tracks what this transport knows about one peer surfaced by
// the host sidecar.
type peerState struct {
	addr      overlay.PeerAddress
	connected bool
}

// Transport implements transport.Transport for the DHT variant.
type Transport struct {
	cfg Config
	log *slog.Logger

	self     overlay.PeerAddress
	topicHex string

	mu            sync.Mutex
	conn          net.Conn
	hostConnected bool
	peers         map[overlay.PeerID]*peerState

	events chan transport.Event
	done   chan struct{}
	cancel context.CancelFunc

	destroyed bool
}

// New creates a DHT Transport. Call Initialize to establish the control
// link.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   log.With("component", "dht"),
		peers: make(map[overlay.PeerID]*peerState),
	}
}

var _ transport.Transport = (*Transport)(nil)

// Initialize dials the host sidecar's control socket, joins the topic,
// and starts the background reconnect loop. It makes a single dial attempt
// and returns a Transient error if it fails; reconnect attempts apply only
// to a link that was once established.
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

	return nil
}

// Connect registers peer as one the Peer Manager wants reachable. The DHT
// transport never dials peers itself — the host sidecar owns swarm
// membership — so Connect only records the address; a peer becomes
// connected when the host pushes it as already open (§4.3.3) or when a
// message from it arrives.
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
	return nil
}

// Disconnect removes peer from the set this transport considers reachable.
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

// Send asks the host sidecar to deliver msg to exactly one peer.
func (t *Transport) Send(ctx context.Context, peer overlay.PeerID, msg []byte) error {
	if err := t.checkSendable(); err != nil {
		return err
	}
	if !t.IsConnected(peer) {
		return mesherr.New(mesherr.KindNoTransport, "send", fmt.Errorf("peer %s not open via dht", peer))
	}
	return t.writeSend(ctx, peer.String(), msg)
}

// Broadcast asks the host sidecar to deliver msg to every peer it holds
// open on this topic.
func (t *Transport) Broadcast(ctx context.Context, msg []byte) error {
	if err := t.checkSendable(); err != nil {
		return err
	}
	return t.writeSend(ctx, "", msg)
}

func (t *Transport) checkSendable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return mesherr.New(mesherr.KindNotInitialized, "send", nil)
	}
	return nil
}

func (t *Transport) writeSend(ctx context.Context, to string, payload []byte) error {
	env := sendMsg{Type: typeSend, Topic: t.topicHex, To: to, Payload: payload, Timestamp: nowMillis()}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return mesherr.New(mesherr.KindNoTransport, "send", fmt.Errorf("dht control link not open"))
	}

	if err := writeFrame(conn, env); err != nil {
		return mesherr.New(mesherr.KindTransient, "send", err)
	}
	return nil
}

// IsConnected reports whether peer is currently open via the DHT swarm.
func (t *Transport) IsConnected(peer overlay.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	return ok && st.connected && t.hostConnected
}

// Events returns the transport's event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Destroy closes the control link and stops all background goroutines.
func (t *Transport) Destroy(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	cancel := t.cancel
	t.mu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = writeFrame(conn, leaveTopicMsg{Type: typeLeaveTopic, Topic: t.topicHex, Timestamp: nowMillis()})
	}

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
