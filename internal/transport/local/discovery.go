// Package local implements the §4.3.4 local-network transport:
// discovery-only advertisement and consumption of peer presence over LAN
// multicast. It never carries peer-to-peer traffic itself — Send and
// Broadcast always fail — it only feeds discovered addresses to Bootstrap
// for connection via another transport.
//
// Grounded on internal/signaling/hub.go's peer-bookkeeping shape (a
// mutex-guarded map keyed by peer id, entries added/removed on sight) and
// golang.org/x/net/ipv4's multicast group examples, used here instead of
// hand-rolled socket options against plain net.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/transport"
)

// Config configures a local-network Transport.
type Config struct {
	// MulticastAddr is the group address and port advertisements are sent
	// to and received on. Defaults to "239.255.42.99:7946".
	MulticastAddr string

	// Interface restricts multicast group membership to one network
	// interface. Nil lets the OS pick.
	Interface *net.Interface

	// AdvertisePort is the port this peer advertises as reachable on the
	// local link (informational; the direct/relay transports establish
	// the actual link). Zero is a valid "unknown" value.
	AdvertisePort int

	// AdvertiseInterval is how often this peer re-announces itself.
	// Defaults to 5s.
	AdvertiseInterval time.Duration

	// StaleAfter is how long a discovered peer is kept without a fresh
	// advertisement before being dropped from the known set. Defaults to
	// 30s.
	StaleAfter time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MulticastAddr == "" {
		c.MulticastAddr = "239.255.42.99:7946"
	}
	if c.AdvertiseInterval <= 0 {
		c.AdvertiseInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	return c
}

// advertisement is the wire payload sent on the multicast group. It is
// local to this transport, not part of the peer-to-peer catalog — the
// same treatment relay and dht give their own session-control verbs.
type advertisement struct {
	Topic     string `json:"topic"`
	PeerID    string `json:"peerId"`
	Port      int    `json:"port"`
	Timestamp int64  `json:"timestamp"`
}

// Transport implements transport.Transport for the local-network variant.
// Send and Broadcast always fail — this transport only discovers.
type Transport struct {
	cfg Config
	log *slog.Logger

	self     overlay.PeerAddress
	topicHex string

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	mu    sync.Mutex
	known map[overlay.PeerID]time.Time

	events chan transport.Event
	cancel context.CancelFunc
	done   chan struct{}

	destroyed bool
}

// New creates a local-network Transport. Call Initialize to start
// advertising and listening.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   log.With("component", "local"),
		known: make(map[overlay.PeerID]time.Time),
	}
}

var _ transport.Transport = (*Transport)(nil)

// Initialize joins the multicast group and starts the advertise/listen/
// eviction loops.
func (t *Transport) Initialize(ctx context.Context, cfg transport.Config) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return mesherr.New(mesherr.KindNotInitialized, "initialize", nil)
	}
	t.mu.Unlock()

	t.self = cfg.Self
	t.topicHex = topicHex(cfg.Topic)

	groupAddr, err := net.ResolveUDPAddr("udp4", t.cfg.MulticastAddr)
	if err != nil {
		return mesherr.New(mesherr.KindInvalidInput, "initialize", fmt.Errorf("resolving multicast address: %w", err))
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", groupAddr.Port))
	if err != nil {
		return mesherr.New(mesherr.KindTransient, "initialize", fmt.Errorf("listening for multicast: %w", err))
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(t.cfg.Interface, groupAddr); err != nil {
		_ = conn.Close()
		return mesherr.New(mesherr.KindTransient, "initialize", fmt.Errorf("joining multicast group: %w", err))
	}
	_ = pconn.SetMulticastLoopback(true)

	sendConn, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		_ = pconn.Close()
		return mesherr.New(mesherr.KindTransient, "initialize", fmt.Errorf("dialing multicast send socket: %w", err))
	}

	t.mu.Lock()
	t.conn = sendConn
	t.pconn = pconn
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.events = make(chan transport.Event, 64)
	t.done = make(chan struct{})

	go t.run(ctx, pconn)

	return nil
}

// Connect is a no-op: this transport never dials peers itself. Bootstrap
// treats addresses this transport surfaces as candidates for direct,
// relay, or DHT connection.
func (t *Transport) Connect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error {
	return nil
}

// Disconnect drops peer from the known set, if present.
func (t *Transport) Disconnect(ctx context.Context, peer overlay.PeerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.known, peer)
	return nil
}

// Send always fails: local-network is discovery-only (§4.3.4).
func (t *Transport) Send(ctx context.Context, peer overlay.PeerID, msg []byte) error {
	return mesherr.New(mesherr.KindNoTransport, "send", fmt.Errorf("local-network transport does not carry messages"))
}

// Broadcast always fails: local-network is discovery-only (§4.3.4).
func (t *Transport) Broadcast(ctx context.Context, msg []byte) error {
	return mesherr.New(mesherr.KindNoTransport, "broadcast", fmt.Errorf("local-network transport does not carry messages"))
}

// IsConnected always reports false: this transport establishes no links
// of its own, only surfaces candidates for the others.
func (t *Transport) IsConnected(peer overlay.PeerID) bool {
	return false
}

// Events returns the transport's event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Destroy leaves the multicast group and stops all background goroutines.
func (t *Transport) Destroy(ctx context.Context) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	cancel := t.cancel
	pconn := t.pconn
	sendConn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pconn != nil {
		_ = pconn.Close()
	}
	if sendConn != nil {
		_ = sendConn.Close()
	}

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

func topicHex(topic [32]byte) string {
	return fmt.Sprintf("%x", topic)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
