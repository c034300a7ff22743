// Package bootstrap drives the four transports into a connected overlay
// for a workspace topic and keeps it filled (§4.4): seed, recursive
// discovery, announce, and periodic maintenance, all built around four
// sets — known, connected, queried, pending — whose registration
// ordering is what keeps phantom peers out of connected.
//
// Generalized from internal/agent/agent.go's single peers map and its
// handlePeers/initiateConnection/removePeer trio: the same "never mark
// connected without confirmation" discipline, spread across four sets
// and a bounded recursive query instead of one synchronous round.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/pkg/frame"
	"github.com/kuuji/nightjar/pkg/mesherr"
)

// PeerManager is the slice of the Peer Manager's (internal/mesh) façade
// that Bootstrap needs: transport access and cross-peer send/broadcast.
// Defined here, implemented there, so Bootstrap never imports mesh.
type PeerManager interface {
	// DirectAvailable reports whether the direct transport is usable at
	// all in this process (not whether any particular peer supports it).
	DirectAvailable() bool

	// ConnectDirect dials the direct transport to addr. Returning nil
	// only means the dial was accepted, not that the peer is reachable
	// — confirmation arrives later as a PeerConnected hook call.
	ConnectDirect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error

	// JoinRelay connects the relay transport to serverURL and joins
	// topic.
	JoinRelay(ctx context.Context, serverURL string, topic [32]byte) error

	// JoinDHT joins the DHT transport's topic. ok is false if the DHT
	// transport is not initialized/connected to its host sidecar.
	JoinDHT(ctx context.Context, topic [32]byte) (ok bool, err error)

	// Send delivers msg to peer via the transport priority order.
	Send(ctx context.Context, peer overlay.PeerID, msg protocol.Message) error

	// Broadcast delivers msg to every reachable peer, exactly once each.
	Broadcast(ctx context.Context, msg protocol.Message) error
}

// Config tunes the bootstrap state machine. Zero values are replaced by
// the §4.4 defaults.
type Config struct {
	MaxConnections    int
	MaxRounds         int
	DiscoveryInterval time.Duration
	RequestTimeout    time.Duration
	DirectDialTimeout time.Duration
	StaleAfter        time.Duration
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 50
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.DirectDialTimeout <= 0 {
		c.DirectDialTimeout = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// JoinParams carries the per-workspace parameters for a bootstrap run.
type JoinParams struct {
	// Topic overrides the workspace-id-derived topic, if non-zero.
	Topic [32]byte

	RelayURL  string
	SeedPeers []overlay.PeerAddress
}

// knownEntry is a known peer's last-observed address and sighting time.
type knownEntry struct {
	addr overlay.PeerAddress
	seen time.Time
}

// Bootstrap owns the known/connected/queried/pending sets for the
// workspace it is currently joined to, if any.
type Bootstrap struct {
	mgr  PeerManager
	cfg  Config
	log  *slog.Logger
	self overlay.PeerID

	mu          sync.Mutex
	workspaceID string
	topic       [32]byte
	known       map[overlay.PeerID]knownEntry
	connected   map[overlay.PeerID]overlay.PeerAddress
	queried     map[overlay.PeerID]struct{}
	pending     map[overlay.PeerID]struct{}

	// confirmWaiters hold channels closed by OnPeerConnected/OnFrame to
	// wake a peer-connect attempt blocked waiting for confirmation.
	confirmWaiters map[overlay.PeerID][]chan struct{}

	// listWaiters hold channels a recursive-discovery round blocks on,
	// keyed by the requestId it is waiting to see echoed back.
	listWaiters map[string]chan peerListReply

	maintCancel context.CancelFunc
	maintDone   chan struct{}

	joined bool
}

type peerListReply struct {
	from  overlay.PeerID
	peers []overlay.PeerAddress
}

// New creates a Bootstrap driven by mgr for the local identity self.
func New(mgr PeerManager, self overlay.PeerID, cfg Config, logger *slog.Logger) *Bootstrap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrap{
		mgr:            mgr,
		cfg:            cfg.withDefaults(),
		log:            logger.With("component", "bootstrap"),
		self:           self,
		known:          make(map[overlay.PeerID]knownEntry),
		connected:      make(map[overlay.PeerID]overlay.PeerAddress),
		queried:        make(map[overlay.PeerID]struct{}),
		pending:        make(map[overlay.PeerID]struct{}),
		confirmWaiters: make(map[overlay.PeerID][]chan struct{}),
		listWaiters:    make(map[string]chan peerListReply),
	}
}

// Join runs the bootstrap procedure (§4.4 steps 1-5) for workspaceID and
// starts the periodic maintenance loop. It blocks until the seed step,
// the first recursive-discovery pass, and the announce complete.
func (b *Bootstrap) Join(ctx context.Context, workspaceID string, params JoinParams) error {
	b.mu.Lock()
	if b.joined {
		b.mu.Unlock()
		return mesherr.New(mesherr.KindInvalidInput, "join", fmt.Errorf("already joined a workspace, leave first"))
	}
	topic := params.Topic
	var zero [32]byte
	if topic == zero {
		topic = frame.Topic(workspaceID)
	}
	b.workspaceID = workspaceID
	b.topic = topic
	b.known = make(map[overlay.PeerID]knownEntry)
	b.connected = make(map[overlay.PeerID]overlay.PeerAddress)
	b.queried = make(map[overlay.PeerID]struct{})
	b.pending = make(map[overlay.PeerID]struct{})
	b.joined = true
	b.mu.Unlock()

	if !b.seed(ctx, params) {
		b.log.Warn("no seed path succeeded", "workspace", workspaceID)
	}

	b.runDiscoveryRounds(ctx)
	b.announce(ctx)

	maintCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.maintCancel = cancel
	b.maintDone = done
	b.mu.Unlock()
	go b.maintain(maintCtx, done)

	return nil
}

// Leave stops periodic maintenance and resets Bootstrap's state so a
// subsequent Join starts clean. It does not tear down transports — that
// is the Peer Manager's job.
func (b *Bootstrap) Leave(ctx context.Context) error {
	b.mu.Lock()
	if !b.joined {
		b.mu.Unlock()
		return nil
	}
	b.joined = false
	cancel := b.maintCancel
	done := b.maintDone
	b.maintCancel = nil
	b.maintDone = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	b.mu.Lock()
	b.known = make(map[overlay.PeerID]knownEntry)
	b.connected = make(map[overlay.PeerID]overlay.PeerAddress)
	b.queried = make(map[overlay.PeerID]struct{})
	b.pending = make(map[overlay.PeerID]struct{})
	b.mu.Unlock()
	return nil
}

// ConnectedPeers returns the current connected set as addresses,
// snapshotted under lock. Used by the Peer Manager to answer an inbound
// peer-request.
func (b *Bootstrap) ConnectedPeers() []overlay.PeerAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]overlay.PeerAddress, 0, len(b.connected))
	for _, addr := range b.connected {
		out = append(out, addr)
	}
	return out
}

// IsConnected reports whether peer is in Bootstrap's connected set.
func (b *Bootstrap) IsConnected(peer overlay.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.connected[peer]
	return ok
}

// Topic returns the workspace topic Bootstrap is currently using.
func (b *Bootstrap) Topic() [32]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topic
}

func newRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
