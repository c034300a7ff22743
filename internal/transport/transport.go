// Package transport defines the capability contract shared by every
// transport variant (§4.3): relay, direct, DHT, and local-network. The
// Peer Manager (internal/mesh) drives all four through this one interface
// and fans their event streams into Bootstrap and its own dispatch logic.
//
// The shape mirrors the common surface already present across the
// teacher's signaling.Client (dial/reconnect/Messages() channel),
// webrtc.Peer (per-peer handle, data-channel open/close events), and
// bridge.Bind (queued sends, shared receive channel) — generalized here
// into one interface so the Peer Manager does not need a type switch per
// transport.
package transport

import (
	"context"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
)

// State tags a per-peer connection handle.
type State int

const (
	StateDialing State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the events a transport emits.
type EventKind int

const (
	// EventPeerConnected fires once a bidirectional path to a peer opens.
	EventPeerConnected EventKind = iota
	// EventPeerDisconnected fires when a previously open path closes.
	EventPeerDisconnected
	// EventMessage carries an inbound decoded protocol.Message.
	EventMessage
	// EventError surfaces a Transient failure as a non-fatal notification.
	EventError
	// EventPeersDiscovered carries addresses surfaced by a discovery
	// mechanism (DHT host sidecar, local-network multicast).
	EventPeersDiscovered
	// EventPeerAnnounced carries a single unsolicited peer-announce.
	EventPeerAnnounced
	// EventSignal carries WebRTC signaling data relayed for the direct
	// transport.
	EventSignal
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventPeersDiscovered:
		return "peers-discovered"
	case EventPeerAnnounced:
		return "peer-announced"
	case EventSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Event is the single envelope every transport emits on its event
// channel. Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Peer      overlay.PeerID
	Message   any // concrete protocol.Message, present for EventMessage
	Err       error
	Peers     []overlay.PeerAddress // EventPeersDiscovered
	Announced overlay.PeerAddress   // EventPeerAnnounced
	Signal    []byte                // EventSignal, opaque signaling payload
}

// Config carries the parameters common to every transport's initialize
// call. Variant-specific fields live on each transport's own config type
// and are passed to its constructor instead, since they differ enough
// (relay URL vs. ICE servers vs. multicast group) that a shared struct
// would mostly be unused fields.
type Config struct {
	Self  overlay.PeerAddress
	Topic [32]byte
}

// Transport is the capability contract every variant implements (§4.3).
// All methods except Events are safe to call concurrently.
type Transport interface {
	// Initialize brings resources up. Idempotent: calling it again before
	// Destroy is a no-op. Does not imply any peer connectivity.
	Initialize(ctx context.Context, cfg Config) error

	// Connect initiates an outbound link to peer at address. Connect
	// returning nil does not mean the peer is reachable — callers must
	// wait for EventPeerConnected before treating it as connected
	// (§4.4 peer-connect sub-procedure: never mark connected on a dial
	// alone).
	Connect(ctx context.Context, peer overlay.PeerID, addr overlay.PeerAddress) error

	// Disconnect closes the link to peer and releases its handle.
	Disconnect(ctx context.Context, peer overlay.PeerID) error

	// Send delivers msg to exactly one peer. Returns a mesherr with
	// KindNoTransport if this transport has no open link to peer, and
	// a mesherr with KindNotInitialized if called outside the
	// initialize/destroy lifecycle. Local-network transport always
	// returns KindNoTransport (send is unsupported for discovery-only
	// transports).
	Send(ctx context.Context, peer overlay.PeerID, msg []byte) error

	// Broadcast sends msg to every peer this transport currently holds
	// open. Individual per-peer failures are swallowed; Broadcast only
	// fails for lifecycle violations.
	Broadcast(ctx context.Context, msg []byte) error

	// IsConnected reports whether this transport currently holds an open
	// path to peer.
	IsConnected(peer overlay.PeerID) bool

	// Events returns the channel this transport's lifetime events arrive
	// on. The channel is closed by Destroy.
	Events() <-chan Event

	// Destroy tears down all links and background tasks. After Destroy
	// returns, every other method fails with KindNotInitialized.
	Destroy(ctx context.Context) error
}

// Backoff computes the delay before reconnect attempt n (1-indexed),
// given a base delay, a multiplier, and a cap. It is shared by every
// transport's reconnect loop so the exponential/geometric growth curves
// specified per variant (§4.3.1 base 1s cap 30s, §4.3.3 base 5s×1.5^n cap
// 60s) share one overflow-safe implementation.
func Backoff(attempt int, base time.Duration, multiplier float64, cap time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay <= 0 || delay > float64(cap) {
			return cap
		}
	}
	d := time.Duration(delay)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
