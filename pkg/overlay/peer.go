// Package overlay defines the address types shared by every transport and
// by Bootstrap's overlay state (§3): a peer's identity, how to reach it,
// and the per-workspace symmetric key used to decrypt its traffic.
package overlay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/kuuji/nightjar/pkg/protocol"
)

// PeerIDSize is the length in bytes of a PeerID.
const PeerIDSize = 16

// PeerID uniquely identifies a peer within a workspace. It is opaque and
// carries no cryptographic meaning on its own — it is advisory, like the
// rest of IdentityMessage.
type PeerID [PeerIDSize]byte

// NewPeerID generates a random PeerID.
func NewPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

// ParsePeerID decodes a hex-encoded PeerID string.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("decoding peer id: %w", err)
	}
	if len(b) != PeerIDSize {
		return PeerID{}, fmt.Errorf("invalid peer id length: got %d, want %d", len(b), PeerIDSize)
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// String returns the hex representation of the PeerID.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether p is the zero value.
func (p PeerID) IsZero() bool {
	var zero PeerID
	return p == zero
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Less reports whether p sorts before q. Used for glare resolution in the
// direct transport (§4.3.2): the peer with the larger PeerID wins the
// tie-break and keeps its offer, the other rolls back.
func (p PeerID) Less(q PeerID) bool {
	for i := range p {
		if p[i] != q[i] {
			return p[i] < q[i]
		}
	}
	return false
}

// PeerAddress is how a peer is reached across every transport. A zero value
// in any field means that transport slot is unknown or unsupported for this
// peer; Local being non-empty marks the peer as locally discovered, not
// necessarily locally reachable by other transports.
type PeerAddress struct {
	PeerID      PeerID
	Relay       string // rendezvous URL this peer is joined to, if any
	Direct      bool   // advertises direct-transport (WebRTC) support
	DHTKey      string // DHT swarm identifier, if discovered over the DHT
	Local       string // "host:port" advertised on the local network
	DisplayName string
	Color       string
	LastSeen    int64 // unix millis, updated whenever this address is (re)observed
}

// ToWire converts a PeerAddress to its JSON wire representation.
func (a PeerAddress) ToWire() protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID:      a.PeerID.String(),
		Relay:       a.Relay,
		Direct:      a.Direct,
		DHTKey:      a.DHTKey,
		Local:       a.Local,
		DisplayName: a.DisplayName,
		Color:       a.Color,
		LastSeen:    a.LastSeen,
	}
}

// FromWire parses a protocol.PeerInfo into a PeerAddress. It fails only if
// the PeerID is malformed — every other field is advisory and copied
// as-is.
func FromWire(info protocol.PeerInfo) (PeerAddress, error) {
	id, err := ParsePeerID(info.PeerID)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("parsing peer address: %w", err)
	}
	return PeerAddress{
		PeerID:      id,
		Relay:       info.Relay,
		Direct:      info.Direct,
		DHTKey:      info.DHTKey,
		Local:       info.Local,
		DisplayName: info.DisplayName,
		Color:       info.Color,
		LastSeen:    info.LastSeen,
	}, nil
}
