// Package protocol defines the control-message catalog exchanged between
// nightjar mesh peers. All messages are JSON-encoded with a "type"
// discriminator field, following the same envelope convention across every
// transport (relay, direct, DHT, local).
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds the size of a single control message Unmarshal will
// decode. A payload above this is rejected before it reaches json.Unmarshal,
// rather than left to an unbounded decode of attacker- or bug-supplied data.
const MaxMessageSize = 10 * 1024 * 1024 // 10 MiB

// Message is the interface implemented by every control message type.
// Each message corresponds to a JSON object carrying a "type" discriminator
// and a "timestamp" (monotonic milliseconds).
type Message interface {
	// MessageType returns the wire-format type string (e.g. "sync", "offer").
	MessageType() string
}

// PeerInfo is the wire representation of a PeerAddress, used inside
// PeerListMessage and PeerAnnounceMessage.
type PeerInfo struct {
	PeerID      string `json:"peerId"`
	Relay       string `json:"relay,omitempty"`
	Direct      bool   `json:"direct,omitempty"`
	DHTKey      string `json:"dhtKey,omitempty"`
	Local       string `json:"local,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Color       string `json:"color,omitempty"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
}

// SyncMessage carries an encrypted CRDT delta, framed per pkg/frame, wrapped
// in base64 for JSON transport.
type SyncMessage struct {
	DocID     string `json:"docId"`
	Data      string `json:"data"` // base64(frame_encode(docId, ciphertext))
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

func (SyncMessage) MessageType() string { return "sync" }

// AwarenessMessage carries ephemeral per-document presence state.
type AwarenessMessage struct {
	DocID     string                     `json:"docId"`
	States    map[string]json.RawMessage `json:"states"`
	Timestamp int64                      `json:"timestamp"`
}

func (AwarenessMessage) MessageType() string { return "awareness" }

// PeerRequestMessage asks the recipient for its known peer list.
// RequestID correlates the eventual PeerListMessage response.
type PeerRequestMessage struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

func (PeerRequestMessage) MessageType() string { return "peer-request" }

// PeerListMessage answers a PeerRequestMessage (or is pushed unsolicited).
// RequestID echoes the originating request when this is a reply.
type PeerListMessage struct {
	Peers     []PeerInfo `json:"peers"`
	RequestID string     `json:"requestId,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

func (PeerListMessage) MessageType() string { return "peer-list" }

// PeerAnnounceMessage broadcasts the sender's own address so the rest of
// the overlay learns it without having to be asked.
type PeerAnnounceMessage struct {
	Peer      PeerInfo `json:"peer"`
	Timestamp int64    `json:"timestamp"`
}

func (PeerAnnounceMessage) MessageType() string { return "peer-announce" }

// SignalMessage relays WebRTC signaling data (offer/answer/candidate) for
// the direct transport through a third-party transport (typically relay).
type SignalMessage struct {
	TargetPeerID string          `json:"targetPeerId"`
	FromPeerID   string          `json:"fromPeerId"`
	SignalData   json.RawMessage `json:"signalData"`
	Timestamp    int64           `json:"timestamp"`
}

func (SignalMessage) MessageType() string { return "signal" }

// IdentityMessage advertises the sender's (untrusted, advisory) identity
// and transport availability.
type IdentityMessage struct {
	PublicKey   string   `json:"publicKey"`
	DisplayName string   `json:"displayName,omitempty"`
	Color       string   `json:"color,omitempty"`
	Transports  []string `json:"transports,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

func (IdentityMessage) MessageType() string { return "identity" }

// PingMessage is a keepalive probe.
type PingMessage struct {
	Timestamp int64 `json:"timestamp"`
}

func (PingMessage) MessageType() string { return "ping" }

// PongMessage answers a PingMessage, echoing its timestamp.
type PongMessage struct {
	PingTimestamp int64 `json:"pingTimestamp"`
	Timestamp     int64 `json:"timestamp"`
}

func (PongMessage) MessageType() string { return "pong" }

// DisconnectMessage announces a graceful departure.
type DisconnectMessage struct {
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (DisconnectMessage) MessageType() string { return "disconnect" }

// UnknownMessage is the catch-all for any "type" not in the catalog above.
// Per the design notes, unknown variants are surfaced but not acted upon;
// only Type and Timestamp are guaranteed to round-trip, the rest of the
// payload is preserved as raw JSON for forwarding/logging.
type UnknownMessage struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

func (m UnknownMessage) MessageType() string { return m.Type }

// messageTypes maps wire-format type strings to factory functions that
// produce a zero-value pointer of the corresponding concrete Message type.
var messageTypes = map[string]func() Message{
	"sync":          func() Message { return &SyncMessage{} },
	"awareness":     func() Message { return &AwarenessMessage{} },
	"peer-request":  func() Message { return &PeerRequestMessage{} },
	"peer-list":     func() Message { return &PeerListMessage{} },
	"peer-announce": func() Message { return &PeerAnnounceMessage{} },
	"signal":        func() Message { return &SignalMessage{} },
	"identity":      func() Message { return &IdentityMessage{} },
	"ping":          func() Message { return &PingMessage{} },
	"pong":          func() Message { return &PongMessage{} },
	"disconnect":    func() Message { return &DisconnectMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator
// field derived from msg.MessageType().
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON control message, using the "type" field to
// select the concrete Message type. An unrecognized type decodes into an
// UnknownMessage rather than failing, per the design notes: unknown
// variants are surfaced, not rejected.
func Unmarshal(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds max size %d", len(data), MaxMessageSize)
	}

	var env struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing required %q field", "type")
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		raw := make([]byte, len(data))
		copy(raw, data)
		return &UnknownMessage{Type: env.Type, Timestamp: env.Timestamp, Raw: raw}, nil
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
