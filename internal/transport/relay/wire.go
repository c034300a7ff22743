package relay

import (
	"encoding/json"
	"fmt"

	"github.com/kuuji/nightjar/pkg/protocol"
)

// The relay server link speaks a small set of session-control verbs
// (§4.3.1: join_topic, leave_topic, request_peers, forward_signaling,
// relay_unicast, relay_broadcast) layered on top of the peer-catalog
// messages in pkg/protocol. These verbs never travel peer-to-peer — they
// exist only between a client and its rendezvous server — so they are
// kept local to this package rather than added to the catalog's `type`
// space in §4.6.
//
// Every wire value still carries a `type` discriminator, matching the
// envelope convention used everywhere else.

type joinTopicMsg struct {
	Type      string            `json:"type"`
	Topic     string            `json:"topic"`
	Self      protocol.PeerInfo `json:"self"`
	Timestamp int64             `json:"timestamp"`
}

type leaveTopicMsg struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

type requestPeersMsg struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// peerRosterMsg answers requestPeersMsg with the server's current view of
// a topic's membership. It reuses protocol.PeerInfo's shape (the same
// "who's here" content as a peer-to-peer peer-list) since the server's
// roster and a peer's recursive-discovery answer have identical fields.
type peerRosterMsg struct {
	Type      string              `json:"type"`
	Peers     []protocol.PeerInfo `json:"peers"`
	Timestamp int64               `json:"timestamp"`
}

// relayEnvelope wraps a catalog message (sync, awareness, identity,
// signal, ping, ...) for routing by the server: To selects relay_unicast
// when non-empty, relay_broadcast when empty. From is filled in by the
// server on delivery (clients need not set it on send — the server knows
// who's writing).
type relayEnvelope struct {
	Type      string          `json:"type"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// errorEnvelope reports a server-side failure, including the rate-limit
// contract's retryAfter (§5).
type errorEnvelope struct {
	Type       string  `json:"type"`
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retryAfter,omitempty"` // seconds
}

const (
	typeJoinTopic    = "join-topic"
	typeLeaveTopic   = "leave-topic"
	typeRequestPeers = "request-peers"
	typePeerRoster   = "peer-roster"
	typeRelay        = "relay"
	typeError        = "error"
)

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: encoding %T: %w", v, err)
	}
	return data, nil
}

// peekType reports the `type` discriminator of a raw relay-link frame
// without decoding the rest of it, mirroring signaling.Hub.ServeHTTP's
// own envelope-sniffing switch.
func peekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("relay: decoding envelope: %w", err)
	}
	return env.Type, nil
}
