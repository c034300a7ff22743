package dht

import (
	"encoding/json"
	"fmt"

	"github.com/kuuji/nightjar/pkg/protocol"
)

// The control link to the host sidecar speaks a small set of verbs (join a
// topic, leave a topic, send/broadcast a catalog payload, and the host's
// own peer-discovered/message/error pushes) that never travel
// peer-to-peer — the same local-to-this-transport treatment relay gives
// its join-topic/request-peers/peer-roster verbs.

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

// sendMsg asks the sidecar to deliver Payload over the swarm. An empty To
// means broadcast to every peer the host holds open on Topic.
type sendMsg struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// discoveredPeer is one entry in a peerDiscoveredMsg. Open marks a peer
// whose swarm stream the host already has fully established — §4.3.3
// treats these as connected immediately rather than waiting on a separate
// connect step.
type discoveredPeer struct {
	Peer protocol.PeerInfo `json:"peer"`
	Open bool              `json:"open"`
}

type peerDiscoveredMsg struct {
	Type      string           `json:"type"`
	Topic     string           `json:"topic"`
	Peers     []discoveredPeer `json:"peers"`
	Timestamp int64            `json:"timestamp"`
}

type messageMsg struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	typeJoinTopic    = "join-topic"
	typeLeaveTopic   = "leave-topic"
	typeSend         = "send"
	typePeerDiscover = "peer-discovered"
	typeMessage      = "message"
	typeError        = "error"
)

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dht: encoding %T: %w", v, err)
	}
	return data, nil
}

// peekType reports the `type` discriminator of a raw control-link frame
// without decoding the rest of it, mirroring relay's own envelope sniff.
func peekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("dht: decoding envelope: %w", err)
	}
	return env.Type, nil
}
