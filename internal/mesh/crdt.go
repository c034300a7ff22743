package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/kuuji/nightjar/pkg/frame"
	"github.com/kuuji/nightjar/pkg/mesherr"
	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"
)

// This file is the §6 external-interface surface exposed to the CRDT
// engine: send_update/on_update and the awareness counterpart. The
// ciphertext passed in is already encrypted by the caller — Manager only
// frames it (pkg/frame) and broadcasts.

// SendUpdate constructs a sync control message whose data is
// frame.Encode(docID, ciphertext), base64-encoded, then broadcasts it.
func (m *Manager) SendUpdate(ctx context.Context, docID string, ciphertext []byte) error {
	encoded, err := frame.Encode(docID, ciphertext)
	if err != nil {
		return mesherr.New(mesherr.KindInvalidInput, "send-update", err)
	}
	msg := &protocol.SyncMessage{
		DocID:     docID,
		Data:      base64.StdEncoding.EncodeToString(encoded),
		Origin:    m.self.String(),
		Timestamp: nowMillis(),
	}
	return m.Broadcast(ctx, msg)
}

// SendAwareness constructs an awareness control message and broadcasts
// it.
func (m *Manager) SendAwareness(ctx context.Context, docID string, states map[string][]byte) error {
	wire := make(map[string]json.RawMessage, len(states))
	for k, v := range states {
		wire[k] = json.RawMessage(v)
	}
	msg := &protocol.AwarenessMessage{DocID: docID, States: wire, Timestamp: nowMillis()}
	return m.Broadcast(ctx, msg)
}

func (m *Manager) handleSync(peer overlay.PeerID, msg *protocol.SyncMessage) {
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		m.log.Debug("dropping sync message with malformed base64", "peer", peer, "error", err)
		return
	}
	docID, ciphertext, err := frame.Decode(raw)
	if err != nil {
		m.log.Debug("dropping malformed sync frame", "peer", peer, "error", err)
		return
	}
	if docID != msg.DocID {
		m.log.Debug("sync frame docId mismatch", "peer", peer, "envelope", msg.DocID, "frame", docID)
	}
	select {
	case m.updates <- UpdateEvent{Peer: peer, DocID: docID, Ciphertext: ciphertext}:
	default:
		m.log.Warn("updates channel full, dropping sync event", "peer", peer)
	}
}

func (m *Manager) handleAwareness(peer overlay.PeerID, msg *protocol.AwarenessMessage) {
	states := make(map[string][]byte, len(msg.States))
	for k, v := range msg.States {
		states[k] = []byte(v)
	}
	select {
	case m.awareness <- AwarenessEvent{Peer: peer, DocID: msg.DocID, States: states}:
	default:
		m.log.Warn("awareness channel full, dropping event", "peer", peer)
	}
}
