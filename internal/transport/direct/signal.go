package direct

import "encoding/json"

// signalEnvelope is the payload carried inside protocol.SignalMessage's
// SignalData field — it is local to the direct transport, not part of
// the peer-to-peer message catalog, the same way relay's join/leave/
// roster verbs are local to the relay transport's own wire format.
type signalEnvelope struct {
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

func encodeSignal(env signalEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeSignal(data []byte) (signalEnvelope, error) {
	var env signalEnvelope
	err := json.Unmarshal(data, &env)
	return env, err
}
