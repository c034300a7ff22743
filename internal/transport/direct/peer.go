// Package direct implements the §4.3.2 direct transport: one ordered,
// reliable WebRTC data channel per peer, brought up through signaling
// carried by another transport (typically relay).
//
// Grounded on internal/webrtc/peer.go: the RTCPeerConnection wrapper,
// the OnICECandidate/OnDataChannel/OnICEConnectionStateChange wiring,
// and the CreateOffer/HandleOffer/SetAnswer/AddICECandidate method
// shapes are reused near-verbatim. Two things change from the teacher:
// the data channel is ordered and reliable here (the teacher's is
// unordered/unreliable, tuned for WireGuard's own retransmission), and
// glare is resolved explicitly rather than avoided by a pre-agreed
// offerer/answerer split.
package direct

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabel is the label used for the mesh data channel.
const dataChannelLabel = "nightjar"

// ICEConfig holds the STUN/TURN configuration for a peer connection.
type ICEConfig struct {
	// STUNServers is a list of STUN server URIs (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string

	// TURNServerURL is a TURN server URI (e.g. "turn:relay.example.dev:3478?transport=tcp").
	// Left empty, no TURN server is offered and symmetric-NAT peers that
	// can't reach each other over STUN-discovered candidates simply fail
	// to connect direct and fall back to the relay/DHT transports instead.
	TURNServerURL string

	// TURNUsername and TURNCredential are time-limited TURN REST API
	// credentials (see internal/turn.GenerateCredentials), not a static
	// shared secret.
	TURNUsername   string
	TURNCredential string

	// ForceRelay forces the ICE transport policy to relay-only.
	ForceRelay bool
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURNServerURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.TURNServerURL},
			Username:       c.TURNUsername,
			Credential:     c.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// peerConfig holds configuration for creating a peer.
type peerConfig struct {
	ICE      ICEConfig
	LocalID  string
	RemoteID string
	Logger   *slog.Logger

	OnICECandidate          func(candidate string)
	OnDataChannel           func(dc *webrtc.DataChannel)
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// peer wraps a pion RTCPeerConnection and manages the SDP offer/answer
// exchange, ICE candidate trickle, and data channel lifecycle for one
// remote peer.
type peer struct {
	cfg  peerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu              sync.Mutex
	dc              *webrtc.DataChannel
	suppressTrickle bool
}

func newPeer(cfg peerConfig) (*peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("local_id", cfg.LocalID, "remote_id", cfg.RemoteID)

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		p.mu.Lock()
		suppress := p.suppressTrickle
		p.mu.Unlock()
		if suppress {
			return
		}
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			p.markDone()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

// createOffer creates the data channel, generates an SDP offer, and sets
// it as the local description.
func (p *peer) createOffer() (string, error) {
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, dataChannelConfig())
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

// handleOffer sets the remote SDP offer and returns an SDP answer.
func (p *peer) handleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

// setAnswer sets the remote SDP answer. Called by the offerer after
// receiving the answer via signaling.
func (p *peer) setAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

// rollback resets a pending local offer back to the stable signaling
// state. Used to resolve glare (§4.3.2): the peer with the larger PeerID
// rolls back its own outgoing offer before accepting the remote one.
func (p *peer) rollback() error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rolling back local description: %w", err)
	}
	return nil
}

// hasRemoteDescription reports whether a remote SDP description has been
// set, i.e. whether it is safe to call addICECandidate.
func (p *peer) hasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peer) addICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (p *peer) dataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

func (p *peer) markDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *peer) close() error {
	p.markDone()

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return p.pc.Close()
}

func (p *peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})
	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})
	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
