package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// dialAndJoin opens the WebSocket, sends join-topic and an identity
// announce. It is used both for the initial Initialize call and for each
// reconnect attempt (§4.3.1: "on each reconnect, rejoin the prior topic
// and resend identity").
func (t *Transport) dialAndJoin(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if t.cfg.TokenProvider != nil {
		if token := t.cfg.TokenProvider(); token != "" {
			opts = &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
			}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, t.cfg.ServerURL, opts)
	if err != nil {
		return fmt.Errorf("dialing relay server %s: %w", t.cfg.ServerURL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	joinMsg := joinTopicMsg{
		Type:      typeJoinTopic,
		Topic:     t.topicHex,
		Self:      t.self.ToWire(),
		Timestamp: nowMillis(),
	}
	data, err := encode(joinMsg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending join-topic: %w", err)
	}

	idData, err := encode(identityFromAddress(t.self))
	if err != nil {
		return err
	}
	envData, err := encode(relayEnvelope{Type: typeRelay, Payload: idData, Timestamp: nowMillis()})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, envData); err != nil {
		return fmt.Errorf("sending identity announce: %w", err)
	}

	t.mu.Lock()
	t.serverConnected = true
	for peer, st := range t.peers {
		if !st.connected {
			st.connected = true
			t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: peer})
		}
	}
	t.mu.Unlock()

	return nil
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.serverConnected = false
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// receiveLoop reads frames from the relay link until it fails, then
// reconnects with backoff. It exits (closing t.done) once reconnection
// is disabled by context cancellation or attempts are exhausted.
func (t *Transport) receiveLoop(ctx context.Context) {
	defer close(t.done)

	for {
		err := t.readFrames(ctx)
		if ctx.Err() != nil {
			t.closeConn()
			return
		}

		t.log.Warn("relay connection lost", "error", err)
		t.closeConn()
		t.markAllDisconnected()

		if !t.reconnect(ctx) {
			return
		}
	}
}

func (t *Transport) markAllDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, st := range t.peers {
		if st.connected {
			st.connected = false
			t.emit(transport.Event{Kind: transport.EventPeerDisconnected, Peer: peer})
		}
	}
	t.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("relay: %w", context.DeadlineExceeded)})
}

func (t *Transport) readFrames(ctx context.Context) error {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("relay: no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if err := t.handleFrame(data); err != nil {
			t.log.Warn("ignoring malformed relay frame", "error", err)
		}
	}
}

func (t *Transport) handleFrame(data []byte) error {
	typ, err := peekType(data)
	if err != nil {
		return err
	}

	switch typ {
	case typePeerRoster:
		var msg peerRosterMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		t.handleRoster(msg)

	case typeError:
		var msg errorEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		t.handleServerError(msg)

	case typeRelay:
		var env relayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		t.handleEnvelope(env)

	default:
		return fmt.Errorf("relay: unrecognized frame type %q", typ)
	}
	return nil
}

func (t *Transport) handleRoster(msg peerRosterMsg) {
	addrs := make([]overlay.PeerAddress, 0, len(msg.Peers))
	for _, info := range msg.Peers {
		addr, err := overlay.FromWire(info)
		if err != nil {
			t.log.Warn("dropping malformed roster entry", "error", err)
			continue
		}
		addrs = append(addrs, addr)

		t.mu.Lock()
		if _, ok := t.peers[addr.PeerID]; !ok {
			t.peers[addr.PeerID] = &peerState{addr: addr}
		}
		t.mu.Unlock()
	}
	t.emit(transport.Event{Kind: transport.EventPeersDiscovered, Peers: addrs})
}

func (t *Transport) handleServerError(msg errorEnvelope) {
	if msg.RetryAfter > 0 {
		t.mu.Lock()
		t.rateLimitUntil = time.Now().Add(time.Duration(msg.RetryAfter * float64(time.Second)))
		t.mu.Unlock()
	}
	t.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("relay server error: %s", msg.Message)})
}

func (t *Transport) handleEnvelope(env relayEnvelope) {
	msg, err := protocol.Unmarshal(env.Payload)
	if err != nil {
		t.log.Warn("dropping malformed relay payload", "error", err)
		return
	}

	if env.From == "" {
		// Server-originated (e.g. a future control push); nothing to
		// attribute it to.
		return
	}
	fromID, err := overlay.ParsePeerID(env.From)
	if err != nil {
		t.log.Warn("dropping envelope with malformed from-peer", "error", err)
		return
	}

	if announce, ok := msg.(*protocol.PeerAnnounceMessage); ok {
		addr, err := overlay.FromWire(announce.Peer)
		if err == nil {
			t.mu.Lock()
			if _, exists := t.peers[addr.PeerID]; !exists {
				t.peers[addr.PeerID] = &peerState{addr: addr}
			}
			t.mu.Unlock()
			t.emit(transport.Event{Kind: transport.EventPeerAnnounced, Peer: fromID, Announced: addr})
		}
		return
	}

	if sig, ok := msg.(*protocol.SignalMessage); ok {
		t.emit(transport.Event{Kind: transport.EventSignal, Peer: fromID, Signal: sig.SignalData})
		return
	}

	t.mu.Lock()
	if st, ok := t.peers[fromID]; ok && !st.connected {
		st.connected = true
		t.mu.Unlock()
		t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: fromID})
	} else {
		t.mu.Unlock()
	}

	t.emit(transport.Event{Kind: transport.EventMessage, Peer: fromID, Message: msg})
}

// reconnect retries dialAndJoin with backoff per §4.3.1 (base 1s, cap
// 30s, 10 attempts). Returns true if reconnection succeeded.
func (t *Transport) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		delay := transport.Backoff(attempt, t.cfg.ReconnectBase, 2, t.cfg.ReconnectCap)

		t.log.Info("reconnecting to relay", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := t.dialAndJoin(ctx); err != nil {
			t.log.Warn("relay reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		t.log.Info("reconnected to relay", "attempt", attempt)
		return true
	}
	t.log.Error("relay reconnect attempts exhausted")
	return false
}

// keepaliveLoop sends a ping broadcast every KeepAlive interval until the
// context is cancelled.
func (t *Transport) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &protocol.PingMessage{Timestamp: nowMillis()}
			data, err := protocol.Marshal(ping)
			if err != nil {
				continue
			}
			_ = t.Broadcast(ctx, data)
		}
	}
}
