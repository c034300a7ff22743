package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/kuuji/nightjar/pkg/overlay"
	"github.com/kuuji/nightjar/pkg/protocol"

	"github.com/kuuji/nightjar/internal/transport"
)

// writeFrame JSON-encodes v and writes it to conn as one line. The
// control link has no framing beyond the JSON value boundary itself,
// which encoding/json's Encoder/Decoder pair already understands on a
// streamed connection.
func writeFrame(conn net.Conn, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("dht: writing frame: %w", err)
	}
	return nil
}

// dialAndJoin opens the control socket and sends join-topic. Used both
// for the initial Initialize call and for each reconnect attempt (§4.3.3:
// "on reconnect, rejoins previously joined topics").
func (t *Transport) dialAndJoin(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", t.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("dialing dht sidecar %s: %w", t.cfg.SocketPath, err)
	}

	if err := writeFrame(conn, joinTopicMsg{Type: typeJoinTopic, Topic: t.topicHex, Self: t.self.ToWire(), Timestamp: nowMillis()}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("sending join-topic: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.hostConnected = true
	t.mu.Unlock()

	return nil
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.hostConnected = false
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// receiveLoop reads frames from the control link until it fails, then
// reconnects with backoff. It exits (closing t.done) once reconnection is
// disabled by context cancellation or attempts are exhausted.
func (t *Transport) receiveLoop(ctx context.Context) {
	defer close(t.done)

	for {
		err := t.readFrames(ctx)
		if ctx.Err() != nil {
			t.closeConn()
			return
		}

		t.log.Warn("dht control link lost", "error", err)
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
}

func (t *Transport) readFrames(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("dht: no connection")
	}

	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := t.handleFrame(raw); err != nil {
			t.log.Warn("ignoring malformed dht frame", "error", err)
		}
	}
}

func (t *Transport) handleFrame(data []byte) error {
	typ, err := peekType(data)
	if err != nil {
		return err
	}

	switch typ {
	case typePeerDiscover:
		var msg peerDiscoveredMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		t.handlePeerDiscovered(msg)

	case typeMessage:
		var msg messageMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		t.handleMessage(msg)

	case typeError:
		var msg errorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		t.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("dht sidecar error: %s", msg.Message)})

	default:
		return fmt.Errorf("dht: unrecognized frame type %q", typ)
	}
	return nil
}

// handlePeerDiscovered surfaces the host's findings as EventPeersDiscovered
// and, for any peer the host reports already open, fires EventPeerConnected
// exactly once (§4.3.3).
func (t *Transport) handlePeerDiscovered(msg peerDiscoveredMsg) {
	addrs := make([]overlay.PeerAddress, 0, len(msg.Peers))
	var newlyConnected []overlay.PeerID

	t.mu.Lock()
	for _, entry := range msg.Peers {
		addr, err := overlay.FromWire(entry.Peer)
		if err != nil {
			t.log.Warn("dropping malformed discovered peer", "error", err)
			continue
		}
		addrs = append(addrs, addr)

		st, ok := t.peers[addr.PeerID]
		if !ok {
			st = &peerState{}
			t.peers[addr.PeerID] = st
		}
		st.addr = addr

		if entry.Open && !st.connected {
			st.connected = true
			newlyConnected = append(newlyConnected, addr.PeerID)
		}
	}
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventPeersDiscovered, Peers: addrs})
	for _, id := range newlyConnected {
		t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: id})
	}
}

func (t *Transport) handleMessage(msg messageMsg) {
	fromID, err := overlay.ParsePeerID(msg.From)
	if err != nil {
		t.log.Warn("dropping message with malformed from-peer", "error", err)
		return
	}
	decoded, err := protocol.Unmarshal(msg.Payload)
	if err != nil {
		t.log.Warn("dropping malformed dht payload", "error", err)
		return
	}

	t.mu.Lock()
	st, ok := t.peers[fromID]
	if !ok {
		st = &peerState{}
		t.peers[fromID] = st
	}
	wasConnected := st.connected
	st.connected = true
	t.mu.Unlock()

	if !wasConnected {
		t.emit(transport.Event{Kind: transport.EventPeerConnected, Peer: fromID})
	}
	t.emit(transport.Event{Kind: transport.EventMessage, Peer: fromID, Message: decoded})
}

// reconnect retries dialAndJoin with backoff per §4.3.3 (base 5s,
// multiplier 1.5, cap 60s, 10 attempts). Returns true if reconnection
// succeeded.
func (t *Transport) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		delay := transport.Backoff(attempt, t.cfg.ReconnectBase, t.cfg.ReconnectMultiplier, t.cfg.ReconnectCap)

		t.log.Info("reconnecting to dht sidecar", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := t.dialAndJoin(ctx); err != nil {
			t.log.Warn("dht reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		t.log.Info("reconnected to dht sidecar", "attempt", attempt)
		return true
	}
	t.log.Error("dht reconnect attempts exhausted")
	return false
}
