package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/kuuji/nightjar/pkg/protocol"
)

// Hub is the rendezvous server side of the relay transport: it accepts
// WebSocket connections, tracks per-topic peer rosters, and relays
// unicast/broadcast traffic and signaling between peers on the same
// topic. Hub implements http.Handler and can be served directly.
//
// Grounded on internal/signaling/hub.go's per-connection map and
// ServeHTTP join-then-loop structure, generalized from a single flat peer
// map to one roster per topic and from "relay everything" to the
// join-topic/leave-topic/request-peers/relay verb set.
type Hub struct {
	log *slog.Logger
	cfg HubConfig

	mu     sync.Mutex
	topics map[string]map[string]*hubPeer // topic hex -> peerId -> peer

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // per-connection, keyed by remote addr

	ctx    context.Context
	cancel context.CancelFunc
}

type hubPeer struct {
	id    string
	conn  *websocket.Conn
	topic string
}

// HubConfig configures rate limiting on the rendezvous side: a token-bucket
// limiter (rate.Limiter, not a sliding window) per client address, default
// 100 req/s with a 150 burst. A connection that exceeds it has every
// message refused for RateBlockSecs (default 5s).
type HubConfig struct {
	RateLimit     rate.Limit
	RateBurst     int
	RateBlockSecs float64
	Logger        *slog.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 150
	}
	if c.RateBlockSecs <= 0 {
		c.RateBlockSecs = 5
	}
	return c
}

// NewHub creates a relay Hub.
func NewHub(cfg HubConfig) *Hub {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:      log.With("component", "relay-hub"),
		cfg:      cfg,
		topics:   make(map[string]map[string]*hubPeer),
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *Hub) limiterFor(key string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
		h.limiters[key] = l
	}
	return l
}

// Close shuts down the hub, closing all peer connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, peers := range h.topics {
		for _, p := range peers {
			_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
	h.cancel()
}

// ServeHTTP implements http.Handler. Each connection's first message must
// be a join-topic.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := h.ctx

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var join joinTopicMsg
	if err := json.Unmarshal(data, &join); err != nil || join.Type != typeJoinTopic {
		h.log.Warn("first message is not join-topic")
		return
	}

	peer := &hubPeer{id: join.Self.PeerID, conn: conn, topic: join.Topic}
	h.registerAndPushRoster(peer)
	defer h.unregister(peer)

	limitKey := r.RemoteAddr
	var blockedUntil time.Time

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if time.Now().Before(blockedUntil) {
			h.sendRateLimited(ctx, peer)
			continue
		}
		if !h.limiterFor(limitKey).Allow() {
			blockedUntil = time.Now().Add(time.Duration(h.cfg.RateBlockSecs * float64(time.Second)))
			h.sendRateLimited(ctx, peer)
			continue
		}

		h.dispatch(ctx, peer, data)
	}
}

func (h *Hub) registerAndPushRoster(peer *hubPeer) {
	h.mu.Lock()
	roster, ok := h.topics[peer.topic]
	if !ok {
		roster = make(map[string]*hubPeer)
		h.topics[peer.topic] = roster
	}

	var infos []protocol.PeerInfo
	for _, p := range roster {
		infos = append(infos, protocol.PeerInfo{PeerID: p.id})
	}
	roster[peer.id] = peer
	h.mu.Unlock()

	rosterData, err := encode(peerRosterMsg{Type: typePeerRoster, Peers: infos, Timestamp: nowMillis()})
	if err == nil {
		_ = peer.conn.Write(h.ctx, websocket.MessageText, rosterData)
	}
}

func (h *Hub) unregister(peer *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if roster, ok := h.topics[peer.topic]; ok {
		delete(roster, peer.id)
		if len(roster) == 0 {
			delete(h.topics, peer.topic)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, from *hubPeer, data []byte) {
	typ, err := peekType(data)
	if err != nil {
		return
	}

	switch typ {
	case typeLeaveTopic:
		h.unregister(from)

	case typeRequestPeers:
		h.registerAndPushRoster(from)

	case typeRelay:
		h.relay(ctx, from, data)

	default:
		h.log.Debug("ignoring unrecognized relay frame", "type", typ)
	}
}

func (h *Hub) relay(ctx context.Context, from *hubPeer, data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	env.From = from.id
	out, err := encode(env)
	if err != nil {
		return
	}

	h.mu.Lock()
	roster := h.topics[from.topic]
	var targets []*hubPeer
	if env.To == "" {
		for id, p := range roster {
			if id == from.id {
				continue
			}
			targets = append(targets, p)
		}
	} else if p, ok := roster[env.To]; ok {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		_ = p.conn.Write(ctx, websocket.MessageText, out)
	}
}

func (h *Hub) sendRateLimited(ctx context.Context, peer *hubPeer) {
	errData, err := encode(errorEnvelope{
		Type:       typeError,
		Code:       "rate-limited",
		Message:    "too many requests",
		RetryAfter: h.cfg.RateBlockSecs,
	})
	if err != nil {
		return
	}
	_ = peer.conn.Write(ctx, websocket.MessageText, errData)
}
