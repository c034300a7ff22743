package local

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/transport"
)

// run drives the advertise, receive, and stale-eviction loops until ctx is
// cancelled.
func (t *Transport) run(ctx context.Context, pconn *ipv4.PacketConn) {
	defer close(t.done)

	go t.advertiseLoop(ctx)
	go t.evictLoop(ctx)
	t.receiveLoop(ctx, pconn)
}

func (t *Transport) advertiseLoop(ctx context.Context) {
	t.sendAdvertisement()

	ticker := time.NewTicker(t.cfg.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendAdvertisement()
		}
	}
}

func (t *Transport) sendAdvertisement() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	adv := advertisement{
		Topic:     t.topicHex,
		PeerID:    t.self.PeerID.String(),
		Port:      t.cfg.AdvertisePort,
		Timestamp: nowMillis(),
	}
	data, err := json.Marshal(adv)
	if err != nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		t.log.Debug("local advertisement send failed", "error", err)
	}
}

func (t *Transport) receiveLoop(ctx context.Context, pconn *ipv4.PacketConn) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, src, err := pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug("local discovery read failed", "error", err)
			continue
		}
		t.handleAdvertisement(buf[:n], src)
	}
}

func (t *Transport) handleAdvertisement(data []byte, src net.Addr) {
	var adv advertisement
	if err := json.Unmarshal(data, &adv); err != nil {
		return
	}
	if adv.Topic != t.topicHex {
		return
	}
	id, err := overlay.ParsePeerID(adv.PeerID)
	if err != nil {
		return
	}
	if id == t.self.PeerID {
		return
	}

	t.mu.Lock()
	_, known := t.known[id]
	t.known[id] = time.Now()
	t.mu.Unlock()

	if known {
		return
	}

	local := ""
	if udpAddr, ok := src.(*net.UDPAddr); ok {
		local = net.JoinHostPort(udpAddr.IP.String(), strconv.Itoa(adv.Port))
	}

	addr := overlay.PeerAddress{
		PeerID:   id,
		Local:    local,
		LastSeen: adv.Timestamp,
	}
	t.emit(transport.Event{Kind: transport.EventPeersDiscovered, Peers: []overlay.PeerAddress{addr}})
}

func (t *Transport) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evictStale()
		}
	}
}

func (t *Transport) evictStale() {
	cutoff := time.Now().Add(-t.cfg.StaleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, seen := range t.known {
		if seen.Before(cutoff) {
			delete(t.known, id)
		}
	}
}
