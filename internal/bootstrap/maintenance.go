package bootstrap

import (
	"context"
	"time"
)

// maintain runs the §4.4 step 5 periodic maintenance loop until ctx is
// cancelled by Leave, then closes done.
func (b *Bootstrap) maintain(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictStale()
			if !b.atCapacity() {
				b.runDiscoveryRounds(ctx)
				b.announce(ctx)
			}
		}
	}
}

// evictStale drops unconnected known entries not seen for StaleAfter.
func (b *Bootstrap) evictStale() {
	cutoff := time.Now().Add(-b.cfg.StaleAfter)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.known {
		if _, connected := b.connected[id]; connected {
			continue
		}
		if entry.seen.Before(cutoff) {
			delete(b.known, id)
		}
	}
}
