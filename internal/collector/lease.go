package collector

import (
	"sync"
	"time"
)

// leaseTable provides per-channel mutual exclusion with expiry, so a single
// channel's cycle never runs concurrently with itself and a crashed worker
// cannot hold a channel hostage forever. Leases are in-process: collection
// across distinct channels shares no mutable state beyond each channel's own
// cursor, so no cross-channel locking exists.
type leaseTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[int64]time.Time
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &leaseTable{
		ttl:    ttl,
		leases: make(map[int64]time.Time),
	}
}

// acquire takes the lease for a channel. Returns false when a live lease is
// already held; expired leases are reclaimed.
func (t *leaseTable) acquire(channelID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if expiry, held := t.leases[channelID]; held && now.Before(expiry) {
		return false
	}
	t.leases[channelID] = now.Add(t.ttl)
	return true
}

func (t *leaseTable) release(channelID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leases, channelID)
}
