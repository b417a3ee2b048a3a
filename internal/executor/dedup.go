package executor

import (
	"sync"
	"time"
)

// Dedup remembers stream entry ids for a TTL so an entry re-read after a
// reconnect or cursor replay is handled once. Safe for concurrent use.
type Dedup struct {
	mu      sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{expires: make(map[string]time.Time), ttl: ttl}
}

// IsDuplicate reports whether id was recorded within the TTL and records it
// otherwise.
func (d *Dedup) IsDuplicate(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.expires[id]; ok && now.Before(exp) {
		return true
	}
	d.expires[id] = now.Add(d.ttl)
	return false
}

// Cleanup drops expired ids. The stream loop calls it between reads.
func (d *Dedup) Cleanup() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, id)
		}
	}
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}
