package delivery

import (
	"sync"
	"time"
)

// dedupSet remembers recently seen event ids for a bounded window so the
// self-delivery echo from the bridge cannot trigger a second local push.
type dedupSet struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupSet(window time.Duration) *dedupSet {
	return &dedupSet{window: window, seen: make(map[string]time.Time)}
}

// FirstSeen records the id and reports whether this is its first appearance
// within the window. Expired entries are pruned opportunistically on insert.
func (d *dedupSet) FirstSeen(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.window {
		return false
	}
	d.seen[id] = now
	if len(d.seen) > 1024 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true
}
