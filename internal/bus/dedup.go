package bus

import (
	"sync"
	"time"
)

// Dedup remembers recently seen event ids so at-least-once consumers can
// drop redundant deliveries. Entries expire after the ttl; expiry is lazy,
// piggybacked on Seen calls.
type Dedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	lastGC  time.Time
	now     func() time.Time
}

// NewDedup creates a dedup window of the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen marks the event id and reports whether it was already marked within
// the ttl. The first caller for an id gets false; redeliveries get true.
func (d *Dedup) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	if now.Sub(d.lastGC) > d.ttl {
		for id, at := range d.seen {
			if now.Sub(at) > d.ttl {
				delete(d.seen, id)
			}
		}

		d.lastGC = now
	}

	if at, ok := d.seen[eventID]; ok && now.Sub(at) <= d.ttl {
		return true
	}

	d.seen[eventID] = now

	return false
}
