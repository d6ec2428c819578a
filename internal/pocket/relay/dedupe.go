package relay

import (
	"sync"
	"time"
)

// dedupeWindow is how long a clientRequestId stays remembered.
const dedupeWindow = 10 * time.Minute

// dedupeCache suppresses client retries: a frame whose clientRequestId was
// seen inside the window is dropped instead of re-forwarded.
type dedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// check records id and reports whether it was already seen inside the
// window. Expired entries are swept opportunistically.
func (d *dedupeCache) check(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < dedupeWindow {
		return true
	}
	if len(d.seen) > 4096 {
		for k, at := range d.seen {
			if now.Sub(at) >= dedupeWindow {
				delete(d.seen, k)
			}
		}
	}
	d.seen[id] = now
	return false
}
