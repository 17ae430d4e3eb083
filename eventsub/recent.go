package eventsub

import "sync"

// recentIDs remembers the last n message ids seen, evicting the oldest first.
type recentIDs struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	if n <= 0 {
		n = 1
	}
	return &recentIDs{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.seen[id] = struct{}{}
	return true
}

// forget removes id so a later add reports it as new.
func (r *recentIDs) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; !ok {
		return
	}
	delete(r.seen, id)
	for i, v := range r.ring {
		if v == id {
			r.ring[i] = ""
			return
		}
	}
}
