package signaling

import (
	"sync"
	"time"
)

// Presence tracks when each connected user was last heard from.
type Presence struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewPresence creates an empty tracker.
func NewPresence() *Presence {
	return &Presence{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Touch records activity for the user.
func (p *Presence) Touch(userID string) {
	p.mu.Lock()
	p.lastSeen[userID] = p.now()
	p.mu.Unlock()
}

// Forget stops tracking the user.
func (p *Presence) Forget(userID string) {
	p.mu.Lock()
	delete(p.lastSeen, userID)
	p.mu.Unlock()
}

// Stale returns the users not heard from within timeout. They stay tracked
// until Forget is called so repeated sweeps report them again.
func (p *Presence) Stale(timeout time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-timeout)
	var stale []string
	for id, seen := range p.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
