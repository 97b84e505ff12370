package resilience

import (
	"sync"
	"time"
)

// DedupGuard remembers recently admitted keys for a short window and refuses
// a key seen inside it. Expired entries are dropped on the next call; there is
// no background timer.
type DedupGuard[K comparable] struct {
	window time.Duration
	now    Clock

	mu   sync.Mutex
	seen map[K]time.Time
}

// NewDedupGuard creates a guard with the given window.
func NewDedupGuard[K comparable](window time.Duration) *DedupGuard[K] {
	return &DedupGuard[K]{
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the guard's time source.
func (g *DedupGuard[K]) WithClock(now Clock) *DedupGuard[K] {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	return g
}

// Admit records key and returns true, or returns false if key was admitted
// less than one window ago. A refused key does not refresh its timestamp.
func (g *DedupGuard[K]) Admit(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	if submittedAt, ok := g.seen[key]; ok && now.Sub(submittedAt) < g.window {
		return false
	}
	if g.seen == nil {
		g.seen = make(map[K]time.Time)
	}
	g.seen[key] = now
	return true
}

// SubmittedAt returns when key was last admitted, if it is still tracked.
func (g *DedupGuard[K]) SubmittedAt(key K) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.seen[key]
	return t, ok
}

// Len returns the number of tracked keys, purging expired ones first.
func (g *DedupGuard[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeLocked(g.now())
	return len(g.seen)
}

func (g *DedupGuard[K]) purgeLocked(now time.Time) {
	for k, t := range g.seen {
		if now.Sub(t) >= g.window {
			delete(g.seen, k)
		}
	}
	if len(g.seen) == 0 {
		g.seen = nil
	}
}
