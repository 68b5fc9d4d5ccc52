package services

import "sync"

// ownerGate serialises bulk operations per owner. Concurrent bulk writes for
// one owner race on the (owner, phone/email) unique constraints, so at most
// one in-flight bulk operation per owner is allowed.
type ownerGate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newOwnerGate() *ownerGate {
	return &ownerGate{busy: make(map[string]struct{})}
}

// acquire reports whether the owner slot was free and claims it.
func (g *ownerGate) acquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, inFlight := g.busy[owner]; inFlight {
		return false
	}
	g.busy[owner] = struct{}{}
	return true
}

func (g *ownerGate) release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, owner)
}
