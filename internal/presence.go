package internal

import (
	"sort"
	"sync"
)

// PresenceTracker keeps counts of active websocket connections per identity. An identity
// is online while its count is above zero; the entry is removed when the count drops to
// zero, so tabs and devices of the same user never cause an offline flicker.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

// Connect registers one more connection and reports whether it is the identity's first.
func (p *PresenceTracker) Connect(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[identity]++
	return p.online[identity] == 1
}

// Disconnect drops one connection and reports whether the identity is now offline.
// Unknown identities are ignored.
func (p *PresenceTracker) Disconnect(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[identity]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(p.online, identity)
		return true
	}
	p.online[identity] = count - 1
	return false
}

func (p *PresenceTracker) Online(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[identity] > 0
}

// Connections returns the live connection count for identity.
func (p *PresenceTracker) Connections(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[identity]
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

// Snapshot lists online identities in sorted order.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.Lock()
	identities := make([]string, 0, len(p.online))
	for identity := range p.online {
		identities = append(identities, identity)
	}
	p.mu.Unlock()
	sort.Strings(identities)
	return identities
}
