package core

import (
	"strings"
	"sync"
)

type GuardHandle interface {
	Release()
}

// AccountGuard admits one mutation per account at a time. TryAcquire never blocks.
type AccountGuard interface {
	TryAcquire(accountID string) (GuardHandle, bool)
}

type MemoryAccountGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryAccountGuard() *MemoryAccountGuard {
	return &MemoryAccountGuard{held: make(map[string]struct{})}
}

func (g *MemoryAccountGuard) TryAcquire(accountID string) (GuardHandle, bool) {
	if g == nil {
		return nil, false
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = make(map[string]struct{})
	}
	if _, busy := g.held[accountID]; busy {
		return nil, false
	}
	g.held[accountID] = struct{}{}
	return &memoryGuardHandle{guard: g, accountID: accountID}, true
}

// Held reports whether a mutation currently owns the account.
func (g *MemoryAccountGuard) Held(accountID string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[strings.TrimSpace(accountID)]
	return busy
}

type memoryGuardHandle struct {
	guard     *MemoryAccountGuard
	accountID string
	once      sync.Once
}

func (h *memoryGuardHandle) Release() {
	if h == nil || h.guard == nil {
		return
	}
	h.once.Do(func() {
		h.guard.mu.Lock()
		delete(h.guard.held, h.accountID)
		h.guard.mu.Unlock()
	})
}

var _ AccountGuard = (*MemoryAccountGuard)(nil)
