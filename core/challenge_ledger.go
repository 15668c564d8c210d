package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultChallengeRetention = 5 * time.Minute
const defaultChallengeLedgerMaxEntries = 1024

type ChallengeState string

const (
	ChallengeUnknown  ChallengeState = "unknown"
	ChallengeOpen     ChallengeState = "open"
	ChallengeExpired  ChallengeState = "expired"
	ChallengeConsumed ChallengeState = "consumed"
)

// ChallengeLedger tracks issued challenges so a consumed one is never sent to the provider again.
type ChallengeLedger interface {
	Track(ctx context.Context, challenge Challenge) error
	State(ctx context.Context, challengeID string) (ChallengeState, error)
	Consume(ctx context.Context, challengeID string) (bool, error)
	Reset(ctx context.Context) error
}

type challengeEntry struct {
	expiresAt  time.Time
	consumedAt time.Time
}

type MemoryChallengeLedger struct {
	mu         sync.Mutex
	retention  time.Duration
	maxEntries int
	entries    map[string]challengeEntry
	Now        func() time.Time
}

func NewMemoryChallengeLedger(retention time.Duration) *MemoryChallengeLedger {
	if retention <= 0 {
		retention = defaultChallengeRetention
	}
	return &MemoryChallengeLedger{
		retention:  retention,
		maxEntries: defaultChallengeLedgerMaxEntries,
		entries:    map[string]challengeEntry{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *MemoryChallengeLedger) Track(_ context.Context, challenge Challenge) error {
	if l == nil {
		return fmt.Errorf("core: challenge ledger is not configured")
	}
	id := strings.TrimSpace(challenge.ID)
	if id == "" {
		return fmt.Errorf("core: challenge id is required")
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	if existing, ok := l.entries[id]; ok && !existing.consumedAt.IsZero() {
		return fmt.Errorf("core: challenge %q was already consumed", id)
	}
	l.enforceCapacityLocked()
	l.entries[id] = challengeEntry{expiresAt: challenge.ExpiresAt.UTC()}
	return nil
}

func (l *MemoryChallengeLedger) State(_ context.Context, challengeID string) (ChallengeState, error) {
	if l == nil {
		return ChallengeUnknown, fmt.Errorf("core: challenge ledger is not configured")
	}
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return ChallengeUnknown, fmt.Errorf("core: challenge id is required")
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[challengeID]
	switch {
	case !ok:
		return ChallengeUnknown, nil
	case !entry.consumedAt.IsZero():
		return ChallengeConsumed, nil
	case !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt):
		return ChallengeExpired, nil
	default:
		return ChallengeOpen, nil
	}
}

// Consume marks the challenge used. It returns false when it was consumed before.
func (l *MemoryChallengeLedger) Consume(_ context.Context, challengeID string) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("core: challenge ledger is not configured")
	}
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return false, fmt.Errorf("core: challenge id is required")
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[challengeID]
	if ok && !entry.consumedAt.IsZero() {
		return false, nil
	}
	if !ok {
		l.enforceCapacityLocked()
		entry = challengeEntry{expiresAt: now}
	}
	entry.consumedAt = now
	l.entries[challengeID] = entry
	return true, nil
}

func (l *MemoryChallengeLedger) Reset(context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	l.entries = map[string]challengeEntry{}
	l.mu.Unlock()
	return nil
}

func (l *MemoryChallengeLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *MemoryChallengeLedger) pruneLocked(now time.Time) {
	for key, entry := range l.entries {
		anchor := entry.expiresAt
		if entry.consumedAt.After(anchor) {
			anchor = entry.consumedAt
		}
		if !now.Before(anchor.Add(l.retention)) {
			delete(l.entries, key)
		}
	}
}

func (l *MemoryChallengeLedger) enforceCapacityLocked() {
	if l.maxEntries <= 0 {
		return
	}
	for len(l.entries) >= l.maxEntries {
		var oldestKey string
		var oldestExpiry time.Time
		for key, entry := range l.entries {
			if oldestKey == "" || entry.expiresAt.Before(oldestExpiry) {
				oldestKey = key
				oldestExpiry = entry.expiresAt
			}
		}
		delete(l.entries, oldestKey)
	}
}

var _ ChallengeLedger = (*MemoryChallengeLedger)(nil)
