package session

import (
	"sync"
	"time"

	"github.com/tendant/simple-identity/internal/clock"
	"github.com/tendant/simple-identity/internal/metrics"
)

// Lockout tracks failed upgrade attempts per client address. Failures
// older than the lockout duration are forgotten, and stale entries are
// pruned so the table only holds clients seen within one window.
type Lockout struct {
	maxAttempts int
	duration    time.Duration
	clock       clock.Clock
	attempts    map[string]*lockoutEntry
	nextPrune   time.Time
	mu          sync.RWMutex
}

type lockoutEntry struct {
	count       int
	lastFailure time.Time
	lockedAt    time.Time
}

// NewLockout creates a Lockout.
// maxAttempts: number of failed attempts before lockout (0 = disabled)
// duration: how long the client stays locked, and how long failures are remembered
func NewLockout(maxAttempts int, duration time.Duration, c clock.Clock) *Lockout {
	if c == nil {
		c = clock.Real()
	}
	return &Lockout{
		maxAttempts: maxAttempts,
		duration:    duration,
		clock:       c,
		attempts:    make(map[string]*lockoutEntry),
	}
}

// IsLocked checks if a client is currently locked.
func (l *Lockout) IsLocked(client string) bool {
	return l.LockedFor(client) > 0
}

// LockedFor returns the time remaining until the client is unlocked.
// Returns 0 if not locked.
func (l *Lockout) LockedFor(client string) time.Duration {
	if l.maxAttempts <= 0 {
		return 0
	}

	l.mu.RLock()
	entry, exists := l.attempts[client]
	var lockedAt time.Time
	if exists {
		lockedAt = entry.lockedAt
	}
	l.mu.RUnlock()

	if lockedAt.IsZero() {
		return 0
	}

	remaining := l.duration - l.clock.Now().Sub(lockedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure records a failed attempt and returns true if the
// client is now locked.
func (l *Lockout) RecordFailure(client string) bool {
	if l.maxAttempts <= 0 {
		return false // Lockout disabled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if !now.Before(l.nextPrune) {
		l.prune(now)
		l.nextPrune = now.Add(l.duration)
	}

	entry, exists := l.attempts[client]
	if !exists || l.stale(entry, now) {
		entry = &lockoutEntry{}
		l.attempts[client] = entry
	}

	entry.count++
	entry.lastFailure = now

	if entry.count >= l.maxAttempts && entry.lockedAt.IsZero() {
		entry.lockedAt = now
		metrics.RecordUpgradeLockout()
		return true
	}

	return false
}

// RecordSuccess clears failed attempts for a client.
func (l *Lockout) RecordSuccess(client string) {
	if l.maxAttempts <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.attempts, client)
}

// RemainingAttempts returns the number of attempts left before lockout,
// or -1 when lockout is disabled.
func (l *Lockout) RemainingAttempts(client string) int {
	if l.maxAttempts <= 0 {
		return -1
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.attempts[client]
	if !exists || l.stale(entry, l.clock.Now()) {
		return l.maxAttempts
	}
	return max(l.maxAttempts-entry.count, 0)
}

// Len returns the number of clients currently tracked.
func (l *Lockout) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.attempts)
}

// stale reports whether an entry's lock has expired, or, when unlocked,
// whether its last failure is older than the window.
func (l *Lockout) stale(e *lockoutEntry, now time.Time) bool {
	if !e.lockedAt.IsZero() {
		return now.Sub(e.lockedAt) >= l.duration
	}
	return now.Sub(e.lastFailure) >= l.duration
}

// prune drops stale entries. Callers hold l.mu.
func (l *Lockout) prune(now time.Time) {
	for client, e := range l.attempts {
		if l.stale(e, now) {
			delete(l.attempts, client)
		}
	}
}
