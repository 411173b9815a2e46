package auth

import (
	"strings"
	"sync"
	"time"
)

// AttemptTracker keeps time-windowed failure counters per
// (origin address, identifier) pair. It blocks by origin+identifier to
// defend against brute force from one address against one account; the
// per-principal failure counter handles origin-independent stuffing.
//
// The in-process implementation is a mutex-guarded map and does not scale
// horizontally. Multi-instance deployments would swap in a shared
// TTL-capable store behind the same interface.
type AttemptTracker interface {
	RecordFailure(originAddress, identifier string)
	IsBlocked(originAddress, identifier string) bool
	Clear(originAddress, identifier string)
	Sweep()
}

type attemptRecord struct {
	count          int
	firstAttemptAt time.Time
	lastAttemptAt  time.Time
}

// MemoryAttemptTracker is the single-process AttemptTracker. All map
// mutations happen under the mutex; the lock is never held across I/O.
type MemoryAttemptTracker struct {
	mu        sync.Mutex
	attempts  map[string]*attemptRecord
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewMemoryAttemptTracker creates a tracker that blocks a key after
// threshold failures within window.
func NewMemoryAttemptTracker(threshold int, window time.Duration) *MemoryAttemptTracker {
	return &MemoryAttemptTracker{
		attempts:  make(map[string]*attemptRecord),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

func attemptKey(originAddress, identifier string) string {
	return originAddress + "|" + strings.ToLower(identifier)
}

// RecordFailure increments the counter for the key, creating it on first
// failure. The increment-then-check sequence is serialized per key so two
// parallel failures cannot both observe a pre-threshold count.
func (t *MemoryAttemptTracker) RecordFailure(originAddress, identifier string) {
	key := attemptKey(originAddress, identifier)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[key]
	if !ok || now.Sub(rec.firstAttemptAt) > t.window {
		t.attempts[key] = &attemptRecord{count: 1, firstAttemptAt: now, lastAttemptAt: now}
		return
	}
	rec.count++
	rec.lastAttemptAt = now
}

// IsBlocked reports whether the key has reached the failure threshold within
// the tracking window. An entry older than the window is purged and treated
// as absent.
func (t *MemoryAttemptTracker) IsBlocked(originAddress, identifier string) bool {
	key := attemptKey(originAddress, identifier)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[key]
	if !ok {
		return false
	}
	if now.Sub(rec.firstAttemptAt) > t.window {
		delete(t.attempts, key)
		return false
	}
	return rec.count >= t.threshold
}

// Clear removes the entry for the key, called after a successful login.
func (t *MemoryAttemptTracker) Clear(originAddress, identifier string) {
	key := attemptKey(originAddress, identifier)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

// Sweep removes all entries whose last attempt is older than the window,
// bounding memory growth. Run periodically, independent of request traffic.
func (t *MemoryAttemptTracker) Sweep() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, rec := range t.attempts {
		if now.Sub(rec.lastAttemptAt) > t.window {
			delete(t.attempts, key)
		}
	}
}
