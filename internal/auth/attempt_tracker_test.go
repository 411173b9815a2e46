package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker() (*MemoryAttemptTracker, *time.Time) {
	tracker := NewMemoryAttemptTracker(5, time.Hour)
	now := time.Now()
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestTracker_BlocksAtThreshold(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("10.0.0.1", "alice@example.com")
		assert.False(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"), "blocked after %d failures", i+1)
	}

	tracker.RecordFailure("10.0.0.1", "alice@example.com")
	assert.True(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
}

func TestTracker_KeyIsOriginPlusIdentifier(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("10.0.0.1", "alice@example.com")
	}

	assert.True(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
	assert.False(t, tracker.IsBlocked("10.0.0.2", "alice@example.com"))
	assert.False(t, tracker.IsBlocked("10.0.0.1", "bob@example.com"))
}

func TestTracker_IdentifierCaseInsensitive(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("10.0.0.1", "Alice@Example.com")
	}
	assert.True(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
}

func TestTracker_WindowReset(t *testing.T) {
	tracker, now := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("10.0.0.1", "alice@example.com")
	}
	assert.True(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))

	*now = now.Add(61 * time.Minute)
	assert.False(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))

	// A failure after the window starts a fresh count.
	tracker.RecordFailure("10.0.0.1", "alice@example.com")
	assert.False(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
}

func TestTracker_Clear(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("10.0.0.1", "alice@example.com")
	}
	tracker.Clear("10.0.0.1", "alice@example.com")
	assert.False(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
}

func TestTracker_Sweep(t *testing.T) {
	tracker, now := newTestTracker()

	tracker.RecordFailure("10.0.0.1", "alice@example.com")
	*now = now.Add(30 * time.Minute)
	tracker.RecordFailure("10.0.0.2", "bob@example.com")

	*now = now.Add(45 * time.Minute)
	tracker.Sweep()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.NotContains(t, tracker.attempts, attemptKey("10.0.0.1", "alice@example.com"))
	assert.Contains(t, tracker.attempts, attemptKey("10.0.0.2", "bob@example.com"))
}

func TestTracker_ConcurrentFailures(t *testing.T) {
	tracker := NewMemoryAttemptTracker(5, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordFailure("10.0.0.1", "alice@example.com")
		}()
	}
	wg.Wait()

	assert.True(t, tracker.IsBlocked("10.0.0.1", "alice@example.com"))
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 20, tracker.attempts[attemptKey("10.0.0.1", "alice@example.com")].count)
}
