// Package dedupe tracks open dedupe keys so that re-detection of the same
// problem is suppressed while a remediation for it is outstanding.
package dedupe

import (
	"sync"
	"time"
)

// Tracker enforces the at-most-one-open-alert-per-key invariant. Keys are
// deterministic hashes of external identifiers, so a restarted engine
// re-converges on the same keys.
type Tracker struct {
	mu   sync.Mutex
	open map[string]time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{open: make(map[string]time.Time)}
}

// Begin claims a key. It returns true exactly once per open window; callers
// seeing false must suppress the detection rather than dispatch again.
func (t *Tracker) Begin(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.open[key]; exists {
		return false
	}
	t.open[key] = time.Now()
	return true
}

// Resolve releases a key once its remediation outcome is known, allowing
// a future re-detection to dispatch again.
func (t *Tracker) Resolve(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, key)
}

// IsOpen reports whether a key currently has an outstanding remediation.
func (t *Tracker) IsOpen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[key]
	return ok
}

// OpenCount returns the number of open keys.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// OpenKeys returns the currently open keys with their claim times.
func (t *Tracker) OpenKeys() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.open))
	for k, v := range t.open {
		out[k] = v
	}
	return out
}
