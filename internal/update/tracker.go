package update

import (
	"sync"
	"time"
)

const (
	// DuplicateWindow is how long a recorded fingerprint suppresses identical updates.
	DuplicateWindow = 5 * time.Second

	processedHighWater = 30
	processedKeep      = 15
)

// Tracker remembers recently seen fingerprints. It keeps two independent layers:
// a time-bounded map of recorded fingerprints and a size-bounded set of fingerprints
// whose merges completed.
type Tracker struct {
	mu        sync.Mutex
	recent    map[string]time.Time
	processed map[string]time.Time
	order     []string // processed fingerprints, oldest first
}

func NewTracker() *Tracker {
	return &Tracker{
		recent:    make(map[string]time.Time),
		processed: make(map[string]time.Time),
	}
}

// IsRecentDuplicate reports whether hash was recorded within DuplicateWindow of now.
func (t *Tracker) IsRecentDuplicate(hash string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.recent[hash]
	return ok && now.Sub(seen) < DuplicateWindow
}

// Record stores now as the last time hash was seen.
func (t *Tracker) Record(hash string, now time.Time) {
	t.mu.Lock()
	t.recent[hash] = now
	t.mu.Unlock()
}

// HasBeenProcessed reports whether a merge for hash completed and is still remembered.
func (t *Tracker) HasBeenProcessed(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.processed[hash]
	return ok
}

// MarkProcessed adds hash to the processed set. Once the set grows past 30 entries it
// is cut back to the 15 most recent.
func (t *Tracker) MarkProcessed(hash string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.processed[hash]; ok {
		t.removeOrderLocked(hash)
	}
	t.processed[hash] = now
	t.order = append(t.order, hash)

	if len(t.order) > processedHighWater {
		evict := t.order[:len(t.order)-processedKeep]
		for _, h := range evict {
			delete(t.processed, h)
		}
		t.order = append([]string(nil), t.order[len(t.order)-processedKeep:]...)
	}
}

// PruneOlderThan drops recorded and processed fingerprints older than maxAge.
func (t *Tracker) PruneOlderThan(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-maxAge)
	pruned := 0
	for h, seen := range t.recent {
		if seen.Before(cutoff) {
			delete(t.recent, h)
			pruned++
		}
	}

	kept := t.order[:0]
	for _, h := range t.order {
		if t.processed[h].Before(cutoff) {
			delete(t.processed, h)
			pruned++
			continue
		}
		kept = append(kept, h)
	}
	t.order = kept
	return pruned
}

// Len returns the number of recorded and processed fingerprints.
func (t *Tracker) Len() (recent, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recent), len(t.processed)
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.recent = make(map[string]time.Time)
	t.processed = make(map[string]time.Time)
	t.order = nil
	t.mu.Unlock()
}

func (t *Tracker) removeOrderLocked(hash string) {
	for i, h := range t.order {
		if h == hash {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
