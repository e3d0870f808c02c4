package update

import (
	"sync"
	"time"

	"github.com/gosuda/boardsync/internal/domain"
)

// QueueCapacity is the default number of pending snapshots kept per board.
const QueueCapacity = 3

// Entry is one pending snapshot.
type Entry struct {
	Hash       string
	Snapshot   domain.Snapshot
	EnqueuedAt time.Time
	// Admitted entries already passed every acceptance check and only wait for the
	// in-flight merge to finish.
	Admitted bool
}

// Queue is a bounded FIFO of pending snapshots. Under overflow the oldest entry is
// dropped so the freshest state always survives.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	dropped  int
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = QueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends e unless an entry with the same hash is already queued. When the
// queue is full the oldest entry is evicted and returned.
func (q *Queue) Enqueue(e Entry) (accepted bool, evicted *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, queued := range q.entries {
		if queued.Hash == e.Hash {
			return false, nil
		}
	}

	if len(q.entries) >= q.capacity {
		old := q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		evicted = &old
	}
	q.entries = append(q.entries, e)
	return true, evicted
}

// DequeueNext pops the oldest entry.
func (q *Queue) DequeueNext() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Peek returns the oldest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Prune trims the queue to its most recent capacity entries and returns how many were dropped.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	excess := len(q.entries) - q.capacity
	if excess <= 0 {
		return 0
	}
	q.entries = append([]Entry(nil), q.entries[excess:]...)
	q.dropped += excess
	return excess
}

// Hashes returns the queued fingerprints, oldest first.
func (q *Queue) Hashes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	hashes := make([]string, len(q.entries))
	for i, e := range q.entries {
		hashes[i] = e.Hash
	}
	return hashes
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many entries were evicted over the queue's lifetime.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
