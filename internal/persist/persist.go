// Package persist saves local board edits: debounced, deduplicated, retried with
// exponential backoff, and fanned out to the board the sync policy targets.
package persist

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/notify"
)

const (
	DefaultDebounce   = 400 * time.Millisecond
	DefaultRetryBase  = 500 * time.Millisecond
	DefaultMaxRetries = 3
)

// Writer appends state records to the backend store.
type Writer interface {
	Insert(ctx context.Context, rec *domain.StateRecord) error
}

// Router names the board a save of source fans out to.
type Router interface {
	Target(source domain.BoardID) (domain.BoardID, bool)
}

// Notifier surfaces a save that failed after every retry.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) error
}

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	Clock      clockwork.Clock
	Debounce   time.Duration
	RetryBase  time.Duration
	MaxRetries int
}

// Stats are lifetime counters of a Manager.
type Stats struct {
	Requested int // SaveState calls
	Skipped   int // unchanged state
	Written   int
	Failed    int // failed write attempts
	GaveUp    int // saves abandoned after the last retry
}

// slotKey separates a board's own saves from fan-out writes into it.
type slotKey struct {
	board  domain.BoardID // addressed board
	source domain.BoardID
}

type slot struct {
	data     json.RawMessage // latest unwritten snapshot
	debounce clockwork.Timer
	retry    clockwork.Timer
	failures int
	inflight bool
}

func (s *slot) stop() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// Manager persists board snapshots.
type Manager struct {
	writer   Writer
	router   Router
	notifier Notifier
	opts     Options
	clock    clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	idMu    sync.Mutex
	entropy io.Reader

	mu     sync.Mutex
	keys   map[domain.BoardID]string // last saved objects JSON per board
	slots  map[slotKey]*slot
	stats  Stats
	closed bool
}

// New returns a Manager. router and notifier may be nil.
func New(writer Writer, router Router, notifier Notifier, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		writer:   writer,
		router:   router,
		notifier: notifier,
		opts:     opts,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		keys:     make(map[domain.BoardID]string),
		slots:    make(map[slotKey]*slot),
	}
}

// SaveState schedules a write of c's current state to board, and to the board the router
// targets. Every object is forced interactive first so a restored board stays editable.
// It reports whether a write was scheduled; an unchanged state is skipped.
func (m *Manager) SaveState(c canvas.Canvas, board domain.BoardID) bool {
	canvas.MarkAllInteractive(c)
	snap := c.Snapshot()

	key, err := saveKey(snap)
	if err != nil {
		log.Error().Err(err).Str("board", board.String()).Msg("persist: serialize objects")
		return false
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("board", board.String()).Msg("persist: serialize snapshot")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Requested++
	if m.closed {
		return false
	}
	if m.keys[board] == key {
		m.stats.Skipped++
		return false
	}
	m.keys[board] = key

	m.scheduleLocked(slotKey{board: board, source: board}, data)
	if m.router != nil {
		if target, ok := m.router.Target(board); ok {
			m.scheduleLocked(slotKey{board: target, source: board}, data)
		}
	}
	return true
}

// SetInitialState records c's current state as already saved for board, so mounting a
// board does not write back what was just loaded. Objects are made interactive as on save.
func (m *Manager) SetInitialState(c canvas.Canvas, board domain.BoardID) {
	canvas.MarkAllInteractive(c)
	key, err := saveKey(c.Snapshot())
	if err != nil {
		key = ""
	}

	m.mu.Lock()
	m.keys[board] = key
	m.mu.Unlock()
}

// Cancel stops the pending writes produced by board and forgets its saved state.
func (m *Manager) Cancel(board domain.BoardID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, s := range m.slots {
		if k.source == board {
			s.stop()
			delete(m.slots, k)
		}
	}
	delete(m.keys, board)
}

// Flush writes every pending save now, without retrying failures.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	type job struct {
		key  slotKey
		data json.RawMessage
	}
	var jobs []job
	for k, s := range m.slots {
		if s.data == nil || s.inflight {
			continue
		}
		s.stop()
		jobs = append(jobs, job{key: k, data: s.data})
		s.data = nil
	}
	m.mu.Unlock()

	var firstErr error
	for _, j := range jobs {
		if err := m.writer.Insert(ctx, m.record(j.key, j.data)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist.Manager.Flush: %s: %w", j.key.board, err)
		}
	}
	return firstErr
}

// Close stops every timer. Pending saves are dropped; call Flush first to keep them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.cancel()
	for k, s := range m.slots {
		s.stop()
		delete(m.slots, k)
	}
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) scheduleLocked(key slotKey, data json.RawMessage) {
	s, ok := m.slots[key]
	if !ok {
		s = &slot{}
		m.slots[key] = s
	}
	s.data = data
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = m.clock.AfterFunc(m.opts.Debounce, func() { m.flush(key) })
}

// flush writes the slot's latest data. It runs on a timer goroutine.
func (m *Manager) flush(key slotKey) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok || m.closed || s.data == nil {
		m.mu.Unlock()
		return
	}
	if s.inflight {
		// The running write reschedules when it sees newer data.
		m.mu.Unlock()
		return
	}
	data := s.data
	s.data = nil
	s.debounce = nil
	s.retry = nil
	s.inflight = true
	m.mu.Unlock()

	rec := m.record(key, data)
	err := m.writer.Insert(m.ctx, rec)

	m.mu.Lock()
	s.inflight = false
	if m.closed || m.slots[key] != s {
		m.mu.Unlock()
		return
	}

	if err == nil {
		s.failures = 0
		m.stats.Written++
		if s.data != nil && s.debounce == nil {
			s.debounce = m.clock.AfterFunc(0, func() { m.flush(key) })
		}
		m.mu.Unlock()
		log.Debug().Str("board", key.board.String()).Str("source", key.source.String()).Str("record", rec.ID).
			Msg("persist: state saved")
		return
	}

	m.stats.Failed++
	s.failures++
	attempt := s.failures
	if s.data == nil {
		s.data = data
	}

	if attempt > m.opts.MaxRetries {
		s.failures = 0
		s.data = nil
		if key.board == key.source {
			// Let the next save of the same state go through.
			delete(m.keys, key.board)
		}
		m.stats.GaveUp++
		m.mu.Unlock()

		log.Error().Err(err).Str("board", key.board.String()).Int("attempt", attempt).
			Msg("persist: save failed, giving up")
		m.surface(key, err)
		return
	}

	delay := m.opts.RetryBase << (attempt - 1)
	if s.debounce == nil {
		s.retry = m.clock.AfterFunc(delay, func() { m.flush(key) })
	}
	m.mu.Unlock()

	log.Warn().Err(err).Str("board", key.board.String()).Int("attempt", attempt).Dur("retry_in", delay).
		Msg("persist: save failed, retrying")
}

func (m *Manager) surface(key slotKey, err error) {
	if m.notifier == nil {
		return
	}
	notice := notify.Notice{
		Board:   key.source,
		Level:   notify.LevelError,
		Message: fmt.Sprintf("Could not save board %s: %v", key.board, err),
		At:      m.clock.Now(),
	}
	if nerr := m.notifier.Notify(m.ctx, notice); nerr != nil {
		log.Error().Err(nerr).Str("board", key.board.String()).Msg("persist: notify failed")
	}
}

func (m *Manager) record(key slotKey, data json.RawMessage) *domain.StateRecord {
	now := m.clock.Now()

	m.idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), m.entropy)
	m.idMu.Unlock()

	return &domain.StateRecord{
		ID:          id.String(),
		BoardID:     key.board,
		SourceBoard: key.source,
		Data:        data,
		CreatedAt:   now,
	}
}

// saveKey is the save dedup key: the JSON of the objects list.
func saveKey(snap domain.Snapshot) (string, error) {
	objs := snap.Objects
	if objs == nil {
		objs = []domain.Shape{}
	}
	b, err := json.Marshal(objs)
	if err != nil {
		return "", fmt.Errorf("persist.saveKey: %w", err)
	}
	return string(b), nil
}
