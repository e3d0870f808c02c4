package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/reconcile"
)

// ErrClosed is returned by Reload after Cleanup.
var ErrClosed = errors.New("update: manager closed") //nolint:gochecknoglobals // sentinel error

// Verdict is the outcome of one ApplyRemoteSnapshot call.
type Verdict int

const (
	VerdictMalformed Verdict = iota
	VerdictRateLimited
	VerdictUnhashable
	VerdictDuplicate
	VerdictQueued
	VerdictProcessed
	VerdictUnchanged
	VerdictScheduled
	VerdictUnmounted
)

func (v Verdict) String() string {
	switch v {
	case VerdictMalformed:
		return "malformed"
	case VerdictRateLimited:
		return "rate_limited"
	case VerdictUnhashable:
		return "unhashable"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictQueued:
		return "queued"
	case VerdictProcessed:
		return "processed"
	case VerdictUnchanged:
		return "unchanged"
	case VerdictScheduled:
		return "scheduled"
	case VerdictUnmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

const (
	defaultFrameDelay          = 16 * time.Millisecond
	defaultReplayDelay         = 300 * time.Millisecond
	defaultMaintenanceInterval = 60 * time.Second
	trackerMaxAge              = 60 * time.Second
)

// MergeEvent describes one finished merge.
type MergeEvent struct {
	Board    domain.BoardID
	Hash     string
	Result   reconcile.Result
	Fallback bool  // the incremental merge failed and the snapshot was fully reloaded
	Err      error // non-nil when the fallback failed too
}

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	Clock      clockwork.Clock
	Reconciler *reconcile.Reconciler

	// FrameDelay defers a merge to the next rendering opportunity.
	FrameDelay time.Duration
	// ReplayDelay spaces queued replays after a merge completes.
	ReplayDelay time.Duration
	// MaintenanceInterval is the tracker/queue pruning period; negative disables it.
	MaintenanceInterval time.Duration

	QueueCapacity int
	VolumeLimit   int
	VolumeWindow  time.Duration
	MinSpacing    time.Duration

	// OnMerge is called after every merge, outside the manager lock.
	OnMerge func(MergeEvent)
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Reconciler == nil {
		o.Reconciler = reconcile.New(0)
	}
	if o.FrameDelay <= 0 {
		o.FrameDelay = defaultFrameDelay
	}
	if o.ReplayDelay <= 0 {
		o.ReplayDelay = defaultReplayDelay
	}
	if o.MaintenanceInterval == 0 {
		o.MaintenanceInterval = defaultMaintenanceInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = QueueCapacity
	}
	if o.VolumeLimit <= 0 {
		o.VolumeLimit = VolumeLimit
	}
	if o.VolumeWindow <= 0 {
		o.VolumeWindow = VolumeWindow
	}
	if o.MinSpacing <= 0 {
		o.MinSpacing = MinSpacing
	}
}

// Stats are lifetime counters of one Manager.
type Stats struct {
	Received  int
	Verdicts  map[Verdict]int
	Merged    int
	Fallbacks int
	Failed    int // fallbacks that failed as well
	Reloads   int
	Queued    int // entries currently queued
	Dropped   int // entries evicted from the queue
	Pending   bool
}

// Manager sequences remote snapshots for one board: it rejects malformed, duplicate and
// unchanged snapshots, throttles bursts, and runs at most one merge at a time against the
// board's canvas.
type Manager struct {
	board  domain.BoardID
	canvas canvas.Canvas
	opts   Options
	clock  clockwork.Clock

	tracker *Tracker
	limiter *RateLimiter
	queue   *Queue

	ctx    context.Context
	cancel context.CancelFunc

	// applyMu is held while the canvas is being changed by a merge, its fallback or a
	// reload. Lock order: applyMu before mu.
	applyMu sync.Mutex

	mu          sync.Mutex
	gen         uint64 // bumped by Reload; merges scheduled earlier are dropped
	pending     bool
	closed      bool
	lastApplied *domain.Snapshot
	frameTimer  clockwork.Timer
	replayTimer clockwork.Timer
	stats       Stats
	done        chan struct{}
}

// NewManager binds a manager to board and its canvas. Cleanup must be called on unmount.
func NewManager(board domain.BoardID, c canvas.Canvas, opts Options) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		board:   board,
		canvas:  c,
		opts:    opts,
		clock:   opts.Clock,
		tracker: NewTracker(),
		limiter: NewRateLimiter(opts.VolumeLimit, opts.VolumeWindow, opts.MinSpacing),
		queue:   NewQueue(opts.QueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		stats:   Stats{Verdicts: make(map[Verdict]int)},
		done:    make(chan struct{}),
	}

	if opts.MaintenanceInterval > 0 {
		go m.maintain(opts.MaintenanceInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Manager) Board() domain.BoardID { return m.board }

// ApplyRemoteSnapshot admits snap for merging into the board canvas. It never blocks on
// the merge itself; accepted snapshots are merged on the next frame.
func (m *Manager) ApplyRemoteSnapshot(snap domain.Snapshot) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.applyLocked(snap)
	m.stats.Received++
	m.stats.Verdicts[v]++

	ev := log.Debug().Str("board", m.board.String()).Str("verdict", v.String())
	if v == VerdictMalformed {
		ev.Msg("update: rejected snapshot without objects")
	} else {
		ev.Msg("update: remote snapshot")
	}
	return v
}

func (m *Manager) applyLocked(snap domain.Snapshot) Verdict {
	if m.closed {
		return VerdictUnmounted
	}
	if !snap.HasObjects() {
		return VerdictMalformed
	}

	now := m.clock.Now()
	if _, skip := m.limiter.CheckVolume(now); skip {
		return VerdictRateLimited
	}

	hash := Fingerprint(snap)
	if hash == "" {
		return VerdictUnhashable
	}
	if m.tracker.IsRecentDuplicate(hash, now) {
		return VerdictDuplicate
	}
	m.tracker.Record(hash, now)

	if m.limiter.ShouldThrottle(now) {
		m.enqueueLocked(Entry{Hash: hash, Snapshot: snap, EnqueuedAt: now})
		if !m.pending {
			m.scheduleReplayLocked(m.limiter.Wait(now))
		}
		return VerdictQueued
	}

	return m.admitLocked(hash, snap, now)
}

// admitLocked runs the checks that follow the spacing rule and schedules the merge.
func (m *Manager) admitLocked(hash string, snap domain.Snapshot, now time.Time) Verdict {
	m.limiter.MarkApplied(now)

	if m.tracker.HasBeenProcessed(hash) {
		return VerdictProcessed
	}
	if m.lastApplied != nil && Equivalent(*m.lastApplied, snap) {
		return VerdictUnchanged
	}
	last := snap.Clone()
	m.lastApplied = &last

	if m.pending {
		m.enqueueLocked(Entry{Hash: hash, Snapshot: snap, EnqueuedAt: now, Admitted: true})
		return VerdictQueued
	}

	m.scheduleMergeLocked(hash, snap)
	return VerdictScheduled
}

func (m *Manager) enqueueLocked(e Entry) {
	accepted, evicted := m.queue.Enqueue(e)
	if !accepted {
		return
	}
	if evicted != nil {
		log.Debug().Str("board", m.board.String()).Str("hash", evicted.Hash).
			Msg("update: queue full, dropped oldest pending snapshot")
	}
}

func (m *Manager) scheduleMergeLocked(hash string, snap domain.Snapshot) {
	m.pending = true
	gen := m.gen
	m.frameTimer = m.clock.AfterFunc(m.opts.FrameDelay, func() {
		m.runMerge(gen, hash, snap)
	})
}

func (m *Manager) scheduleReplayLocked(d time.Duration) {
	if m.replayTimer != nil {
		m.replayTimer.Stop()
	}
	m.replayTimer = m.clock.AfterFunc(d, m.replay)
}

// runMerge applies snap to the canvas. It runs on a timer goroutine.
func (m *Manager) runMerge(gen uint64, hash string, snap domain.Snapshot) {
	event, ok := m.applyMerge(gen, hash, snap)
	if !ok {
		return
	}
	if onMerge := m.opts.OnMerge; onMerge != nil {
		onMerge(event)
	}
}

func (m *Manager) applyMerge(gen uint64, hash string, snap domain.Snapshot) (MergeEvent, bool) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if m.ctx.Err() != nil || !m.isCurrent(gen) {
		return MergeEvent{}, false
	}

	event := MergeEvent{Board: m.board, Hash: hash}
	res, err := m.merge(snap)
	event.Result = res
	if err != nil && m.ctx.Err() == nil {
		log.Warn().Err(err).Str("board", m.board.String()).Str("hash", hash).
			Msg("update: incremental merge failed, reloading snapshot")
		event.Fallback = true
		if ferr := m.load(snap); ferr != nil {
			event.Err = ferr
			log.Error().Err(ferr).Str("board", m.board.String()).Str("hash", hash).
				Msg("update: full reload failed, keeping last good canvas")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen {
		return MergeEvent{}, false
	}
	m.pending = false
	m.frameTimer = nil
	m.tracker.MarkProcessed(hash, m.clock.Now())
	m.stats.Merged++
	if event.Fallback {
		m.stats.Fallbacks++
	}
	if event.Err != nil {
		m.stats.Failed++
	}
	if m.queue.Len() > 0 {
		m.scheduleReplayLocked(m.opts.ReplayDelay)
	}
	return event, true
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.gen == gen
}

func (m *Manager) merge(snap domain.Snapshot) (res reconcile.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update.Manager.merge: panic: %v", r)
		}
	}()

	res, err = m.opts.Reconciler.Merge(m.ctx, m.canvas, snap)
	if err != nil && !errors.Is(err, context.Canceled) {
		return res, fmt.Errorf("update.Manager.merge: %w", err)
	}
	return res, err
}

// load replaces the canvas content with snap in one step and marks every object
// interactive. A panicking canvas is reported as an error.
func (m *Manager) load(snap domain.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update.Manager.load: panic: %v", r)
		}
	}()

	if err := m.canvas.Load(m.ctx, snap); err != nil {
		return fmt.Errorf("update.Manager.load: %w", err)
	}
	canvas.MarkAllInteractive(m.canvas)
	return nil
}

// Reload replaces the board content with snap outside the incremental path, for state
// read back from the store or replaced by a local edit. It waits for an in-flight merge, drops scheduled and queued
// snapshots and forgets the fingerprint history, so content seen before the reload is
// merged again when it arrives anew. snap becomes the last applied snapshot.
func (m *Manager) Reload(snap domain.Snapshot) error {
	if !snap.HasObjects() {
		return fmt.Errorf("update.Manager.Reload: %s: %w", m.board, domain.ErrMalformedSnapshot)
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("update.Manager.Reload: %s: %w", m.board, ErrClosed)
	}
	m.gen++
	m.stopTimersLocked()
	m.pending = false
	m.lastApplied = nil
	m.queue.Clear()
	m.tracker.Reset()
	m.limiter.Reset()
	m.mu.Unlock()

	if err := m.load(snap); err != nil {
		return fmt.Errorf("update.Manager.Reload: %s: %w", m.board, err)
	}

	m.mu.Lock()
	last := snap.Clone()
	m.lastApplied = &last
	m.stats.Reloads++
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopTimersLocked() {
	if m.frameTimer != nil {
		m.frameTimer.Stop()
		m.frameTimer = nil
	}
	if m.replayTimer != nil {
		m.replayTimer.Stop()
		m.replayTimer = nil
	}
}

// replay feeds the oldest queued snapshot back into the pipeline.
func (m *Manager) replay() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replayTimer = nil
	if m.closed || m.pending {
		// A running merge reschedules the replay when it completes.
		return
	}

	now := m.clock.Now()
	head, ok := m.queue.Peek()
	if !ok {
		return
	}
	if head.Admitted {
		m.queue.DequeueNext()
		m.scheduleMergeLocked(head.Hash, head.Snapshot)
		return
	}
	if m.limiter.ShouldThrottle(now) {
		m.scheduleReplayLocked(m.limiter.Wait(now))
		return
	}

	m.queue.DequeueNext()
	v := m.admitLocked(head.Hash, head.Snapshot, now)
	log.Debug().Str("board", m.board.String()).Str("hash", head.Hash).Str("verdict", v.String()).
		Msg("update: replayed queued snapshot")
	if v != VerdictScheduled && m.queue.Len() > 0 {
		m.scheduleReplayLocked(m.opts.ReplayDelay)
	}
}

func (m *Manager) maintain(interval time.Duration) {
	defer close(m.done)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.mu.Lock()
			pruned := m.tracker.PruneOlderThan(trackerMaxAge, m.clock.Now())
			dropped := 0
			if !m.pending {
				dropped = m.queue.Prune()
			}
			m.mu.Unlock()

			if pruned > 0 || dropped > 0 {
				log.Debug().Str("board", m.board.String()).Int("fingerprints", pruned).Int("queued", dropped).
					Msg("update: maintenance pruned state")
			}
		}
	}
}

// Stats returns a copy of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Verdicts = make(map[Verdict]int, len(m.stats.Verdicts))
	for k, v := range m.stats.Verdicts {
		s.Verdicts[k] = v
	}
	s.Queued = m.queue.Len()
	s.Dropped = m.queue.Dropped()
	s.Pending = m.pending
	return s
}

// QueuedHashes returns the fingerprints waiting in the queue, oldest first.
func (m *Manager) QueuedHashes() []string {
	return m.queue.Hashes()
}

// Cleanup stops every timer, cancels an in-flight merge and forgets all state.
// It is safe to call more than once.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	m.stopTimersLocked()
	m.pending = false
	m.lastApplied = nil
	m.queue.Clear()
	m.tracker.Reset()
	m.limiter.Reset()
	m.mu.Unlock()

	<-m.done
}
