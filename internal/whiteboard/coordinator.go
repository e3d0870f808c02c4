// Package whiteboard exposes the sync engine to UI collaborators: it mounts board
// canvases and routes local saves, remote records and pair settings through the
// update, persistence, channel and policy components.
package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/bus"
	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/channel"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/persist"
	"github.com/gosuda/boardsync/internal/policy"
	"github.com/gosuda/boardsync/internal/update"
)

var (
	ErrNotMounted = errors.New("whiteboard: board not mounted") //nolint:gochecknoglobals // sentinel error
	ErrNilCanvas  = errors.New("whiteboard: nil canvas")        //nolint:gochecknoglobals // sentinel error
	ErrClosed     = errors.New("whiteboard: coordinator closed") //nolint:gochecknoglobals // sentinel error
)

// Backend is the state store together with its change feed.
type Backend interface {
	domain.StateRepository
	domain.Feed
}

// Options tunes a Coordinator. A nil Clock in the nested options inherits Clock.
type Options struct {
	Clock   clockwork.Clock
	Update  update.Options
	Persist persist.Options
	Channel channel.Options
}

type mountedBoard struct {
	id      domain.BoardID
	pair    domain.PairID
	canvas  canvas.Canvas
	updates *update.Manager
}

// Coordinator owns every mounted board of one process.
type Coordinator struct {
	backend    Backend
	policy     *policy.Policy
	persist    *persist.Manager
	channels   *channel.Manager
	activity   *bus.Bus[domain.PairID, Activity]
	active     *ActiveBoards
	clock      clockwork.Clock
	updateOpts update.Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	boards map[domain.BoardID]*mountedBoard
	closed bool
}

// New wires a Coordinator. notifier receives saves that failed after every retry and
// may be nil.
func New(backend Backend, pol *policy.Policy, notifier persist.Notifier, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Update.Clock == nil {
		opts.Update.Clock = opts.Clock
	}
	if opts.Persist.Clock == nil {
		opts.Persist.Clock = opts.Clock
	}
	if opts.Channel.Clock == nil {
		opts.Channel.Clock = opts.Clock
	}
	if opts.Channel.Filter == nil {
		opts.Channel.Filter = func(b domain.BoardID) []domain.BoardID {
			pair, err := pol.PairOf(b)
			if err != nil {
				return []domain.BoardID{b}
			}
			return pair.Boards()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		backend:    backend,
		policy:     pol,
		persist:    persist.New(backend, pol, notifier, opts.Persist),
		channels:   channel.New(backend, opts.Channel),
		activity:   bus.New[domain.PairID, Activity](0),
		active:     NewActiveBoards(),
		clock:      opts.Clock,
		updateOpts: opts.Update,
		ctx:        ctx,
		cancel:     cancel,
		boards:     make(map[domain.BoardID]*mountedBoard),
	}
}

// Mount binds c to board: the latest stored state is loaded, the save key reset and the
// board subscribed to its pair's feed. A previous mount of board is torn down first.
// Load and subscribe failures are logged; the board stays usable with local state.
func (co *Coordinator) Mount(ctx context.Context, board domain.BoardID, c canvas.Canvas) error {
	if c == nil {
		return fmt.Errorf("whiteboard.Coordinator.Mount: %s: %w", board, ErrNilCanvas)
	}
	pair, err := co.policy.PairOf(board)
	if err != nil {
		return fmt.Errorf("whiteboard.Coordinator.Mount: %w", err)
	}
	if co.isClosed() {
		return fmt.Errorf("whiteboard.Coordinator.Mount: %w", ErrClosed)
	}

	co.Unmount(board)

	opts := co.updateOpts
	opts.OnMerge = func(ev update.MergeEvent) { co.merged(pair.ID, ev) }
	mb := &mountedBoard{
		id:      board,
		pair:    pair.ID,
		canvas:  c,
		updates: update.NewManager(board, c, opts),
	}

	if _, loadErr := co.load(ctx, mb); loadErr != nil {
		log.Warn().Err(loadErr).Str("board", board.String()).Msg("whiteboard: initial load failed, keeping local state")
	}
	co.persist.SetInitialState(c, board)

	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		mb.updates.Cleanup()
		return fmt.Errorf("whiteboard.Coordinator.Mount: %w", ErrClosed)
	}
	old := co.boards[board]
	co.boards[board] = mb
	co.mu.Unlock()
	if old != nil {
		// Lost a race with a concurrent Mount of the same board.
		old.updates.Cleanup()
	}

	if err := co.Subscribe(ctx, board); err != nil {
		log.Warn().Err(err).Str("board", board.String()).Msg("whiteboard: subscribe failed, realtime updates paused")
	}

	co.publish(Activity{Kind: ActivityMounted, Pair: pair.ID, Board: board})
	log.Info().Str("board", board.String()).Str("pair", string(pair.ID)).Msg("whiteboard: board mounted")
	return nil
}

// Unmount tears board down: its subscription, pending saves, timers and queued merges are
// dropped. It reports whether board was mounted.
func (co *Coordinator) Unmount(board domain.BoardID) bool {
	co.mu.Lock()
	mb, ok := co.boards[board]
	delete(co.boards, board)
	co.mu.Unlock()
	if !ok {
		return false
	}

	co.channels.Unsubscribe(board)
	co.persist.Cancel(board)
	mb.updates.Cleanup()
	co.active.clearIf(board)

	co.publish(Activity{Kind: ActivityUnmounted, Pair: mb.pair, Board: board})
	log.Info().Str("board", board.String()).Msg("whiteboard: board unmounted")
	return true
}

// SaveState schedules a debounced save of board's canvas and, when the policy says so,
// of its paired board. It reports whether a write was scheduled.
func (co *Coordinator) SaveState(board domain.BoardID) bool {
	mb, err := co.mounted(board)
	if err != nil {
		log.Warn().Err(err).Str("board", board.String()).Msg("whiteboard: save ignored")
		return false
	}

	scheduled := co.persist.SaveState(mb.canvas, board)
	if scheduled {
		if target, ok := co.policy.Target(board); ok {
			log.Debug().Str("board", board.String()).Str("target", target.String()).Msg("whiteboard: save fans out")
		}
		co.publish(Activity{Kind: ActivitySaved, Pair: mb.pair, Board: board})
	}
	return scheduled
}

// ApplyRemoteSnapshot hands snap to board's update manager. An unmounted board yields
// update.VerdictUnmounted.
func (co *Coordinator) ApplyRemoteSnapshot(board domain.BoardID, snap domain.Snapshot) update.Verdict {
	mb, err := co.mounted(board)
	if err != nil {
		return update.VerdictUnmounted
	}
	return mb.updates.ApplyRemoteSnapshot(snap)
}

// Subscribe (re)subscribes a mounted board to its pair's change feed. Accepted inserts
// are applied as remote snapshots; deletes reload the board.
func (co *Coordinator) Subscribe(ctx context.Context, board domain.BoardID) error {
	if _, err := co.mounted(board); err != nil {
		return fmt.Errorf("whiteboard.Coordinator.Subscribe: %w", err)
	}

	_, err := co.channels.Subscribe(ctx, board,
		func(rec *domain.StateRecord) { co.receive(board, rec) },
		func(deleted domain.BoardID) { co.reload(board, deleted) },
	)
	if err != nil {
		return fmt.Errorf("whiteboard.Coordinator.Subscribe: %w", err)
	}
	return nil
}

// Unsubscribe stops realtime updates for board. Safe without a subscription.
func (co *Coordinator) Unsubscribe(board domain.BoardID) {
	co.channels.Unsubscribe(board)
}

// ClearAllData deletes every stored record. Subscribed boards reload through the
// resulting delete events.
func (co *Coordinator) ClearAllData(ctx context.Context) error {
	for _, board := range co.Mounted() {
		co.persist.Cancel(board)
	}
	if err := co.backend.DeleteAll(ctx); err != nil {
		return fmt.Errorf("whiteboard.Coordinator.ClearAllData: %w", err)
	}

	for _, ps := range co.policy.Pairs() {
		co.publish(Activity{Kind: ActivityCleared, Pair: ps.Pair.ID})
	}
	log.Info().Msg("whiteboard: all board data cleared")
	return nil
}

// SetSyncMode persists and applies a pair's sync mode.
func (co *Coordinator) SetSyncMode(ctx context.Context, pair domain.PairID, mode policy.Mode) error {
	if err := co.policy.SetMode(ctx, pair, mode); err != nil {
		return fmt.Errorf("whiteboard.Coordinator.SetSyncMode: %w", err)
	}
	co.publish(Activity{Kind: ActivityModeChanged, Pair: pair, Mode: string(mode)})
	return nil
}

// ToggleSyncForPair flips a pair's two-way enable flag and returns the new value.
func (co *Coordinator) ToggleSyncForPair(ctx context.Context, pair domain.PairID) (bool, error) {
	on, err := co.policy.Toggle(ctx, pair)
	if err != nil {
		return false, fmt.Errorf("whiteboard.Coordinator.ToggleSyncForPair: %w", err)
	}
	co.publish(Activity{Kind: ActivityToggled, Pair: pair, Enabled: &on})
	return on, nil
}

// Snapshot serializes board's canvas.
func (co *Coordinator) Snapshot(board domain.BoardID) (domain.Snapshot, error) {
	mb, err := co.mounted(board)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("whiteboard.Coordinator.Snapshot: %w", err)
	}
	return mb.canvas.Snapshot(), nil
}

// Replace applies a local edit: board's canvas content becomes snap and a save is
// scheduled. It reports whether a write was scheduled.
func (co *Coordinator) Replace(_ context.Context, board domain.BoardID, snap domain.Snapshot) (bool, error) {
	mb, err := co.mounted(board)
	if err != nil {
		return false, fmt.Errorf("whiteboard.Coordinator.Replace: %w", err)
	}
	if !snap.HasObjects() {
		return false, fmt.Errorf("whiteboard.Coordinator.Replace: %s: %w", board, domain.ErrMalformedSnapshot)
	}
	if err := mb.updates.Reload(snap); err != nil {
		return false, fmt.Errorf("whiteboard.Coordinator.Replace: %s: %w", board, err)
	}
	return co.SaveState(board), nil
}

// Pairs returns every pair with its current policy settings.
func (co *Coordinator) Pairs() []policy.PairState {
	return co.policy.Pairs()
}

// PairOf returns the pair board belongs to.
func (co *Coordinator) PairOf(board domain.BoardID) (domain.Pair, error) {
	return co.policy.PairOf(board)
}

// Boards returns every configured board.
func (co *Coordinator) Boards() []domain.BoardID {
	return co.policy.Boards()
}

// Mounted returns the mounted boards, sorted.
func (co *Coordinator) Mounted() []domain.BoardID {
	co.mu.RLock()
	boards := make([]domain.BoardID, 0, len(co.boards))
	for id := range co.boards {
		boards = append(boards, id)
	}
	co.mu.RUnlock()
	slices.Sort(boards)
	return boards
}

// IsMounted reports whether board is mounted.
func (co *Coordinator) IsMounted(board domain.BoardID) bool {
	_, err := co.mounted(board)
	return err == nil
}

// Stats returns board's update counters.
func (co *Coordinator) Stats(board domain.BoardID) (update.Stats, error) {
	mb, err := co.mounted(board)
	if err != nil {
		return update.Stats{}, fmt.Errorf("whiteboard.Coordinator.Stats: %w", err)
	}
	return mb.updates.Stats(), nil
}

// PersistStats returns the save counters.
func (co *Coordinator) PersistStats() persist.Stats {
	return co.persist.Stats()
}

// Active returns the focused-board registry.
func (co *Coordinator) Active() *ActiveBoards {
	return co.active
}

// Activity streams pair's activity until ctx ends or cancel is called.
func (co *Coordinator) Activity(ctx context.Context, pair domain.PairID) (<-chan Activity, func()) {
	return co.activity.Subscribe(ctx, pair)
}

// Flush writes every pending save now.
func (co *Coordinator) Flush(ctx context.Context) error {
	if err := co.persist.Flush(ctx); err != nil {
		return fmt.Errorf("whiteboard.Coordinator.Flush: %w", err)
	}
	return nil
}

// Close flushes pending saves and unmounts every board. It is safe to call more than once.
func (co *Coordinator) Close(ctx context.Context) error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return nil
	}
	co.closed = true
	co.mu.Unlock()

	flushErr := co.persist.Flush(ctx)

	for _, board := range co.Mounted() {
		co.Unmount(board)
	}
	co.channels.UnsubscribeAll()
	co.persist.Close()
	co.cancel()
	co.activity.Close()
	co.active.close()

	if flushErr != nil {
		return fmt.Errorf("whiteboard.Coordinator.Close: %w", flushErr)
	}
	return nil
}

func (co *Coordinator) isClosed() bool {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.closed
}

func (co *Coordinator) mounted(board domain.BoardID) (*mountedBoard, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	mb, ok := co.boards[board]
	if !ok {
		return nil, fmt.Errorf("%s: %w", board, ErrNotMounted)
	}
	return mb, nil
}

// latest reads the newest record addressed to board. It reports whether one was found.
func (co *Coordinator) latest(ctx context.Context, board domain.BoardID) (domain.Snapshot, bool, error) {
	rec, err := co.backend.Latest(ctx, board)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Snapshot{}, false, nil
	case err != nil:
		return domain.Snapshot{}, false, fmt.Errorf("whiteboard.Coordinator.latest: %s: %w", board, err)
	}

	snap, err := rec.Snapshot()
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("whiteboard.Coordinator.latest: %s: record %s: %w", board, rec.ID, err)
	}
	return snap, true, nil
}

// load replaces mb's canvas with the newest record addressed to it through the board's
// update manager. It reports whether a record was found.
func (co *Coordinator) load(ctx context.Context, mb *mountedBoard) (bool, error) {
	snap, found, err := co.latest(ctx, mb.id)
	if err != nil || !found {
		return false, err
	}
	if err := mb.updates.Reload(snap); err != nil {
		return false, fmt.Errorf("whiteboard.Coordinator.load: %w", err)
	}
	return true, nil
}

// receive applies a record delivered by board's subscription when the policy accepts it.
func (co *Coordinator) receive(board domain.BoardID, rec *domain.StateRecord) {
	mb, err := co.mounted(board)
	if err != nil {
		return
	}
	if !co.policy.Accept(board, rec.SourceBoard, rec.BoardID) {
		log.Debug().Str("board", board.String()).Str("source", rec.SourceBoard.String()).
			Str("addressed", rec.BoardID.String()).Msg("whiteboard: record not accepted")
		return
	}

	snap, err := rec.Snapshot()
	if err != nil {
		log.Warn().Err(err).Str("board", board.String()).Str("record", rec.ID).Msg("whiteboard: undecodable record")
		return
	}

	v := mb.updates.ApplyRemoteSnapshot(snap)
	co.publish(Activity{
		Kind:    ActivityReceived,
		Pair:    mb.pair,
		Board:   board,
		Source:  rec.SourceBoard,
		Verdict: v.String(),
	})
}

// reload rebuilds board from the store after records were deleted. With nothing left the
// board is emptied.
func (co *Coordinator) reload(board, deleted domain.BoardID) {
	mb, err := co.mounted(board)
	if err != nil {
		return
	}

	found, err := co.load(co.ctx, mb)
	if err != nil {
		log.Warn().Err(err).Str("board", board.String()).Msg("whiteboard: reload failed, keeping local state")
		return
	}
	if !found {
		empty := domain.Snapshot{Objects: []domain.Shape{}}
		if err := mb.updates.Reload(empty); err != nil {
			log.Warn().Err(err).Str("board", board.String()).Msg("whiteboard: clearing board failed")
			return
		}
	}
	co.persist.SetInitialState(mb.canvas, board)

	co.publish(Activity{Kind: ActivityReloaded, Pair: mb.pair, Board: board, Source: deleted})
	log.Info().Str("board", board.String()).Str("deleted", deleted.String()).Bool("found", found).
		Msg("whiteboard: board reloaded")
}

func (co *Coordinator) merged(pair domain.PairID, ev update.MergeEvent) {
	act := Activity{Kind: ActivityMerged, Pair: pair, Board: ev.Board}
	if ev.Fallback {
		act.Kind = ActivityReloaded
	}
	if ev.Err != nil {
		act.Error = ev.Err.Error()
	}
	co.publish(act)
}

func (co *Coordinator) publish(a Activity) {
	a.At = co.clock.Now()
	co.activity.Publish(a.Pair, a)
}
