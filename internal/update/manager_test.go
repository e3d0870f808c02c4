package update_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/update"
)

const (
	frame   = 16 * time.Millisecond
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newManager(t *testing.T, c canvas.Canvas, opts update.Options) (*update.Manager, clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	opts.Clock = clock
	if opts.MaintenanceInterval == 0 {
		opts.MaintenanceInterval = -1
	}
	m := update.NewManager(domain.NewBoardID(domain.RoleStudent, 1), c, opts)
	t.Cleanup(m.Cleanup)
	return m, clock
}

func waitMerged(t *testing.T, m *update.Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Stats().Merged == n }, waitFor, tick)
}

func waitPending(t *testing.T, m *update.Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Stats().Pending }, waitFor, tick)
}

func objectIDs(c canvas.Canvas) []string {
	ids := make([]string, 0)
	for _, o := range c.Objects() {
		ids = append(ids, o.ID())
	}
	return ids
}

func TestManager_DuplicateSnapshotMergesOnce(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})
	snap := board(shape(t, "a", "rect", 1, 1))

	assert.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(snap))
	assert.Equal(t, update.VerdictDuplicate, m.ApplyRemoteSnapshot(snap))
	assert.Zero(t, c.Renders(), "merge must not run synchronously")

	clock.Advance(frame)
	waitMerged(t, m, 1)

	assert.Equal(t, []string{"a"}, objectIDs(c))
	assert.Equal(t, 1, c.Renders())

	// Past the duplicate window the processed set still suppresses it.
	clock.Advance(update.DuplicateWindow)
	assert.Equal(t, update.VerdictProcessed, m.ApplyRemoteSnapshot(snap))
	assert.Equal(t, 1, m.Stats().Merged)
}

func TestManager_RejectsMalformed(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, _ := newManager(t, c, update.Options{})

	assert.Equal(t, update.VerdictMalformed, m.ApplyRemoteSnapshot(domain.Snapshot{Background: "#fff"}))
	assert.Equal(t, 1, m.Stats().Verdicts[update.VerdictMalformed])
	assert.False(t, m.Stats().Pending)
}

func TestManager_ThrottledUpdateReplaysAfterMerge(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	require.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(board(shape(t, "b", "rect", 2, 2))))

	clock.Advance(frame)
	waitMerged(t, m, 1)
	assert.Equal(t, []string{"a"}, objectIDs(c))

	// The finished merge schedules the replay.
	clock.BlockUntil(1)
	clock.Advance(300 * time.Millisecond)
	waitPending(t, m)

	clock.BlockUntil(1)
	clock.Advance(frame)
	waitMerged(t, m, 2)

	assert.Equal(t, []string{"b"}, objectIDs(c))
	assert.Zero(t, m.Stats().Queued)
}

func TestManager_ThrottledWhileIdleDrainsAfterSpacing(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	clock.Advance(frame)
	waitMerged(t, m, 1)

	require.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(board(shape(t, "b", "rect", 2, 2))))

	clock.Advance(300 * time.Millisecond)
	waitPending(t, m)

	clock.BlockUntil(1)
	clock.Advance(frame)
	waitMerged(t, m, 2)
	assert.Equal(t, []string{"b"}, objectIDs(c))
}

func TestManager_QueueKeepsNewestWhileMergeInFlight(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, _ := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "s0", "rect", 0, 0))))

	var hashes []string
	for i := 1; i <= 5; i++ {
		snap := board(shape(t, "s"+strconv.Itoa(i), "rect", float64(i), 0))
		hashes = append(hashes, update.Fingerprint(snap))
		assert.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(snap))
	}

	stats := m.Stats()
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 2, stats.Dropped)
	assert.Equal(t, hashes[2:], m.QueuedHashes())
}

func TestManager_AdmittedWhilePendingMergesNext(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{FrameDelay: time.Second})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))

	// Past the spacing rule but before the first frame.
	clock.Advance(400 * time.Millisecond)
	require.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(board(shape(t, "b", "rect", 2, 2))))

	clock.Advance(600 * time.Millisecond)
	waitMerged(t, m, 1)
	assert.Equal(t, []string{"a"}, objectIDs(c))

	clock.BlockUntil(1)
	clock.Advance(300 * time.Millisecond)
	waitPending(t, m)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitMerged(t, m, 2)
	assert.Equal(t, []string{"b"}, objectIDs(c))
}

func TestManager_StructurallyEqualIsUnchanged(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(pathShape(t, "p", "M 0 0 L 1 1"))))
	clock.Advance(frame)
	waitMerged(t, m, 1)

	clock.Advance(time.Second)
	assert.Equal(t, update.VerdictUnchanged, m.ApplyRemoteSnapshot(board(pathShape(t, "p", "M 5 5 L 1 1"))))
	assert.False(t, m.Stats().Pending)
}

func TestManager_VolumeDegradation(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, _ := newManager(t, c, update.Options{})

	verdicts := make(map[update.Verdict]int)
	for i := 1; i <= 120; i++ {
		v := m.ApplyRemoteSnapshot(board(shape(t, "s"+strconv.Itoa(i), "rect", float64(i), 0)))
		verdicts[v]++
		if i <= 60 {
			assert.NotEqual(t, update.VerdictRateLimited, v, "update %d", i)
		}
	}

	assert.Equal(t, 30, verdicts[update.VerdictRateLimited])
	assert.Equal(t, 120, m.Stats().Received)
}

func TestManager_CleanupStopsEverything(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	require.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(board(shape(t, "b", "rect", 1, 1))))

	m.Cleanup()
	m.Cleanup()

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return c.Renders() > 0 }, 50*time.Millisecond, tick)
	assert.Empty(t, c.Objects())

	assert.Equal(t, update.VerdictUnmounted, m.ApplyRemoteSnapshot(board(shape(t, "c", "rect", 1, 1))))
	assert.Zero(t, m.Stats().Queued)
}

func TestManager_CleanupStopsMaintenance(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{MaintenanceInterval: time.Minute})

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	done := make(chan struct{})
	go func() {
		m.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("cleanup did not stop the maintenance loop")
	}
}

// flakyCanvas panics on the first Objects call, failing the incremental merge once.
type flakyCanvas struct {
	*canvas.Memory
	tripped atomic.Bool
}

func (f *flakyCanvas) Objects() []canvas.Object {
	if f.tripped.CompareAndSwap(false, true) {
		panic("canvas detached")
	}
	return f.Memory.Objects()
}

func TestManager_FallsBackToFullReload(t *testing.T) {
	t.Parallel()

	c := &flakyCanvas{Memory: canvas.NewMemory()}

	var (
		mu     sync.Mutex
		events []update.MergeEvent
	)
	m, clock := newManager(t, c, update.Options{OnMerge: func(ev update.MergeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	clock.Advance(frame)
	waitMerged(t, m, 1)

	assert.Equal(t, 1, m.Stats().Fallbacks)
	assert.Zero(t, m.Stats().Failed)

	objs := c.Memory.Objects()
	require.Len(t, objs, 1)
	for _, flag := range domain.InteractiveFlags {
		v, ok := objs[0].Get(flag)
		require.True(t, ok, flag)
		assert.JSONEq(t, "true", string(v), flag)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.True(t, events[0].Fallback)
	assert.NoError(t, events[0].Err)
}

// brokenCanvas panics on every read and every full load.
type brokenCanvas struct {
	*canvas.Memory
}

func (brokenCanvas) Objects() []canvas.Object { panic("canvas detached") }

func (brokenCanvas) Load(context.Context, domain.Snapshot) error { panic("canvas detached") }

func TestManager_FailedFallbackIsContained(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []update.MergeEvent
	)
	m, clock := newManager(t, brokenCanvas{Memory: canvas.NewMemory()}, update.Options{OnMerge: func(ev update.MergeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	clock.Advance(frame)
	waitMerged(t, m, 1)

	st := m.Stats()
	assert.Equal(t, 1, st.Fallbacks)
	assert.Equal(t, 1, st.Failed)
	assert.False(t, st.Pending)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.ErrorContains(t, events[0].Err, "panic")
}

func TestManager_ReloadForgetsHistory(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})
	snap := board(shape(t, "a", "rect", 1, 1))

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(snap))
	clock.Advance(frame)
	waitMerged(t, m, 1)

	require.NoError(t, m.Reload(board()))
	assert.Empty(t, c.Objects())
	assert.Equal(t, 1, m.Stats().Reloads)

	// The same content arriving again after the reload is merged, not suppressed.
	assert.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(snap))
	clock.Advance(frame)
	waitMerged(t, m, 2)
	assert.Equal(t, []string{"a"}, objectIDs(c))
}

func TestManager_ReloadDropsScheduledMerge(t *testing.T) {
	t.Parallel()

	c := canvas.NewMemory()
	m, clock := newManager(t, c, update.Options{})

	require.Equal(t, update.VerdictScheduled, m.ApplyRemoteSnapshot(board(shape(t, "a", "rect", 1, 1))))
	require.Equal(t, update.VerdictQueued, m.ApplyRemoteSnapshot(board(shape(t, "b", "rect", 2, 2))))

	require.NoError(t, m.Reload(board(shape(t, "r", "rect", 5, 5))))
	st := m.Stats()
	assert.False(t, st.Pending)
	assert.Zero(t, st.Queued)

	clock.Advance(time.Second)
	assert.Never(t, func() bool { return m.Stats().Merged > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, []string{"r"}, objectIDs(c))

	// Reloaded content counts as applied.
	assert.Equal(t, update.VerdictUnchanged, m.ApplyRemoteSnapshot(board(shape(t, "r", "rect", 5, 5))))
}

func TestManager_ReloadErrors(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, canvas.NewMemory(), update.Options{})

	require.ErrorIs(t, m.Reload(domain.Snapshot{}), domain.ErrMalformedSnapshot)

	m.Cleanup()
	require.ErrorIs(t, m.Reload(board()), update.ErrClosed)
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "scheduled", update.VerdictScheduled.String())
	assert.Equal(t, "rate_limited", update.VerdictRateLimited.String())
	assert.Equal(t, "verdict(42)", update.Verdict(42).String())
}
