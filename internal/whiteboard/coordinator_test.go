package whiteboard_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/backend"
	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/persist"
	"github.com/gosuda/boardsync/internal/policy"
	"github.com/gosuda/boardsync/internal/store/memory"
	"github.com/gosuda/boardsync/internal/update"
	"github.com/gosuda/boardsync/internal/whiteboard"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	persistDebounce = persist.DefaultDebounce
)

type fixture struct {
	clock    clockwork.FakeClock
	repo     *memory.StateRepo
	settings *memory.Settings
	backend  *backend.Adapter
	policy   *policy.Policy
	co       *whiteboard.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pairs := domain.DefaultPairs(2)
	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		repo:     memory.NewStateRepo(),
		settings: memory.NewSettings(),
	}
	f.backend = backend.New(f.repo, memory.NewFeed(), domain.AllBoards(pairs))
	f.policy = policy.New(pairs, f.settings)
	f.co = whiteboard.New(f.backend, f.policy, nil, whiteboard.Options{
		Clock:  f.clock,
		Update: update.Options{MaintenanceInterval: -1},
	})
	t.Cleanup(func() { _ = f.co.Close(context.Background()) })
	return f
}

func shape(t *testing.T, id string, left float64) domain.Shape {
	t.Helper()

	s, err := domain.NewShape(id, "rect", map[string]any{"left": left, "top": 0})
	require.NoError(t, err)
	return s
}

func snapshot(shapes ...domain.Shape) domain.Snapshot {
	if shapes == nil {
		shapes = []domain.Shape{}
	}
	return domain.Snapshot{Objects: shapes}
}

func (f *fixture) store(t *testing.T, board domain.BoardID, snap domain.Snapshot) {
	t.Helper()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, f.repo.Insert(t.Context(), &domain.StateRecord{
		ID:          "seed-" + string(board),
		BoardID:     board,
		SourceBoard: board,
		Data:        data,
		CreatedAt:   f.clock.Now(),
	}))
}

func ids(snap domain.Snapshot) []string {
	return snap.IDs()
}

func TestMount_LoadsLatestState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store(t, "teacher-1", snapshot(shape(t, "a", 1), shape(t, "b", 2)))

	c := canvas.NewMemory()
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", c))

	assert.True(t, f.co.IsMounted("teacher-1"))
	assert.Equal(t, []domain.BoardID{"teacher-1"}, f.co.Mounted())

	snap, err := f.co.Snapshot("teacher-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(snap))
	for _, s := range snap.Objects {
		v, ok := s.Get("selectable")
		require.True(t, ok)
		assert.JSONEq(t, "true", string(v))
	}

	// Mounting loaded state, so saving it again is a no-op.
	assert.False(t, f.co.SaveState("teacher-1"))
}

func TestMount_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.co.Mount(t.Context(), "teacher-9", canvas.NewMemory())
	require.ErrorIs(t, err, domain.ErrUnknownBoard)

	err = f.co.Mount(t.Context(), "teacher-1", nil)
	require.ErrorIs(t, err, whiteboard.ErrNilCanvas)
}

func TestTeacherEditReachesStudent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	teacher, student := canvas.NewMemory(), canvas.NewMemory()
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", teacher))
	require.NoError(t, f.co.Mount(t.Context(), "student-1", student))

	scheduled, err := f.co.Replace(t.Context(), "teacher-1", snapshot(shape(t, "s1", 10)))
	require.NoError(t, err)
	require.True(t, scheduled)

	f.clock.Advance(persistDebounce)
	require.Eventually(t, func() bool { return f.repo.Len() == 2 }, waitFor, tick)

	rec, err := f.repo.Latest(t.Context(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BoardID("teacher-1"), rec.SourceBoard)

	require.Eventually(t, func() bool {
		st, err := f.co.Stats("student-1")
		return err == nil && st.Verdicts[update.VerdictScheduled] == 1
	}, waitFor, tick)

	f.clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		snap, err := f.co.Snapshot("student-1")
		return err == nil && len(snap.Objects) == 1
	}, waitFor, tick)

	snap, err := f.co.Snapshot("student-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(snap))

	// The teacher never applies its own write.
	st, err := f.co.Stats("teacher-1")
	require.NoError(t, err)
	assert.Zero(t, st.Received)
}

func TestStudentEditStaysLocalInOneWayMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", canvas.NewMemory()))
	require.NoError(t, f.co.Mount(t.Context(), "student-1", canvas.NewMemory()))

	_, err := f.co.Replace(t.Context(), "student-1", snapshot(shape(t, "mine", 1)))
	require.NoError(t, err)

	f.clock.Advance(persistDebounce)
	require.Eventually(t, func() bool { return f.repo.Len() == 1 }, waitFor, tick)

	_, err = f.repo.Latest(t.Context(), "teacher-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	snap, err := f.co.Snapshot("teacher-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Objects)
}

func TestClearAllDataReloadsBoards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store(t, "student-2", snapshot(shape(t, "x", 1)))
	require.NoError(t, f.co.Mount(t.Context(), "student-2", canvas.NewMemory()))

	snap, err := f.co.Snapshot("student-2")
	require.NoError(t, err)
	require.Len(t, snap.Objects, 1)

	require.NoError(t, f.co.ClearAllData(t.Context()))
	assert.Zero(t, f.repo.Len())

	require.Eventually(t, func() bool {
		snap, err := f.co.Snapshot("student-2")
		return err == nil && len(snap.Objects) == 0
	}, waitFor, tick)
}

func TestUnmount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "teacher-2", canvas.NewMemory()))
	f.co.Active().Set("teacher-2")

	assert.True(t, f.co.Unmount("teacher-2"))
	assert.False(t, f.co.Unmount("teacher-2"))
	assert.Empty(t, f.co.Active().Get())

	assert.Equal(t, update.VerdictUnmounted, f.co.ApplyRemoteSnapshot("teacher-2", snapshot(shape(t, "a", 1))))
	assert.False(t, f.co.SaveState("teacher-2"))

	_, err := f.co.Snapshot("teacher-2")
	require.ErrorIs(t, err, whiteboard.ErrNotMounted)
	require.ErrorIs(t, f.co.Subscribe(t.Context(), "teacher-2"), whiteboard.ErrNotMounted)
	assert.NotPanics(t, func() { f.co.Unsubscribe("teacher-2") })
}

func TestUnmountCancelsPendingSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "student-1", canvas.NewMemory()))

	_, err := f.co.Replace(t.Context(), "student-1", snapshot(shape(t, "a", 1)))
	require.NoError(t, err)
	f.co.Unmount("student-1")

	f.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.repo.Len())
}

func TestApplyRemoteSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := canvas.NewMemory()
	require.NoError(t, f.co.Mount(t.Context(), "student-1", c))

	assert.Equal(t, update.VerdictMalformed, f.co.ApplyRemoteSnapshot("student-1", domain.Snapshot{}))
	assert.Equal(t, update.VerdictScheduled, f.co.ApplyRemoteSnapshot("student-1", snapshot(shape(t, "r", 3))))

	f.clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Objects()) == 1 }, waitFor, tick)
}

func TestReplaceRejectsMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", canvas.NewMemory()))

	_, err := f.co.Replace(t.Context(), "teacher-1", domain.Snapshot{})
	require.ErrorIs(t, err, domain.ErrMalformedSnapshot)

	_, err = f.co.Replace(t.Context(), "student-2", snapshot())
	require.ErrorIs(t, err, whiteboard.ErrNotMounted)
}

func TestPairSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	events, cancel := f.co.Activity(t.Context(), "pair-1")
	defer cancel()

	require.NoError(t, f.co.SetSyncMode(t.Context(), "pair-1", policy.ModeTwoWay))
	on, err := f.co.ToggleSyncForPair(t.Context(), "pair-1")
	require.NoError(t, err)
	assert.True(t, on)

	mode, ok, err := f.settings.Get(t.Context(), policy.ModeKey("pair-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(policy.ModeTwoWay), mode)

	first := <-events
	assert.Equal(t, whiteboard.ActivityModeChanged, first.Kind)
	assert.Equal(t, "two-way", first.Mode)
	second := <-events
	assert.Equal(t, whiteboard.ActivityToggled, second.Kind)
	require.NotNil(t, second.Enabled)
	assert.True(t, *second.Enabled)

	states := f.co.Pairs()
	require.Len(t, states, 2)
	assert.Equal(t, policy.ModeTwoWay, states[0].Mode)
	assert.True(t, states[0].Enabled)

	require.ErrorIs(t, f.co.SetSyncMode(t.Context(), "pair-7", policy.ModeOff), domain.ErrUnknownPair)
	_, err = f.co.ToggleSyncForPair(t.Context(), "pair-7")
	require.ErrorIs(t, err, domain.ErrUnknownPair)
}

func TestTwoWayStudentEditReachesTeacher(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.SetSyncMode(t.Context(), "pair-2", policy.ModeTwoWay))
	_, err := f.co.ToggleSyncForPair(t.Context(), "pair-2")
	require.NoError(t, err)

	teacher := canvas.NewMemory()
	require.NoError(t, f.co.Mount(t.Context(), "teacher-2", teacher))
	require.NoError(t, f.co.Mount(t.Context(), "student-2", canvas.NewMemory()))

	_, err = f.co.Replace(t.Context(), "student-2", snapshot(shape(t, "answer", 5)))
	require.NoError(t, err)

	f.clock.Advance(persistDebounce)
	require.Eventually(t, func() bool { return f.repo.Len() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		st, err := f.co.Stats("teacher-2")
		return err == nil && st.Verdicts[update.VerdictScheduled] == 1
	}, waitFor, tick)

	f.clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return len(teacher.Objects()) == 1 }, waitFor, tick)
}

func TestActivityStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	events, cancel := f.co.Activity(t.Context(), "pair-2")
	defer cancel()

	require.NoError(t, f.co.Mount(t.Context(), "teacher-2", canvas.NewMemory()))
	ev := <-events
	assert.Equal(t, whiteboard.ActivityMounted, ev.Kind)
	assert.Equal(t, domain.BoardID("teacher-2"), ev.Board)
	assert.Equal(t, f.clock.Now(), ev.At)

	f.co.Unmount("teacher-2")
	ev = <-events
	assert.Equal(t, whiteboard.ActivityUnmounted, ev.Kind)
}

func TestCloseFlushesPendingSaves(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", canvas.NewMemory()))
	_, err := f.co.Replace(t.Context(), "teacher-1", snapshot(shape(t, "keep", 1)))
	require.NoError(t, err)

	require.NoError(t, f.co.Close(t.Context()))
	assert.Equal(t, 2, f.repo.Len())
	assert.Empty(t, f.co.Mounted())

	require.ErrorIs(t, f.co.Mount(t.Context(), "teacher-1", canvas.NewMemory()), whiteboard.ErrClosed)
	require.NoError(t, f.co.Close(t.Context()))
}

func TestClearThenRestoreSameContentReachesStudent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.co.Mount(t.Context(), "teacher-1", canvas.NewMemory()))
	require.NoError(t, f.co.Mount(t.Context(), "student-1", canvas.NewMemory()))

	studentObjects := func() int {
		snap, err := f.co.Snapshot("student-1")
		require.NoError(t, err)
		return len(snap.Objects)
	}
	studentStats := func() update.Stats {
		st, err := f.co.Stats("student-1")
		require.NoError(t, err)
		return st
	}

	_, err := f.co.Replace(t.Context(), "teacher-1", snapshot(shape(t, "s1", 10)))
	require.NoError(t, err)
	f.clock.Advance(persistDebounce)
	require.Eventually(t, func() bool { return studentStats().Verdicts[update.VerdictScheduled] == 1 }, waitFor, tick)
	f.clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return studentObjects() == 1 }, waitFor, tick)

	// Both pair members announce a delete, so each board reloads twice. The teacher's
	// first reload was its own Replace.
	require.NoError(t, f.co.ClearAllData(t.Context()))
	require.Eventually(t, func() bool { return studentStats().Reloads == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		st, err := f.co.Stats("teacher-1")
		return err == nil && st.Reloads == 3
	}, waitFor, tick)
	assert.Zero(t, studentObjects())

	f.clock.Advance(10 * time.Second)
	scheduled, err := f.co.Replace(t.Context(), "teacher-1", snapshot(shape(t, "s1", 10)))
	require.NoError(t, err)
	require.True(t, scheduled)

	f.clock.Advance(persistDebounce)
	require.Eventually(t, func() bool { return studentStats().Verdicts[update.VerdictScheduled] == 2 }, waitFor, tick)
	f.clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return studentObjects() == 1 }, waitFor, tick)
	assert.Zero(t, studentStats().Verdicts[update.VerdictProcessed])
}

func TestDeleteReloadDropsScheduledMerge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := canvas.NewMemory()
	require.NoError(t, f.co.Mount(t.Context(), "student-2", c))

	require.Equal(t, update.VerdictScheduled, f.co.ApplyRemoteSnapshot("student-2", snapshot(shape(t, "stale", 1))))
	require.NoError(t, f.co.ClearAllData(t.Context()))
	require.Eventually(t, func() bool {
		st, err := f.co.Stats("student-2")
		return err == nil && st.Reloads == 2 && !st.Pending
	}, waitFor, tick)

	f.clock.Advance(time.Second)
	assert.Never(t, func() bool { return len(c.Objects()) > 0 }, 50*time.Millisecond, tick)

	st, err := f.co.Stats("student-2")
	require.NoError(t, err)
	assert.Zero(t, st.Merged)
}
