package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/channel"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/store/memory"
)

type recorder struct {
	mu      sync.Mutex
	updates []*domain.StateRecord
	deletes []domain.BoardID
}

func (r *recorder) onUpdate(rec *domain.StateRecord) {
	r.mu.Lock()
	r.updates = append(r.updates, rec)
	r.mu.Unlock()
}

func (r *recorder) onDelete(board domain.BoardID) {
	r.mu.Lock()
	r.deletes = append(r.deletes, board)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.deletes)
}

func insert(board, source domain.BoardID) domain.ChangeEvent {
	return domain.ChangeEvent{
		Type:    domain.EventInsert,
		BoardID: board,
		Record: &domain.StateRecord{
			ID:          "rec-" + string(board),
			BoardID:     board,
			SourceBoard: source,
			Data:        json.RawMessage(`{"objects":[]}`),
		},
	}
}

// flakyFeed wraps a memory feed and lets a test drop live subscriptions.
type flakyFeed struct {
	*memory.Feed

	mu       sync.Mutex
	cleanups []func()
	calls    int
	failNext int
}

func (f *flakyFeed) Subscribe(ctx context.Context, boards []domain.BoardID) (<-chan domain.ChangeEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, nil, errors.New("feed unavailable")
	}
	ch, cleanup, err := f.Feed.Subscribe(ctx, boards)
	if err == nil {
		f.cleanups = append(f.cleanups, cleanup)
	}
	return ch, cleanup, err
}

func (f *flakyFeed) drop() {
	f.mu.Lock()
	cleanups := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()
	for _, c := range cleanups {
		c()
	}
}

func (f *flakyFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPairFilter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []domain.BoardID{"teacher-1", "student-1"}, channel.PairFilter("teacher-1"))
	assert.Equal(t, []domain.BoardID{"student-3", "teacher-3"}, channel.PairFilter("student-3"))
	assert.Equal(t, []domain.BoardID{"bogus"}, channel.PairFilter("bogus"))
}

func TestSubscribeDeliversPairEvents(t *testing.T) {
	t.Parallel()

	feed := memory.NewFeed()
	m := channel.New(feed, channel.Options{})
	t.Cleanup(m.UnsubscribeAll)

	var rec recorder
	h, err := m.Subscribe(t.Context(), "student-1", rec.onUpdate, rec.onDelete)
	require.NoError(t, err)
	assert.True(t, h.Active())
	assert.True(t, m.Active("student-1"))
	assert.Equal(t, []domain.BoardID{"student-1", "teacher-1"}, h.Boards)

	ctx := t.Context()
	require.NoError(t, feed.Publish(ctx, insert("student-1", "teacher-1")))
	require.NoError(t, feed.Publish(ctx, insert("teacher-1", "teacher-1")))
	require.NoError(t, feed.Publish(ctx, insert("student-2", "teacher-2")))
	require.NoError(t, feed.Publish(ctx, domain.ChangeEvent{Type: domain.EventDelete, BoardID: "student-1"}))

	require.Eventually(t, func() bool {
		u, d := rec.counts()
		return u == 2 && d == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, domain.BoardID("student-1"), rec.updates[0].BoardID)
	assert.Equal(t, domain.BoardID("teacher-1"), rec.updates[1].BoardID)
	assert.Equal(t, []domain.BoardID{"student-1"}, rec.deletes)
}

func TestResubscribeReplacesPrevious(t *testing.T) {
	t.Parallel()

	feed := memory.NewFeed()
	m := channel.New(feed, channel.Options{})
	t.Cleanup(m.UnsubscribeAll)

	var first, second recorder
	h1, err := m.Subscribe(t.Context(), "teacher-2", first.onUpdate, first.onDelete)
	require.NoError(t, err)
	h2, err := m.Subscribe(t.Context(), "teacher-2", second.onUpdate, second.onDelete)
	require.NoError(t, err)

	assert.False(t, h1.Active())
	assert.True(t, h2.Active())

	select {
	case <-h1.Done():
	case <-time.After(time.Second):
		t.Fatal("previous subscription did not stop")
	}
	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Publish(t.Context(), insert("teacher-2", "teacher-2")))
	require.Eventually(t, func() bool {
		u, _ := second.counts()
		return u == 1
	}, time.Second, 5*time.Millisecond)

	u, d := first.counts()
	assert.Zero(t, u)
	assert.Zero(t, d)
}

func TestUnsubscribeDropsLateEvents(t *testing.T) {
	t.Parallel()

	feed := memory.NewFeed()
	m := channel.New(feed, channel.Options{})

	var rec recorder
	h, err := m.Subscribe(t.Context(), "student-4", rec.onUpdate, rec.onDelete)
	require.NoError(t, err)

	m.Unsubscribe("student-4")
	assert.False(t, h.Active())
	assert.False(t, m.Active("student-4"))

	require.NoError(t, feed.Publish(t.Context(), insert("student-4", "teacher-4")))
	<-h.Done()

	u, d := rec.counts()
	assert.Zero(t, u)
	assert.Zero(t, d)
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	t.Parallel()

	m := channel.New(memory.NewFeed(), channel.Options{})
	assert.NotPanics(t, func() {
		m.Unsubscribe("teacher-1")
		m.UnsubscribeAll()
		m.UnsubscribeAll()
	})
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()

	feed := memory.NewFeed()
	m := channel.New(feed, channel.Options{})

	var rec recorder
	var handles []*channel.Handle
	for _, b := range []domain.BoardID{"teacher-1", "student-1", "teacher-2"} {
		h, err := m.Subscribe(t.Context(), b, rec.onUpdate, rec.onDelete)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	m.UnsubscribeAll()
	for _, h := range handles {
		assert.False(t, h.Active())
		<-h.Done()
	}
	assert.False(t, m.Active("teacher-1"))
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeError(t *testing.T) {
	t.Parallel()

	feed := &flakyFeed{Feed: memory.NewFeed(), failNext: 1}
	m := channel.New(feed, channel.Options{})

	var rec recorder
	h, err := m.Subscribe(t.Context(), "teacher-1", rec.onUpdate, rec.onDelete)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.False(t, m.Active("teacher-1"))
}

func TestDroppedFeedIsResubscribed(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	feed := &flakyFeed{Feed: memory.NewFeed()}
	m := channel.New(feed, channel.Options{
		Clock:      clock,
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 400 * time.Millisecond,
	})
	t.Cleanup(m.UnsubscribeAll)

	var rec recorder
	_, err := m.Subscribe(t.Context(), "teacher-3", rec.onUpdate, rec.onDelete)
	require.NoError(t, err)
	require.Equal(t, 1, feed.subscribeCalls())

	// First retry fails, second succeeds.
	feed.mu.Lock()
	feed.failNext = 1
	feed.mu.Unlock()
	feed.drop()

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return feed.subscribeCalls() == 2 }, time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, feed.subscribeCalls())

	require.NoError(t, feed.Publish(t.Context(), insert("student-3", "teacher-3")))
	require.Eventually(t, func() bool {
		u, _ := rec.counts()
		return u == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandlerPanicDoesNotStopSubscription(t *testing.T) {
	t.Parallel()

	feed := memory.NewFeed()
	m := channel.New(feed, channel.Options{})
	t.Cleanup(m.UnsubscribeAll)

	var rec recorder
	calls := 0
	var mu sync.Mutex
	onUpdate := func(r *domain.StateRecord) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("boom")
		}
		rec.onUpdate(r)
	}

	_, err := m.Subscribe(t.Context(), "teacher-5", onUpdate, rec.onDelete)
	require.NoError(t, err)

	require.NoError(t, feed.Publish(t.Context(), insert("teacher-5", "teacher-5")))
	require.NoError(t, feed.Publish(t.Context(), insert("teacher-5", "teacher-5")))
	require.Eventually(t, func() bool {
		u, _ := rec.counts()
		return u == 1
	}, time.Second, 5*time.Millisecond)
}
