// Package channel owns the realtime change-feed subscriptions of mounted boards: at
// most one per board, filtered to the board's pair, re-established when the feed drops.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// UpdateFunc receives an inserted record for the subscribed board's pair.
type UpdateFunc func(rec *domain.StateRecord)

// DeleteFunc is called when records of board were deleted; the subscriber reloads.
type DeleteFunc func(board domain.BoardID)

// Filter returns the boards whose events a subscription for board receives.
type Filter func(board domain.BoardID) []domain.BoardID

// PairFilter matches the board and its paired board.
func PairFilter(board domain.BoardID) []domain.BoardID {
	if paired := board.Paired(); paired != "" {
		return []domain.BoardID{board, paired}
	}
	return []domain.BoardID{board}
}

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	Clock      clockwork.Clock
	Filter     Filter
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Handle is one live subscription.
type Handle struct {
	Board  domain.BoardID
	Boards []domain.BoardID // feed filter

	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Active reports whether the subscription still delivers events.
func (h *Handle) Active() bool { return h.active.Load() }

// Done is closed when the subscription goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Manager keeps the per-board subscriptions.
type Manager struct {
	feed domain.Feed
	opts Options

	mu   sync.Mutex
	subs map[domain.BoardID]*Handle
}

func New(feed domain.Feed, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Filter == nil {
		opts.Filter = PairFilter
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &Manager{
		feed: feed,
		opts: opts,
		subs: make(map[domain.BoardID]*Handle),
	}
}

// Subscribe starts delivering events for board's pair. A previous subscription for board
// is torn down first. ctx bounds only the initial feed subscription; the subscription
// lives until Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, board domain.BoardID, onUpdate UpdateFunc, onDelete DeleteFunc) (*Handle, error) {
	m.Unsubscribe(board)

	boards := m.opts.Filter(board)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ch, cleanup, err := m.feed.Subscribe(subCtx, boards)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("channel.Manager.Subscribe: %s: %w", board, err)
	}

	h := &Handle{Board: board, Boards: boards, cancel: cancel, done: make(chan struct{})}
	h.active.Store(true)

	m.mu.Lock()
	if old, ok := m.subs[board]; ok {
		// A concurrent Subscribe for the same board won the race; replace it.
		old.stop()
	}
	m.subs[board] = h
	m.mu.Unlock()

	go m.pump(subCtx, h, ch, cleanup, onUpdate, onDelete)

	log.Debug().Str("board", board.String()).Int("filter", len(boards)).Msg("channel: subscribed")
	return h, nil
}

// Unsubscribe tears down board's subscription. It is a no-op without one.
func (m *Manager) Unsubscribe(board domain.BoardID) {
	m.mu.Lock()
	h, ok := m.subs[board]
	if ok {
		delete(m.subs, board)
	}
	m.mu.Unlock()

	if ok {
		h.stop()
		log.Debug().Str("board", board.String()).Msg("channel: unsubscribed")
	}
}

// UnsubscribeAll tears down every subscription.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[domain.BoardID]*Handle)
	m.mu.Unlock()

	for _, h := range subs {
		h.stop()
	}
}

// Active reports whether board has a live subscription.
func (m *Manager) Active(board domain.BoardID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[board]
	return ok
}

func (h *Handle) stop() {
	h.active.Store(false)
	h.cancel()
}

func (m *Manager) pump(ctx context.Context, h *Handle, ch <-chan domain.ChangeEvent, cleanup func(),
	onUpdate UpdateFunc, onDelete DeleteFunc) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			cleanup()
			return
		case ev, ok := <-ch:
			if !ok {
				cleanup()
				ch, cleanup, ok = m.resubscribe(ctx, h)
				if !ok {
					return
				}
				continue
			}
			if !h.Active() {
				// Late delivery after unsubscribe.
				continue
			}
			m.dispatch(h, ev, onUpdate, onDelete)
		}
	}
}

func (m *Manager) dispatch(h *Handle, ev domain.ChangeEvent, onUpdate UpdateFunc, onDelete DeleteFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("board", h.Board.String()).Msg("channel: handler panicked")
		}
	}()

	switch ev.Type {
	case domain.EventInsert:
		if ev.Record != nil && onUpdate != nil {
			onUpdate(ev.Record)
		}
	case domain.EventDelete:
		if onDelete != nil {
			onDelete(ev.BoardID)
		}
	default:
		log.Debug().Str("board", h.Board.String()).Str("type", string(ev.Type)).Msg("channel: ignoring event")
	}
}

// resubscribe re-establishes a dropped feed subscription with capped exponential backoff.
func (m *Manager) resubscribe(ctx context.Context, h *Handle) (<-chan domain.ChangeEvent, func(), bool) {
	backoff := m.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		log.Warn().Str("board", h.Board.String()).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("channel: feed dropped, resubscribing")

		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-m.opts.Clock.After(backoff):
		}

		ch, cleanup, err := m.feed.Subscribe(ctx, h.Boards)
		if err == nil {
			return ch, cleanup, true
		}
		log.Warn().Err(err).Str("board", h.Board.String()).Msg("channel: resubscribe failed")
		backoff = min(backoff*2, m.opts.MaxBackoff)
	}
}
