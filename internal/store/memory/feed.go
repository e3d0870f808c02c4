package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

const feedBuffer = 64

type subscriber struct {
	boards []domain.BoardID
	ch     chan domain.ChangeEvent
}

func (s *subscriber) close() {
	close(s.ch)
}

// Feed is an in-process change feed. Slow subscribers lose events rather than block
// publishers.
type Feed struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

func (f *Feed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory.Feed.Publish: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		if !slices.Contains(s.boards, ev.BoardID) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			log.Warn().Str("board", ev.BoardID.String()).Msg("memory.Feed: subscriber buffer full, dropping event")
		}
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, boards []domain.BoardID) (<-chan domain.ChangeEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("memory.Feed.Subscribe: %w", err)
	}

	s := &subscriber{boards: slices.Clone(boards), ch: make(chan domain.ChangeEvent, feedBuffer)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			f.mu.Lock()
			delete(f.subs, s)
			f.mu.Unlock()
			s.close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()

	return s.ch, cleanup, nil
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
