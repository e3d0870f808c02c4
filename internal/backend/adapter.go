// Package backend joins the append-only board state store with its realtime change
// feed so that every write is followed by a notification.
package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

// Adapter is the sync engine's view of the backend: a StateRepository whose writes are
// announced on a Feed.
type Adapter struct {
	repo  domain.StateRepository
	feed  domain.Feed
	known []domain.BoardID
}

// New returns an adapter. known lists the boards announced when DeleteAll runs
// without a filter.
func New(repo domain.StateRepository, feed domain.Feed, known []domain.BoardID) *Adapter {
	return &Adapter{repo: repo, feed: feed, known: append([]domain.BoardID(nil), known...)}
}

// Insert appends rec and announces it. A failed announcement is logged; the record is
// still stored and the next load picks it up.
func (a *Adapter) Insert(ctx context.Context, rec *domain.StateRecord) error {
	if err := a.repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("backend.Adapter.Insert: %w", err)
	}

	ev := domain.ChangeEvent{Type: domain.EventInsert, BoardID: rec.BoardID, Record: rec}
	if err := a.feed.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("board", rec.BoardID.String()).Msg("backend: publish insert failed")
	}
	return nil
}

// DeleteAll removes every record of boards (all boards when none are given) and
// announces a delete event per board.
func (a *Adapter) DeleteAll(ctx context.Context, boards ...domain.BoardID) error {
	if err := a.repo.DeleteAll(ctx, boards...); err != nil {
		return fmt.Errorf("backend.Adapter.DeleteAll: %w", err)
	}

	announce := boards
	if len(announce) == 0 {
		announce = a.known
	}
	for _, b := range announce {
		if err := a.feed.Publish(ctx, domain.ChangeEvent{Type: domain.EventDelete, BoardID: b}); err != nil {
			log.Warn().Err(err).Str("board", b.String()).Msg("backend: publish delete failed")
		}
	}
	return nil
}

// Latest returns the newest record addressed to any of boards.
func (a *Adapter) Latest(ctx context.Context, boards ...domain.BoardID) (*domain.StateRecord, error) {
	rec, err := a.repo.Latest(ctx, boards...)
	if err != nil {
		return nil, fmt.Errorf("backend.Adapter.Latest: %w", err)
	}
	return rec, nil
}

func (a *Adapter) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if err := a.feed.Publish(ctx, ev); err != nil {
		return fmt.Errorf("backend.Adapter.Publish: %w", err)
	}
	return nil
}

func (a *Adapter) Subscribe(ctx context.Context, boards []domain.BoardID) (<-chan domain.ChangeEvent, func(), error) {
	ch, cleanup, err := a.feed.Subscribe(ctx, boards)
	if err != nil {
		return nil, nil, fmt.Errorf("backend.Adapter.Subscribe: %w", err)
	}
	return ch, cleanup, nil
}
