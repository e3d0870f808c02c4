package v1

import (
	"context"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/persist"
	"github.com/gosuda/boardsync/internal/policy"
	"github.com/gosuda/boardsync/internal/update"
)

// Engine abstracts the board replicas for handler testing.
// *whiteboard.Coordinator satisfies this interface.
type Engine interface {
	Boards() []domain.BoardID
	PairOf(board domain.BoardID) (domain.Pair, error)
	IsMounted(board domain.BoardID) bool
	Snapshot(board domain.BoardID) (domain.Snapshot, error)
	Replace(ctx context.Context, board domain.BoardID, snap domain.Snapshot) (bool, error)
	Stats(board domain.BoardID) (update.Stats, error)
	PersistStats() persist.Stats
	ClearAllData(ctx context.Context) error
}

// SyncController abstracts the pair policy commands for handler testing.
// *whiteboard.Coordinator satisfies this interface.
type SyncController interface {
	Pairs() []policy.PairState
	SetSyncMode(ctx context.Context, pair domain.PairID, mode policy.Mode) error
	ToggleSyncForPair(ctx context.Context, pair domain.PairID) (bool, error)
}
