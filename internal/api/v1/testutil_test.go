package v1_test

import (
	"context"

	"github.com/google/uuid"

	v1 "github.com/gosuda/boardsync/internal/api/v1"
	"github.com/gosuda/boardsync/internal/auth"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/persist"
	"github.com/gosuda/boardsync/internal/policy"
	"github.com/gosuda/boardsync/internal/server/middleware"
	"github.com/gosuda/boardsync/internal/update"
)

// ---------------------------------------------------------------------------
// Context helpers inject claims into the context passed to DoCtx.
// ---------------------------------------------------------------------------

func claimsCtx(role domain.Role, board domain.BoardID) context.Context {
	return middleware.WithClaims(context.Background(), &auth.Claims{
		UserID: uuid.NewString(),
		Role:   role,
		Board:  board,
	})
}

func teacherCtx() context.Context {
	return claimsCtx(domain.RoleTeacher, "")
}

func studentCtx(board domain.BoardID) context.Context {
	return claimsCtx(domain.RoleStudent, board)
}

// ---------------------------------------------------------------------------
// Mock Engine
// ---------------------------------------------------------------------------

var (
	_ v1.Engine         = (*mockEngine)(nil)
	_ v1.SyncController = (*mockSync)(nil)
)

type mockEngine struct {
	pairs        []domain.Pair
	mounted      map[domain.BoardID]bool
	snapshotFunc func(board domain.BoardID) (domain.Snapshot, error)
	replaceFunc  func(ctx context.Context, board domain.BoardID, snap domain.Snapshot) (bool, error)
	statsFunc    func(board domain.BoardID) (update.Stats, error)
	clearFunc    func(ctx context.Context) error
}

func newMockEngine(n int) *mockEngine {
	pairs := domain.DefaultPairs(n)
	mounted := make(map[domain.BoardID]bool)
	for _, b := range domain.AllBoards(pairs) {
		mounted[b] = true
	}
	return &mockEngine{pairs: pairs, mounted: mounted}
}

func (m *mockEngine) Boards() []domain.BoardID { return domain.AllBoards(m.pairs) }

func (m *mockEngine) PairOf(board domain.BoardID) (domain.Pair, error) {
	for _, p := range m.pairs {
		if p.Has(board) {
			return p, nil
		}
	}
	return domain.Pair{}, domain.ErrUnknownBoard
}

func (m *mockEngine) IsMounted(board domain.BoardID) bool { return m.mounted[board] }

func (m *mockEngine) Snapshot(board domain.BoardID) (domain.Snapshot, error) {
	return m.snapshotFunc(board)
}

func (m *mockEngine) Replace(ctx context.Context, board domain.BoardID, snap domain.Snapshot) (bool, error) {
	return m.replaceFunc(ctx, board, snap)
}

func (m *mockEngine) Stats(board domain.BoardID) (update.Stats, error) {
	return m.statsFunc(board)
}

func (m *mockEngine) PersistStats() persist.Stats { return persist.Stats{} }

func (m *mockEngine) ClearAllData(ctx context.Context) error {
	return m.clearFunc(ctx)
}

// ---------------------------------------------------------------------------
// Mock SyncController
// ---------------------------------------------------------------------------

type mockSync struct {
	states     []policy.PairState
	setModeErr error
	toggleErr  error
}

func newMockSync(n int) *mockSync {
	s := &mockSync{}
	for _, p := range domain.DefaultPairs(n) {
		s.states = append(s.states, policy.PairState{Pair: p, Mode: policy.ModeOneWay})
	}
	return s
}

func (m *mockSync) Pairs() []policy.PairState {
	return append([]policy.PairState(nil), m.states...)
}

func (m *mockSync) SetSyncMode(_ context.Context, id domain.PairID, mode policy.Mode) error {
	if m.setModeErr != nil {
		return m.setModeErr
	}
	for i := range m.states {
		if m.states[i].Pair.ID == id {
			m.states[i].Mode = mode
			return nil
		}
	}
	return domain.ErrUnknownPair
}

func (m *mockSync) ToggleSyncForPair(_ context.Context, id domain.PairID) (bool, error) {
	if m.toggleErr != nil {
		return false, m.toggleErr
	}
	for i := range m.states {
		if m.states[i].Pair.ID == id {
			m.states[i].Enabled = !m.states[i].Enabled
			return m.states[i].Enabled, nil
		}
	}
	return false, domain.ErrUnknownPair
}
