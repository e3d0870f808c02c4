package whiteboard

import (
	"context"
	"sync"

	"github.com/gosuda/boardsync/internal/bus"
	"github.com/gosuda/boardsync/internal/domain"
)

const activeKey = "active"

// ActiveBoards tracks which board currently has focus and tells subscribers when it
// changes.
type ActiveBoards struct {
	mu      sync.RWMutex
	current domain.BoardID
	changes *bus.Bus[string, domain.BoardID]
}

func NewActiveBoards() *ActiveBoards {
	return &ActiveBoards{changes: bus.New[string, domain.BoardID](0)}
}

// Get returns the focused board, or "" when none is.
func (a *ActiveBoards) Get() domain.BoardID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Set focuses board; "" clears the focus. Subscribers are told only about changes.
func (a *ActiveBoards) Set(board domain.BoardID) {
	a.mu.Lock()
	if a.current == board {
		a.mu.Unlock()
		return
	}
	a.current = board
	a.mu.Unlock()

	a.changes.Publish(activeKey, board)
}

// clearIf drops the focus when it is on board.
func (a *ActiveBoards) clearIf(board domain.BoardID) {
	a.mu.Lock()
	if a.current != board {
		a.mu.Unlock()
		return
	}
	a.current = ""
	a.mu.Unlock()

	a.changes.Publish(activeKey, "")
}

// Subscribe streams focus changes until ctx ends or cancel is called.
func (a *ActiveBoards) Subscribe(ctx context.Context) (<-chan domain.BoardID, func()) {
	return a.changes.Subscribe(ctx, activeKey)
}

func (a *ActiveBoards) close() {
	a.changes.Close()
}
