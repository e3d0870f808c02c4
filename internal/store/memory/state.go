// Package memory provides in-process implementations of the board state store, the
// change feed and the settings store. They back single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gosuda/boardsync/internal/domain"
)

// StateRepo is an append-only in-memory board state store.
type StateRepo struct {
	mu      sync.RWMutex
	records []*domain.StateRecord
}

func NewStateRepo() *StateRepo {
	return &StateRepo{}
}

func (r *StateRepo) Insert(ctx context.Context, rec *domain.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory.StateRepo.Insert: %w", err)
	}

	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)

	r.mu.Lock()
	r.records = append(r.records, &cp)
	r.mu.Unlock()
	return nil
}

func (r *StateRepo) DeleteAll(ctx context.Context, boards ...domain.BoardID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory.StateRepo.DeleteAll: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(boards) == 0 {
		r.records = nil
		return nil
	}
	r.records = slices.DeleteFunc(r.records, func(rec *domain.StateRecord) bool {
		return slices.Contains(boards, rec.BoardID)
	})
	return nil
}

// Latest returns the newest record addressed to any of boards. Records with equal
// timestamps resolve to the one inserted last.
func (r *StateRepo) Latest(ctx context.Context, boards ...domain.BoardID) (*domain.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory.StateRepo.Latest: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.StateRecord
	for _, rec := range r.records {
		if len(boards) > 0 && !slices.Contains(boards, rec.BoardID) {
			continue
		}
		if latest == nil || !rec.CreatedAt.Before(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("memory.StateRepo.Latest: %w", domain.ErrNotFound)
	}

	cp := *latest
	cp.Data = append([]byte(nil), latest.Data...)
	return &cp, nil
}

// Len returns the number of stored records.
func (r *StateRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
