package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/boardsync/internal/domain"
)

var _ domain.StateRepository = (*StateRepo)(nil)

type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

func (r *StateRepo) Insert(ctx context.Context, rec *domain.StateRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO board_states (id, board_id, source_board, object_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, string(rec.BoardID), string(rec.SourceBoard), []byte(rec.Data), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("stateRepo.Insert: %w", err)
	}

	return nil
}

func (r *StateRepo) DeleteAll(ctx context.Context, boards ...domain.BoardID) error {
	var err error
	if len(boards) == 0 {
		_, err = r.pool.Exec(ctx, `DELETE FROM board_states`)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM board_states WHERE board_id = ANY($1)`, boardStrings(boards))
	}
	if err != nil {
		return fmt.Errorf("stateRepo.DeleteAll: %w", err)
	}

	return nil
}

func (r *StateRepo) Latest(ctx context.Context, boards ...domain.BoardID) (*domain.StateRecord, error) {
	var (
		rec         domain.StateRecord
		board, from string
		data        []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, board_id, source_board, object_data, created_at
		 FROM board_states WHERE board_id = ANY($1)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		boardStrings(boards),
	).Scan(&rec.ID, &board, &from, &data, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stateRepo.Latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stateRepo.Latest: %w", err)
	}

	rec.BoardID = domain.BoardID(board)
	rec.SourceBoard = domain.BoardID(from)
	rec.Data = data
	return &rec, nil
}

func boardStrings(boards []domain.BoardID) []string {
	out := make([]string, len(boards))
	for i, b := range boards {
		out[i] = string(b)
	}
	return out
}
