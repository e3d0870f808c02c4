// Package sqlite is the self-hosted board store: state records and pair settings in one
// database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gosuda/boardsync/internal/domain"
)

//go:embed schema.sql
var schema string

var (
	_ domain.StateRepository = (*Store)(nil)
	_ domain.SettingsStore   = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite.Store.Close: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *domain.StateRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO board_states (id, board_id, source_board, object_data, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.BoardID), string(rec.SourceBoard), []byte(rec.Data), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite.Store.Insert: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, boards ...domain.BoardID) error {
	query := `DELETE FROM board_states`
	var args []any
	if len(boards) > 0 {
		in, inArgs := inClause(boards)
		query += ` WHERE board_id IN ` + in
		args = inArgs
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite.Store.DeleteAll: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, boards ...domain.BoardID) (*domain.StateRecord, error) {
	if len(boards) == 0 {
		return nil, fmt.Errorf("sqlite.Store.Latest: %w", domain.ErrNotFound)
	}

	in, args := inClause(boards)
	var (
		rec         domain.StateRecord
		board, from string
		data        []byte
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, board_id, source_board, object_data, created_at FROM board_states
		 WHERE board_id IN `+in+`
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		args...,
	).Scan(&rec.ID, &board, &from, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite.Store.Latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.Latest: %w", err)
	}

	rec.BoardID = domain.BoardID(board)
	rec.SourceBoard = domain.BoardID(from)
	rec.Data = data
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM board_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite.Store.Get: %w", err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO board_settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite.Store.Set: %w", err)
	}
	return nil
}

func inClause(boards []domain.BoardID) (string, []any) {
	args := make([]any, len(boards))
	for i, b := range boards {
		args[i] = string(b)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(boards)), ",") + ")", args
}
