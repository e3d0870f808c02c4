package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StateRecord is one appended row of the board state store.
type StateRecord struct {
	ID          string          `json:"id"`
	BoardID     BoardID         `json:"board_id"`     // board the record is addressed to
	SourceBoard BoardID         `json:"source_board"` // board whose edit produced it; differs from BoardID on fan-out
	Data        json.RawMessage `json:"object_data"`  // snapshot JSON
	CreatedAt   time.Time       `json:"created_at"`
}

// Snapshot decodes the record payload.
func (r *StateRecord) Snapshot() (Snapshot, error) {
	return DecodeSnapshot(r.Data)
}

// StateRepository is the append-only board state store.
type StateRepository interface {
	Insert(ctx context.Context, rec *StateRecord) error
	// DeleteAll removes every record addressed to one of boards; no boards means all records.
	DeleteAll(ctx context.Context, boards ...BoardID) error
	// Latest returns the newest record addressed to any of boards, or ErrNotFound.
	Latest(ctx context.Context, boards ...BoardID) (*StateRecord, error)
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventDelete EventType = "delete"
)

// ChangeEvent is one notification of the realtime change feed.
type ChangeEvent struct {
	Type    EventType    `json:"type"`
	BoardID BoardID      `json:"board_id"`
	Record  *StateRecord `json:"record,omitempty"`
}

// Feed delivers change events per board.
type Feed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	// Subscribe delivers events for any of boards until ctx ends or cleanup is called.
	Subscribe(ctx context.Context, boards []BoardID) (<-chan ChangeEvent, func(), error)
}

// SettingsStore persists small string settings under stable keys.
type SettingsStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
