package ws

import (
	"encoding/json"
	"time"

	"github.com/gosuda/boardsync/internal/domain"
)

// BoardEvent represents a real-time board change.
type BoardEvent struct {
	Type      domain.EventType `json:"type"` // "insert", "delete"
	Board     domain.BoardID   `json:"board"`
	Source    domain.BoardID   `json:"source,omitempty"`
	RecordID  string           `json:"record_id,omitempty"`
	Snapshot  json.RawMessage  `json:"snapshot,omitempty"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
}

// NewBoardEvent flattens a change event for clients.
func NewBoardEvent(ev domain.ChangeEvent) BoardEvent {
	out := BoardEvent{Type: ev.Type, Board: ev.BoardID}
	if rec := ev.Record; rec != nil {
		out.Source = rec.SourceBoard
		out.RecordID = rec.ID
		out.Snapshot = rec.Data
		if !rec.CreatedAt.IsZero() {
			at := rec.CreatedAt
			out.CreatedAt = &at
		}
	}
	return out
}

func toMessage(v any) any {
	if ev, ok := v.(domain.ChangeEvent); ok {
		return NewBoardEvent(ev)
	}
	return v
}
