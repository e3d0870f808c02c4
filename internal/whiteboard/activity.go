package whiteboard

import (
	"time"

	"github.com/gosuda/boardsync/internal/domain"
)

// ActivityKind names what happened on a board.
type ActivityKind string

const (
	ActivityMounted     ActivityKind = "mounted"
	ActivityUnmounted   ActivityKind = "unmounted"
	ActivitySaved       ActivityKind = "saved"
	ActivityReceived    ActivityKind = "received"
	ActivityMerged      ActivityKind = "merged"
	ActivityReloaded    ActivityKind = "reloaded"
	ActivityCleared     ActivityKind = "cleared"
	ActivityModeChanged ActivityKind = "mode_changed"
	ActivityToggled     ActivityKind = "toggled"
)

// Activity is one event published on a pair's activity stream.
type Activity struct {
	Kind    ActivityKind   `json:"kind"`
	Pair    domain.PairID  `json:"pair"`
	Board   domain.BoardID `json:"board,omitempty"`
	Source  domain.BoardID `json:"source,omitempty"`
	Verdict string         `json:"verdict,omitempty"`
	Mode    string         `json:"mode,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}
