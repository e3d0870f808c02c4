// Package policy decides where a board's edits propagate and which remote updates a
// board accepts, per pair sync mode and enable flag.
package policy

import (
	"fmt"

	"github.com/gosuda/boardsync/internal/domain"
)

// Mode is the sync topology of one pair.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeOneWay Mode = "one-way"
	ModeTwoWay Mode = "two-way"
)

// ParseMode validates s as a sync mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOff, ModeOneWay, ModeTwoWay:
		return m, nil
	default:
		return "", fmt.Errorf("policy.ParseMode: %q: %w", s, domain.ErrInvalidMode)
	}
}

// ShouldPropagate returns the board an update from source is forwarded to, if any.
// In one-way mode only the primary propagates; in two-way mode either member does, but
// only while the pair's enable flag is set.
func ShouldPropagate(pair domain.Pair, source domain.BoardID, mode Mode, enabled bool) (domain.BoardID, bool) {
	if !pair.Has(source) {
		return "", false
	}

	switch mode {
	case ModeOneWay:
		if source != pair.Primary {
			return "", false
		}
		return pair.Secondary, true
	case ModeTwoWay:
		if !enabled {
			return "", false
		}
		return pair.Other(source), true
	default:
		return "", false
	}
}

// Accepts reports whether observer applies an update written by source and addressed to
// addressed. A board never accepts its own writes, never accepts an update addressed to
// another board, and otherwise accepts only what the pair's mode propagates to it.
// An empty source means the addressed board wrote the record itself.
func Accepts(pair domain.Pair, observer, source, addressed domain.BoardID, mode Mode, enabled bool) bool {
	if !pair.Has(observer) {
		return false
	}
	if source == "" {
		source = addressed
	}
	if source == observer {
		return false
	}
	if addressed != "" && addressed != observer {
		return false
	}

	target, ok := ShouldPropagate(pair, source, mode, enabled)
	return ok && target == observer
}
