package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

const keyPrefix = "boardsync:"

// EnabledKey is the settings key of a pair's enable flag.
func EnabledKey(id domain.PairID) string { return keyPrefix + "sync-enabled:" + string(id) }

// ModeKey is the settings key of a pair's sync mode.
func ModeKey(id domain.PairID) string { return keyPrefix + "sync-mode:" + string(id) }

// PairState is the effective policy of one pair.
type PairState struct {
	Pair    domain.Pair
	Mode    Mode
	Enabled bool
}

// Policy holds the per-pair modes and enable flags and persists them to a SettingsStore.
type Policy struct {
	settings    domain.SettingsStore
	defaultMode Mode
	pairs       []domain.Pair
	byID        map[domain.PairID]domain.Pair
	byBoard     map[domain.BoardID]domain.Pair

	mu      sync.RWMutex
	modes   map[domain.PairID]Mode
	enabled map[domain.PairID]bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithDefaultMode sets the mode pairs start in before Load. The default is one-way.
func WithDefaultMode(m Mode) Option {
	return func(p *Policy) { p.defaultMode = m }
}

// New returns a policy over pairs. settings may be nil, in which case changes are kept
// in memory only.
func New(pairs []domain.Pair, settings domain.SettingsStore, opts ...Option) *Policy {
	p := &Policy{
		settings:    settings,
		defaultMode: ModeOneWay,
		pairs:       append([]domain.Pair(nil), pairs...),
		byID:        make(map[domain.PairID]domain.Pair, len(pairs)),
		byBoard:     make(map[domain.BoardID]domain.Pair, len(pairs)*2),
		modes:       make(map[domain.PairID]Mode, len(pairs)),
		enabled:     make(map[domain.PairID]bool, len(pairs)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, pair := range pairs {
		p.byID[pair.ID] = pair
		p.byBoard[pair.Primary] = pair
		p.byBoard[pair.Secondary] = pair
		p.modes[pair.ID] = p.defaultMode
	}
	return p
}

// Load restores persisted modes and flags. Missing keys keep their defaults; unparsable
// values are logged and ignored.
func (p *Policy) Load(ctx context.Context) error {
	if p.settings == nil {
		return nil
	}

	for _, pair := range p.pairs {
		raw, ok, err := p.settings.Get(ctx, ModeKey(pair.ID))
		if err != nil {
			return fmt.Errorf("policy.Policy.Load: %s: %w", pair.ID, err)
		}
		if ok {
			if mode, perr := ParseMode(raw); perr == nil {
				p.setMode(pair.ID, mode)
			} else {
				log.Warn().Err(perr).Str("pair", string(pair.ID)).Msg("policy: ignoring stored sync mode")
			}
		}

		raw, ok, err = p.settings.Get(ctx, EnabledKey(pair.ID))
		if err != nil {
			return fmt.Errorf("policy.Policy.Load: %s: %w", pair.ID, err)
		}
		if ok {
			if on, perr := strconv.ParseBool(raw); perr == nil {
				p.setEnabled(pair.ID, on)
			} else {
				log.Warn().Err(perr).Str("pair", string(pair.ID)).Msg("policy: ignoring stored enable flag")
			}
		}
	}
	return nil
}

// Pairs returns the state of every pair in configuration order.
func (p *Policy) Pairs() []PairState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PairState, 0, len(p.pairs))
	for _, pair := range p.pairs {
		out = append(out, PairState{Pair: pair, Mode: p.modes[pair.ID], Enabled: p.enabled[pair.ID]})
	}
	return out
}

// State returns the state of one pair.
func (p *Policy) State(id domain.PairID) (PairState, error) {
	pair, ok := p.byID[id]
	if !ok {
		return PairState{}, fmt.Errorf("policy.Policy.State: %s: %w", id, domain.ErrUnknownPair)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return PairState{Pair: pair, Mode: p.modes[id], Enabled: p.enabled[id]}, nil
}

// PairOf returns the pair board belongs to.
func (p *Policy) PairOf(board domain.BoardID) (domain.Pair, error) {
	pair, ok := p.byBoard[board]
	if !ok {
		return domain.Pair{}, fmt.Errorf("policy.Policy.PairOf: %s: %w", board, domain.ErrUnknownBoard)
	}
	return pair, nil
}

// Boards returns every configured board id.
func (p *Policy) Boards() []domain.BoardID {
	return domain.AllBoards(p.pairs)
}

// SetMode persists and applies a pair's sync mode.
func (p *Policy) SetMode(ctx context.Context, id domain.PairID, mode Mode) error {
	if _, ok := p.byID[id]; !ok {
		return fmt.Errorf("policy.Policy.SetMode: %s: %w", id, domain.ErrUnknownPair)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return fmt.Errorf("policy.Policy.SetMode: %w", err)
	}

	if p.settings != nil {
		if err := p.settings.Set(ctx, ModeKey(id), string(mode)); err != nil {
			return fmt.Errorf("policy.Policy.SetMode: persist: %w", err)
		}
	}
	p.setMode(id, mode)
	log.Info().Str("pair", string(id)).Str("mode", string(mode)).Msg("policy: sync mode changed")
	return nil
}

// Toggle flips and persists a pair's enable flag, returning the new value.
func (p *Policy) Toggle(ctx context.Context, id domain.PairID) (bool, error) {
	if _, ok := p.byID[id]; !ok {
		return false, fmt.Errorf("policy.Policy.Toggle: %s: %w", id, domain.ErrUnknownPair)
	}

	// Serialize toggles so two concurrent flips cannot persist the same value.
	p.mu.Lock()
	defer p.mu.Unlock()

	next := !p.enabled[id]
	if p.settings != nil {
		if err := p.settings.Set(ctx, EnabledKey(id), strconv.FormatBool(next)); err != nil {
			return false, fmt.Errorf("policy.Policy.Toggle: persist: %w", err)
		}
	}
	p.enabled[id] = next
	log.Info().Str("pair", string(id)).Bool("enabled", next).Msg("policy: pair sync toggled")
	return next, nil
}

// Target returns the board source's edits propagate to under the current policy.
func (p *Policy) Target(source domain.BoardID) (domain.BoardID, bool) {
	pair, ok := p.byBoard[source]
	if !ok {
		return "", false
	}

	p.mu.RLock()
	mode, enabled := p.modes[pair.ID], p.enabled[pair.ID]
	p.mu.RUnlock()
	return ShouldPropagate(pair, source, mode, enabled)
}

// Accept reports whether observer applies an update written by source and addressed to
// addressed under the current policy.
func (p *Policy) Accept(observer, source, addressed domain.BoardID) bool {
	pair, ok := p.byBoard[observer]
	if !ok {
		return false
	}

	p.mu.RLock()
	mode, enabled := p.modes[pair.ID], p.enabled[pair.ID]
	p.mu.RUnlock()
	return Accepts(pair, observer, source, addressed, mode, enabled)
}

func (p *Policy) setMode(id domain.PairID, mode Mode) {
	p.mu.Lock()
	p.modes[id] = mode
	p.mu.Unlock()
}

func (p *Policy) setEnabled(id domain.PairID, on bool) {
	p.mu.Lock()
	p.enabled[id] = on
	p.mu.Unlock()
}
