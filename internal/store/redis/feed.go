package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

var _ domain.Feed = (*Feed)(nil)

// Feed carries change events as JSON on one channel per board, so processes sharing a
// Redis see each other's writes.
type Feed struct {
	ps *PubSub
}

func NewFeed(ps *PubSub) *Feed {
	return &Feed{ps: ps}
}

func (f *Feed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("redis.Feed.Publish: %w", err)
	}
	if err := f.ps.Publish(ctx, BoardChannel(ev.BoardID), payload); err != nil {
		return fmt.Errorf("redis.Feed.Publish: %w", err)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, boards []domain.BoardID) (<-chan domain.ChangeEvent, func(), error) {
	channels := make([]string, len(boards))
	for i, b := range boards {
		channels[i] = BoardChannel(b)
	}

	subCtx, cancel := context.WithCancel(ctx)
	raw, cleanup, err := f.ps.Subscribe(subCtx, channels...)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("redis.Feed.Subscribe: %w", err)
	}

	out := make(chan domain.ChangeEvent, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			ev, err := DecodeEvent(payload)
			if err != nil {
				log.Warn().Err(err).Msg("redis.Feed: dropping undecodable event")
				continue
			}
			select {
			case out <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()

	stop := func() {
		cancel()
		cleanup()
	}
	return out, stop, nil
}

// EncodeEvent is the wire form of a change event.
func EncodeEvent(ev domain.ChangeEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("redis.EncodeEvent: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses a payload written by EncodeEvent.
func DecodeEvent(payload []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("redis.DecodeEvent: %w", err)
	}
	switch ev.Type {
	case domain.EventInsert:
		if ev.Record == nil {
			return domain.ChangeEvent{}, fmt.Errorf("redis.DecodeEvent: insert without record: %w", domain.ErrMalformedSnapshot)
		}
	case domain.EventDelete:
	default:
		return domain.ChangeEvent{}, fmt.Errorf("redis.DecodeEvent: unknown event type %q", ev.Type)
	}
	if ev.BoardID == "" {
		return domain.ChangeEvent{}, fmt.Errorf("redis.DecodeEvent: %w", domain.ErrUnknownBoard)
	}
	return ev, nil
}
