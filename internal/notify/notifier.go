// Package notify surfaces user-visible notices (toasts) such as a board save that kept
// failing after every retry.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

// ErrSinkNotFound is returned when a notice targets an unregistered sink.
var ErrSinkNotFound = errors.New("notify: sink not found") //nolint:gochecknoglobals // sentinel error

// Level grades a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is one user-visible message about a board.
type Notice struct {
	Board   domain.BoardID `json:"board"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// Sink delivers notices to one destination.
type Sink interface {
	Deliver(ctx context.Context, n Notice) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, n Notice) error

func (f SinkFunc) Deliver(ctx context.Context, n Notice) error { return f(ctx, n) }

// SinkRegistry lists sinks in delivery preference order.
type SinkRegistry interface {
	Get(name string) (Sink, bool)
	Names() []string
}

// Notifier delivers each notice through the first registered sink that accepts it.
type Notifier struct {
	sinks SinkRegistry
}

// New creates a Notifier over the given sink registry.
func New(sinks SinkRegistry) *Notifier {
	return &Notifier{sinks: sinks}
}

// Notify delivers n through the first sink that succeeds. Falls back to logging if no
// sinks are registered.
func (n *Notifier) Notify(ctx context.Context, notice Notice) error {
	names := n.sinks.Names()
	if len(names) == 0 {
		log.Warn().Str("board", notice.Board.String()).Str("level", string(notice.Level)).
			Msg("notify: " + notice.Message)
		return nil
	}

	var lastErr error
	for _, name := range names {
		sendErr := n.NotifyVia(ctx, name, notice)
		if sendErr == nil {
			return nil
		}
		lastErr = sendErr
	}

	return fmt.Errorf("notify.Notifier.Notify: all sinks failed: %w", lastErr)
}

// NotifyVia delivers a notice through one named sink.
func (n *Notifier) NotifyVia(ctx context.Context, name string, notice Notice) error {
	sink, ok := n.sinks.Get(name)
	if !ok {
		return fmt.Errorf("notify.Notifier.NotifyVia: sink %q: %w", name, ErrSinkNotFound)
	}

	if err := sink.Deliver(ctx, notice); err != nil {
		return fmt.Errorf("notify.Notifier.NotifyVia: deliver: %w", err)
	}

	return nil
}

// Publisher is the subset of a pub/sub client the channel sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ChannelSink publishes notices as JSON on a pub/sub channel for connected clients.
type ChannelSink struct {
	pub     Publisher
	channel string
}

func NewChannelSink(pub Publisher, channel string) *ChannelSink {
	return &ChannelSink{pub: pub, channel: channel}
}

func (s *ChannelSink) Deliver(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify.ChannelSink.Deliver: marshal: %w", err)
	}
	if err := s.pub.Publish(ctx, s.channel, payload); err != nil {
		return fmt.Errorf("notify.ChannelSink.Deliver: %w", err)
	}
	return nil
}

// LogSink writes notices to the process log.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, n Notice) error {
	ev := log.Info()
	if n.Level == LevelError {
		ev = log.Error()
	}
	ev.Str("board", n.Board.String()).Time("at", n.At).Msg("notify: " + n.Message)
	return nil
}
