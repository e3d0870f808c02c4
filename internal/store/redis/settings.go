package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/boardsync/internal/domain"
)

var _ domain.SettingsStore = (*Settings)(nil)

// Settings keeps pair settings as plain Redis string keys.
type Settings struct {
	client *redis.Client
}

func NewSettings(ps *PubSub) *Settings {
	return &Settings{client: ps.Client()}
}

func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis.Settings.Get: %w", err)
	}
	return v, true, nil
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis.Settings.Set: %w", err)
	}
	return nil
}
