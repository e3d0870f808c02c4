package memory

import (
	"context"
	"sync"
)

// Settings is an in-memory key/value settings store.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewSettings() *Settings {
	return &Settings{values: make(map[string]string)}
}

func (s *Settings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *Settings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}
