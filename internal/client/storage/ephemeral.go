package storage

import (
	"context"
	"sync"
)

// Ephemeral is session-scoped storage: its content must not outlive the
// client session. Get returns (nil, nil) for absent keys.
type Ephemeral interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// MemoryEphemeral keeps values in process memory only.
type MemoryEphemeral struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryEphemeral() *MemoryEphemeral {
	return &MemoryEphemeral{m: make(map[string][]byte)}
}

func (s *MemoryEphemeral) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryEphemeral) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryEphemeral) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, key)
	return nil
}

func (s *MemoryEphemeral) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.m)
	return nil
}
