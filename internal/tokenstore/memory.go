package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// MemoryBackend keeps all records in a process-local map. It exists
// for local development and tests; semantics match the durable
// backends, but nothing survives a restart.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]*Record
}

// NewMemoryBackend creates an empty ephemeral backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]*Record)}
}

func (m *MemoryBackend) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.items[cacheKey(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryBackend) Set(_ context.Context, rec *Record, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[cacheKey(rec.Kind, rec.ID)] = rec
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, cacheKey(kind, id))
	return nil
}

func (m *MemoryBackend) Consume(_ context.Context, kind Kind, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(kind, id)
	rec, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.items, key)
	return rec, nil
}

func (m *MemoryBackend) DeleteByClient(_ context.Context, kind Kind, clientID string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first *identity.Identity
	for key, rec := range m.items {
		if rec.Kind != kind || rec.ClientID != clientID {
			continue
		}
		if first == nil {
			first = rec.Identity
		}
		delete(m.items, key)
	}
	return first, nil
}

func (m *MemoryBackend) Ping(_ context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
