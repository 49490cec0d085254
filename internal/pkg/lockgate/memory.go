package lockgate

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is a process-local Registry for tests and single-instance runs.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (m *MemoryRegistry) Acquire(_ context.Context, key, namespace string) (bool, error) {
	k, err := storageKey("", key, namespace)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.entries[k]; ok && now.Before(expires) {
		return false, nil
	}
	m.entries[k] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryRegistry) Release(_ context.Context, key, namespace string) (bool, error) {
	k, err := storageKey("", key, namespace)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[k]; !ok {
		return false, nil
	}
	delete(m.entries, k)
	return true, nil
}

// Held reports whether key is currently reserved.
func (m *MemoryRegistry) Held(key, namespace string) bool {
	k, err := storageKey("", key, namespace)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.entries[k]
	return ok && m.now().Before(expires)
}
