package storage

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	expiresAt time.Time
	record    *Record
}

// Memory is an in-process Backend guarded by a single mutex. It is suitable
// for single-instance deployments and tests; it provides no coordination
// across processes.
type Memory struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	locks   map[string]time.Time
	now     func() time.Time
}

// NewMemory constructs an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]memoryEntry),
		locks:   make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.records, key)
		return nil, nil
	}
	return entry.record, nil
}

func (m *Memory) Set(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = memoryEntry{expiresAt: m.now().Add(ttl), record: rec}
	return nil
}

func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.locks[key]; held && now.Before(expiry) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, key)
	return nil
}

var _ Backend = (*Memory)(nil)
