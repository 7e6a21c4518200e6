package queue

import (
	"context"
	"sync"
)

// MemoryList is an in-process List for redis-less runs and tests.
type MemoryList struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func NewMemoryList() *MemoryList {
	return &MemoryList{lists: make(map[string][][]byte)}
}

func (m *MemoryList) Append(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.lists[key] = append(m.lists[key], cp)
	return nil
}

func (m *MemoryList) Range(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.lists[key]
	out := make([][]byte, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryList) Len(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}
