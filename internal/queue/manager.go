package queue

import (
	"context"
	"fmt"
	"sync"
)

// Queue-fabric errors.
var (
	ErrQueueNotFound     = fmt.Errorf("queue not found")
	ErrQueueAlreadyExist = fmt.Errorf("queue already exists")
)

// Manager tracks at most one open Queue per name. Closed queues stay in the
// table so their backing lists remain addressable; GetCache builds read-only
// views straight from the list for names the manager never saw.
type Manager struct {
	list List

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager(list List) *Manager {
	return &Manager{
		list:   list,
		queues: make(map[string]*Queue),
	}
}

// Create registers a new open queue. It fails if an open queue with the same
// name already exists.
func (m *Manager) Create(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok && !q.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrQueueAlreadyExist, name)
	}
	q := newQueue(m.list, name, false)
	m.queues[name] = q
	return q, nil
}

// Check reports whether an open queue with this name is known.
func (m *Manager) Check(name string) bool {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	return ok && !q.Closed()
}

// Get returns the open queue with this name.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok || q.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// CheckCache reports whether the durable list holds frames under this name,
// regardless of any live queue object.
func (m *Manager) CheckCache(ctx context.Context, name string) (bool, error) {
	n, err := m.list.Len(ctx, name)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCache returns a read-only, already-closed view over the durable list.
func (m *Manager) GetCache(ctx context.Context, name string) (*Queue, error) {
	ok, err := m.CheckCache(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return newQueue(m.list, name, true), nil
}

// Close closes the named queue.
func (m *Manager) Close(name string) error {
	q, err := m.Get(name)
	if err != nil {
		return err
	}
	q.Close()
	return nil
}

// Stop closes every open queue. Called on shutdown so downstream
// subscribers see a clean close instead of a dead socket.
func (m *Manager) Stop() {
	m.mu.Lock()
	open := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		open = append(open, q)
	}
	m.mu.Unlock()
	for _, q := range open {
		q.Close()
	}
}
