package notifications

import (
	"context"
	"sync"
)

// MemoryNotifier keeps requests in memory until they are consumed. Used by
// the poll command's dry runs and by tests.
type MemoryNotifier struct {
	mu       sync.Mutex
	requests []Request
	err      error
}

// NewMemoryNotifier creates an empty in-memory notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// FailWith makes following Send calls return err; nil restores success.
func (m *MemoryNotifier) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send implements Notifier.
func (m *MemoryNotifier) Send(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.requests = append(m.requests, req)
	return nil
}

// Requests returns a copy of the recorded requests.
func (m *MemoryNotifier) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Consume returns the recorded requests and forgets them.
func (m *MemoryNotifier) Consume() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.requests
	m.requests = nil
	return out
}
