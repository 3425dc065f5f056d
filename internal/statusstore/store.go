// Package statusstore keeps the final status of transfers that are no longer
// resident on the server, so clients can still query them.
package statusstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// ErrNotFound indicates no status is stored for the transfer id.
var ErrNotFound = errors.New("transfer status not found")

// Store persists transfer statuses keyed by transfer id.
type Store interface {
	Put(ctx context.Context, id string, st service.Status) error
	Get(ctx context.Context, id string) (service.Status, error)
	// Cleanup removes entries stored before cutoff and returns how many.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type entry struct {
	status   service.Status
	storedAt time.Time
}

// Memory is a thread-safe in-memory store whose entries expire after a TTL.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a store; a non-positive ttl keeps entries until Cleanup.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, id string, st service.Status) error {
	st.Response = append([]byte(nil), st.Response...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{status: st, storedAt: m.now()}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (service.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || m.expired(e, m.now()) {
		return service.Status{}, ErrNotFound
	}
	st := e.status
	st.Response = append([]byte(nil), st.Response...)
	return st, nil
}

func (m *Memory) expired(e entry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.storedAt) > m.ttl
}

// Cleanup removes entries stored before cutoff as well as expired ones.
func (m *Memory) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if e.storedAt.Before(cutoff) || m.expired(e, now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
