package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
)

// Counter is an expiring key/value counter. A key's window starts with its
// first increment and the key disappears once the window has passed.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

// MemoryCounter keeps windowed counters in process memory.
type MemoryCounter struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]windowEntry
}

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounter(c clock.Clock) *MemoryCounter {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryCounter{clock: c, entries: make(map[string]windowEntry)}
}

func (m *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = windowEntry{expiresAt: now.Add(window)}
	}
	entry.count++
	m.entries[key] = entry
	return entry.count, nil
}

func (m *MemoryCounter) Count(_ context.Context, key string) (int64, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	if !now.Before(entry.expiresAt) {
		delete(m.entries, key)
		return 0, nil
	}
	return entry.count, nil
}
