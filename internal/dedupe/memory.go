package dedupe

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and serves as the fallback
// when the durable store is unavailable; entries do not survive restarts.
type Memory struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

type memEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// NewMemory creates an in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memEntry),
		now:   time.Now,
	}
}

// NewMemoryWithClock creates an in-memory store with an injected clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{items: make(map[string]memEntry), now: now}
}

func (m *Memory) live(e memEntry) bool {
	return m.now().Before(e.expiresAt)
}

func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok && m.live(e) {
		return false, nil
	}
	m.items[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || !m.live(e) {
		e = memEntry{count: 0, expiresAt: m.now().Add(ttl)}
	}
	e.count++
	e.value = strconv.FormatInt(e.count, 10)
	m.items[key] = e
	return e.count, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok || !m.live(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.items {
		if !m.live(e) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
