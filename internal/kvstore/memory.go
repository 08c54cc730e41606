package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store. Expiry is evaluated lazily against Now.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	Now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem), Now: time.Now}
}

// live returns the item if present and unexpired. Caller holds mu.
func (m *Memory) live(key string) (memoryItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.Now().Before(it.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return it, true
}

func (m *Memory) item(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.Now().Add(ttl)
	}
	return it
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.item(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = m.item(value, ttl)
	return true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
