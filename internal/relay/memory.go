package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage is an in-process storage with a byte quota over keys and
// values. A quota of zero or less is unlimited.
type MemoryStorage struct {
	mu    sync.Mutex
	quota int
	used  int
	items map[string]string
	subs  map[chan Event]struct{}
}

func NewMemoryStorage(quota int) *MemoryStorage {
	return &MemoryStorage{
		quota: quota,
		items: make(map[string]string),
		subs:  make(map[chan Event]struct{}),
	}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.items[key]
	if exists && old == value {
		return nil
	}
	used := m.used + len(value)
	if exists {
		used -= len(old)
	} else {
		used += len(key)
	}
	if m.quota > 0 && used > m.quota {
		return fmt.Errorf("%w: set %q needs %d of %d bytes", ErrQuotaExceeded, key, used, m.quota)
	}
	m.items[key] = value
	m.used = used
	m.notify(Event{Key: key, Value: value})
	return nil
}

func (m *MemoryStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.items[key]
	if !exists {
		return nil
	}
	delete(m.items, key)
	m.used -= len(key) + len(old)
	m.notify(Event{Key: key, Deleted: true})
	return nil
}

func (m *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Used is the number of quota bytes taken.
func (m *MemoryStorage) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *MemoryStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, eventBuffer)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// notify must be called with mu held.
func (m *MemoryStorage) notify(ev Event) {
	for ch := range m.subs {
		offer(ch, ev)
	}
}
