package cache

import (
	"context"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 100_000

type memEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

// Memory is an in-process bounded LRU with per-entry expiry.
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, memEntry]
	now func() time.Time
}

func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	l, err := lru.New[string, memEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: l, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.lru.Remove(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) FlushPattern(_ context.Context, glob string) (int, error) {
	if _, err := path.Match(glob, ""); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.lru.Keys() {
		if ok, _ := path.Match(glob, k); ok {
			m.lru.Remove(k)
			n++
		}
	}
	return n, nil
}

// Prune drops expired entries.
func (m *Memory) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, k := range m.lru.Keys() {
		if e, ok := m.lru.Peek(k); ok && !e.expires.IsZero() && !now.Before(e.expires) {
			m.lru.Remove(k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.lru.Purge()
	m.mu.Unlock()
	return nil
}
