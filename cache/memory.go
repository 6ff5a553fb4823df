// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// EvictionPolicy selects how a [MemoryBackend] reclaims space.
type EvictionPolicy int

const (
	// EvictionTTL drops entries only once their TTL elapses; size is unbounded.
	EvictionTTL EvictionPolicy = iota
	// EvictionLRU drops the least-recently-used entry once MaxEntries is exceeded.
	EvictionLRU
)

type memEntry struct {
	key       string
	value     any
	expiresAt time.Time // zero means no expiry
	elem      *list.Element
}

// MemoryBackend is an in-process [Backend] offering either TTL-based or
// LRU-based eviction (spec §4.4 "per-region LRU (size-bounded) or TTL
// (time-bounded)"). There is no third-party Go library in the retrieval pack
// offering a drop-in TTL/LRU cache, so this is a direct, small implementation
// over container/list + a map, guarded by a single mutex.
type MemoryBackend struct {
	mu         sync.Mutex
	policy     EvictionPolicy
	maxEntries int
	entries    map[string]*memEntry
	order      *list.List // front = most recently used
	now        func() time.Time
}

// NewMemoryBackend constructs a [MemoryBackend]. maxEntries is only consulted
// under [EvictionLRU]; pass 0 for an effectively unbounded TTL region.
func NewMemoryBackend(policy EvictionPolicy, maxEntries int) *MemoryBackend {
	return &MemoryBackend{
		policy:     policy,
		maxEntries: maxEntries,
		entries:    make(map[string]*memEntry),
		order:      list.New(),
		now:        time.Now,
	}
}

var _ Backend = (*MemoryBackend)(nil)

func (m *MemoryBackend) Get(ctx context.Context, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		m.removeLocked(e)
		return nil, false, nil
	}
	if m.policy == EvictionLRU {
		m.order.MoveToFront(e.elem)
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	if e, ok := m.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		if m.policy == EvictionLRU {
			m.order.MoveToFront(e.elem)
		}
		return nil
	}
	e := &memEntry{key: key, value: value, expiresAt: expiresAt}
	if m.policy == EvictionLRU {
		e.elem = m.order.PushFront(e)
	}
	m.entries[key] = e
	m.evictIfNeededLocked()
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.removeLocked(e)
	}
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memEntry)
	m.order.Init()
	return nil
}

// Items returns a lock-then-copy snapshot (spec §4.4 "Snapshots via
// lock-then-copy"), excluding entries that have already expired.
func (m *MemoryBackend) Items(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if m.expired(e) {
			continue
		}
		out[k] = e.value
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) expired(e *memEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *MemoryBackend) removeLocked(e *memEntry) {
	delete(m.entries, e.key)
	if e.elem != nil {
		m.order.Remove(e.elem)
	}
}

func (m *MemoryBackend) evictIfNeededLocked() {
	if m.policy != EvictionLRU || m.maxEntries <= 0 {
		return
	}
	for len(m.entries) > m.maxEntries {
		back := m.order.Back()
		if back == nil {
			return
		}
		m.removeLocked(back.Value.(*memEntry))
	}
}
