package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/clock"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory хранилище в памяти процесса с фиксированным TTL
type Memory[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]entry[V]
	ttl     time.Duration
	clock   clock.Clock
	maxSize int
}

// NewMemory создаёт хранилище в памяти
func NewMemory[K comparable, V any](ttl time.Duration, clk clock.Clock) *Memory[K, V] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory[K, V]{
		items:   make(map[K]entry[V]),
		ttl:     ttl,
		clock:   clk,
		maxSize: 10000,
	}
}

func (m *Memory[K, V]) Get(_ context.Context, key K) (V, bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || !m.clock.Now().Before(e.expiresAt) {
		var zero V
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[K, V]) Set(_ context.Context, key K, value V) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= m.maxSize {
		m.evictExpired(now)
	}
	m.items[key] = entry[V]{value: value, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *Memory[K, V]) Delete(_ context.Context, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// Len количество записей, включая просроченные
func (m *Memory[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory[K, V]) evictExpired(now time.Time) {
	for k, e := range m.items {
		if !now.Before(e.expiresAt) {
			delete(m.items, k)
		}
	}
}
