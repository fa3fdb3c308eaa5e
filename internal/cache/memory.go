package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryEntry 记录条目及其计费桶，淘汰回调据此回收成本。
type memoryEntry[V any] struct {
	item CachedItem[V]
	cost Cost
}

// memoryTier 以 golang-lru 约束条目数量，并在其上叠加成本上限：
// 超出 maxCost 时从最久未用的一端淘汰，直到回到上限内（至少保留最新条目）。
// 读操作直接走 lru 自身的锁；mu 只串行化写路径，让成本记账与淘汰保持一致。
type memoryTier[K comparable, V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[K, memoryEntry[V]]
	cost    atomic.Int64
	maxCost int64
}

func newMemoryTier[K comparable, V any](maxCount, maxCost int) (*memoryTier[K, V], error) {
	if maxCount <= 0 {
		maxCount = DefaultMaxMemoryCount
	}
	m := &memoryTier[K, V]{maxCost: int64(maxCost)}
	entries, err := lru.NewWithEvict[K, memoryEntry[V]](maxCount, func(_ K, e memoryEntry[V]) {
		m.cost.Add(-int64(e.cost))
	})
	if err != nil {
		return nil, err
	}
	m.entries = entries
	return m, nil
}

func (m *memoryTier[K, V]) get(key K) (CachedItem[V], bool) {
	e, ok := m.entries.Get(key)
	if !ok {
		return CachedItem[V]{}, false
	}
	return e.item, true
}

func (m *memoryTier[K, V]) set(key K, item CachedItem[V], cost Cost) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 先移除旧值，让回调扣掉旧成本
	m.entries.Remove(key)
	m.entries.Add(key, memoryEntry[V]{item: item, cost: cost})
	m.cost.Add(int64(cost))

	for m.maxCost > 0 && m.cost.Load() > m.maxCost && m.entries.Len() > 1 {
		if _, _, ok := m.entries.RemoveOldest(); !ok {
			break
		}
	}
}

func (m *memoryTier[K, V]) remove(key K) (CachedItem[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Peek(key)
	if !ok {
		return CachedItem[V]{}, false
	}
	m.entries.Remove(key)
	return e.item, true
}

func (m *memoryTier[K, V]) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
	m.cost.Store(0)
}

func (m *memoryTier[K, V]) len() int {
	return m.entries.Len()
}

func (m *memoryTier[K, V]) totalCost() int64 {
	return m.cost.Load()
}
