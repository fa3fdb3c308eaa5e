package cache

import (
	"sync"
	"time"
)

// IndexEntry 记录一个落盘条目的位置、大小与最近访问时间。
type IndexEntry struct {
	Key        string    `json:"key"`
	Location   string    `json:"location"`
	Size       int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
}

// Index 是磁盘层唯一的可变共享状态，所有修改都在同一把锁内完成，
// 原始 map 从不暴露给调用方。
type Index struct {
	mu      sync.Mutex
	entries map[string]IndexEntry
	total   int64
}

// NewIndex 创建空索引。
func NewIndex() *Index {
	return &Index{entries: make(map[string]IndexEntry)}
}

// Get 返回 key 对应的条目。
func (idx *Index) Get(key string) (IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[key]
	return entry, ok
}

// Upsert 写入或替换条目，并按差值维护总大小。返回写入后的总大小。
func (idx *Index) Upsert(entry IndexEntry) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, ok := idx.entries[entry.Key]; ok {
		idx.total -= prev.Size
	}
	idx.entries[entry.Key] = entry
	idx.total += entry.Size
	return idx.total
}

// Remove 删除条目并返回被删除的值。
func (idx *Index) Remove(key string) (IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[key]
	if !ok {
		return IndexEntry{}, false
	}
	delete(idx.entries, key)
	idx.total -= entry.Size
	return entry, true
}

// RemoveIf 删除所有满足 pred 的条目，返回被删除的条目列表。pred 在锁内执行，不能做 I/O。
func (idx *Index) RemoveIf(pred func(IndexEntry) bool) []IndexEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var removed []IndexEntry
	for key, entry := range idx.entries {
		if !pred(entry) {
			continue
		}
		delete(idx.entries, key)
		idx.total -= entry.Size
		removed = append(removed, entry)
	}
	return removed
}

// Touch 更新最近访问时间；条目不存在时忽略。
func (idx *Index) Touch(key string, at time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if entry, ok := idx.entries[key]; ok {
		entry.LastAccess = at
		idx.entries[key] = entry
	}
}

// Snapshot 返回当前索引的副本，供清扫在锁外做文件 I/O。
func (idx *Index) Snapshot() map[string]IndexEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	snapshot := make(map[string]IndexEntry, len(idx.entries))
	for key, entry := range idx.entries {
		snapshot[key] = entry
	}
	return snapshot
}

// Merge 合并启动扫描得到的条目；已存在的键以现有条目为准，因为扫描期间写入的数据更新。
func (idx *Index) Merge(scanned []IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, entry := range scanned {
		if _, exists := idx.entries[entry.Key]; exists {
			continue
		}
		idx.entries[entry.Key] = entry
		idx.total += entry.Size
	}
}

// Recompute 从存活条目重新累加总大小，修正并发写入造成的偏差。
func (idx *Index) Recompute() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var total int64
	for _, entry := range idx.entries {
		total += entry.Size
	}
	idx.total = total
	return total
}

// Reset 清空索引。
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]IndexEntry)
	idx.total = 0
}

// TotalSize 返回当前累计字节数。
func (idx *Index) TotalSize() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.total
}

// Len 返回条目数量。
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}
