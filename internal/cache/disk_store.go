package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/tiercache/internal/metrics"
)

const (
	// legacyIndexFile 是旧版本持久化的索引；发现即视为不可信并清空整个磁盘缓存。
	legacyIndexFile = "index.json"
	tempFilePrefix  = ".tmp-"
	sweepKey        = "sweep"
)

// DiskStore 以 <root>/<key>.<ext> 的形式保存条目，并通过内存索引维持字节预算。
type DiskStore[V any] struct {
	fs      billy.Filesystem
	codec   Codec[V]
	cfg     Config
	index   *Index
	logger  *logrus.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	sweeps singleflight.Group
	bg     sync.WaitGroup
	ready  chan struct{}

	bgMu   sync.Mutex
	closed bool

	// 启动扫描合并前发生的删除，合并时跳过这些键
	scanMu      sync.Mutex
	scanning    bool
	scanWiped   bool
	scanDeleted map[string]struct{}

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// SweepResult 汇总一次清扫的结果。
type SweepResult struct {
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	FreedBytes int64 `json:"freed_bytes"`
	Remaining  int64 `json:"remaining_bytes"`
}

// DiskStats 描述磁盘层当前状态。
type DiskStats struct {
	Entries    int   `json:"entries"`
	SizeBytes  int64 `json:"size_bytes"`
	MaxSize    int64 `json:"max_size_bytes"`
	TargetSize int64 `json:"target_size_bytes"`
}

// NewDiskStore 创建磁盘层。未注入文件系统时以 cfg.Directory 为根创建 osfs。
// 构造完成后在后台扫描目录重建索引，Wait 可等待扫描结束。
func NewDiskStore[V any](cfg Config, codec Codec[V], opts ...Option) (*DiskStore[V], error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	fs := o.fs
	if fs == nil {
		if cfg.Directory == "" {
			return nil, errors.New("cache directory required")
		}
		abs, err := filepath.Abs(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		cfg.Directory = abs
		fs = osfs.New(abs)
	}

	d := &DiskStore[V]{
		fs:      fs,
		codec:   codec,
		cfg:     cfg,
		index:   NewIndex(),
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.now,
		ready:   make(chan struct{}),
		locks:   make(map[string]*entryLock),
	}

	if _, err := fs.Stat(legacyIndexFile); err == nil {
		d.logger.WithFields(logrus.Fields{
			"action": "disk_migrate",
			"root":   fs.Root(),
		}).Warn("legacy index found, clearing disk cache")
		if err := d.DeleteAll(); err != nil {
			return nil, err
		}
	}

	d.scanning = true
	d.scanDeleted = make(map[string]struct{})
	d.goBackground(d.scan)
	return d, nil
}

// Save 写入 key 对应的字节。索引在写入完成前即更新，写入失败时索引条目仍保留；
// 写入后若总大小达到上限则在后台触发清扫。
func (d *DiskStore[V]) Save(data []byte, key string) error {
	if key == "" {
		return ErrIndeterminableLocation
	}
	location := d.location(key)
	total := d.index.Upsert(IndexEntry{
		Key:        key,
		Location:   location,
		Size:       int64(len(data)),
		LastAccess: d.now(),
	})

	started := time.Now()
	err := d.write(key, location, data)
	d.metrics.Since(metrics.OpDiskWrite, started)
	d.metrics.DiskUsage(total, d.index.Len())

	if total >= d.cfg.MaxDiskSize {
		d.triggerSweep()
	}
	if err != nil {
		return &DiskError{Op: DiskOpWrite, Key: key, Err: err}
	}
	return nil
}

// Item 读取并解码 key 对应的条目，返回条目与其磁盘字节数。
// 解码失败视为未命中：损坏或外来文件不应变成错误。
func (d *DiskStore[V]) Item(key string) (V, int64, bool) {
	var zero V
	if key == "" {
		return zero, 0, false
	}

	started := time.Now()
	data, err := util.ReadFile(d.fs, d.location(key))
	d.metrics.Since(metrics.OpDiskRead, started)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.WithFields(logrus.Fields{
				"action": "disk_read",
				"key":    key,
			}).WithError(err).Warn("read cache file failed")
		}
		return zero, 0, false
	}

	value, ok := d.codec.Decode(data)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"action": "disk_read",
			"key":    key,
			"bytes":  len(data),
		}).Warn("cache file could not be decoded")
		return zero, 0, false
	}

	d.index.Touch(key, d.now())
	return value, int64(len(data)), true
}

// Exists 仅当文件真实存在时返回 true；文件已丢失的索引条目会被顺带清理。
func (d *DiskStore[V]) Exists(key string) bool {
	if key == "" {
		return false
	}
	if _, err := d.fs.Stat(d.location(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.forget(key)
		}
		return false
	}
	return true
}

// Delete 删除文件并无条件移除索引条目；文件本就不存在不算错误。
func (d *DiskStore[V]) Delete(key string) error {
	if key == "" {
		return ErrIndeterminableLocation
	}
	unlock := d.lockEntry(key)
	defer unlock()

	location := d.location(key)
	err := d.fs.Remove(location)
	d.forget(key)
	d.metrics.DiskUsage(d.index.TotalSize(), d.index.Len())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &DiskError{Op: DiskOpDelete, Key: key, Err: err}
	}
	return nil
}

// DeleteAll 删除根目录下所有缓存文件（含遗留索引与临时文件）并清空索引。
func (d *DiskStore[V]) DeleteAll() error {
	infos, err := d.fs.ReadDir(".")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &DiskError{Op: DiskOpDelete, Key: "*", Err: err}
	}

	var firstErr error
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !d.ownsFile(name) {
			continue
		}
		if err := d.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	d.scanMu.Lock()
	if d.scanning {
		d.scanWiped = true
	}
	d.index.RemoveIf(func(IndexEntry) bool { return true })
	d.scanMu.Unlock()
	d.metrics.DiskUsage(0, 0)

	if firstErr != nil {
		return &DiskError{Op: DiskOpDelete, Key: "*", Err: firstErr}
	}
	return nil
}

// ClearSpace 执行一次清扫；已有清扫在运行时加入它而不是再启动一个。
func (d *DiskStore[V]) ClearSpace() SweepResult {
	v, _, _ := d.sweeps.Do(sweepKey, func() (interface{}, error) {
		return d.sweep(), nil
	})
	result, _ := v.(SweepResult)
	return result
}

// Stats 返回索引视角下的磁盘占用。
func (d *DiskStore[V]) Stats() DiskStats {
	return DiskStats{
		Entries:    d.index.Len(),
		SizeBytes:  d.index.TotalSize(),
		MaxSize:    d.cfg.MaxDiskSize,
		TargetSize: d.cfg.targetSize(),
	}
}

// Index 返回底层索引，供诊断读取。
func (d *DiskStore[V]) Index() *Index {
	return d.index
}

// Ready 在启动扫描结束后关闭。
func (d *DiskStore[V]) Ready() <-chan struct{} {
	return d.ready
}

// Wait 等待启动扫描与已登记的后台清扫结束，不阻止之后的写入再触发清扫。
func (d *DiskStore[V]) Wait() {
	d.bg.Wait()
}

// Close 停止接收新的后台清扫并等待已登记的任务结束。之后的 Save 仍然写盘，
// 只是不再触发清扫。可重复调用。
func (d *DiskStore[V]) Close() {
	d.bgMu.Lock()
	d.closed = true
	d.bgMu.Unlock()
	d.bg.Wait()
}

// goBackground 在 Close 之前登记并启动后台任务；已关闭时返回 false。
func (d *DiskStore[V]) goBackground(fn func()) bool {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	if d.closed {
		return false
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fn()
	}()
	return true
}

func (d *DiskStore[V]) triggerSweep() {
	if !d.goBackground(func() { d.ClearSpace() }) {
		d.logger.WithFields(logrus.Fields{
			"action": "disk_sweep",
			"root":   d.fs.Root(),
		}).Debug("store closed, sweep skipped")
	}
}

// forget 从索引移除 key；启动扫描尚未合并时记下该键，防止扫描结果把它加回来。
func (d *DiskStore[V]) forget(key string) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()
	if d.scanning {
		d.scanDeleted[key] = struct{}{}
	}
	d.index.Remove(key)
}

// mergeScanned 结束扫描阶段，跳过扫描期间已删除的键后并入索引。
func (d *DiskStore[V]) mergeScanned(scanned []IndexEntry) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()
	if !d.scanWiped {
		kept := scanned[:0]
		for _, entry := range scanned {
			if _, deleted := d.scanDeleted[entry.Key]; !deleted {
				kept = append(kept, entry)
			}
		}
		d.index.Merge(kept)
	}
	d.scanning = false
	d.scanWiped = false
	d.scanDeleted = nil
}

// sweep 在索引快照上工作，文件 I/O 不持有索引锁：
// 先删除超过 MaxItemAge 的条目，仍超出目标时按体积从大到小删除，最后从存活索引重算总量。
func (d *DiskStore[V]) sweep() SweepResult {
	started := time.Now()
	snapshot := d.index.Snapshot()

	var (
		result SweepResult
		total  int64
	)
	for _, entry := range snapshot {
		total += entry.Size
	}

	deadline := d.now().Add(-d.cfg.MaxItemAge)
	for key, entry := range snapshot {
		if !entry.LastAccess.Before(deadline) {
			continue
		}
		delete(snapshot, key)
		if !d.evict(entry, "age") {
			continue
		}
		total -= entry.Size
		result.Expired++
		result.FreedBytes += entry.Size
	}

	target := d.cfg.targetSize()
	if total > target {
		remaining := make([]IndexEntry, 0, len(snapshot))
		for _, entry := range snapshot {
			remaining = append(remaining, entry)
		}
		sort.Slice(remaining, func(i, j int) bool {
			if remaining[i].Size != remaining[j].Size {
				return remaining[i].Size > remaining[j].Size
			}
			return remaining[i].Key < remaining[j].Key
		})
		for _, entry := range remaining {
			if total <= target {
				break
			}
			if !d.evict(entry, "size") {
				continue
			}
			total -= entry.Size
			result.Evicted++
			result.FreedBytes += entry.Size
		}
	}

	result.Remaining = d.index.Recompute()
	d.metrics.DiskUsage(result.Remaining, d.index.Len())
	d.metrics.Since(metrics.OpSweep, started)

	d.logger.WithFields(logrus.Fields{
		"action":      "disk_sweep",
		"expired":     result.Expired,
		"evicted":     result.Evicted,
		"freed_bytes": result.FreedBytes,
		"remaining":   result.Remaining,
		"target":      target,
		"elapsed_ms":  time.Since(started).Milliseconds(),
	}).Info("disk sweep finished")
	return result
}

// evict 删除快照中的条目。若条目在快照之后被重写或访问过则跳过；删除失败只记录日志。
func (d *DiskStore[V]) evict(entry IndexEntry, reason string) bool {
	unlock := d.lockEntry(entry.Key)
	defer unlock()

	live, ok := d.index.Get(entry.Key)
	if !ok {
		return false
	}
	if !live.LastAccess.Equal(entry.LastAccess) || live.Size != entry.Size {
		return false
	}

	if err := d.fs.Remove(entry.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.WithFields(logrus.Fields{
			"action": "disk_sweep",
			"key":    entry.Key,
			"reason": reason,
		}).WithError(err).Warn("evict cache file failed")
	}
	d.forget(entry.Key)
	d.metrics.Evicted(reason, entry.Size)
	return true
}

func (d *DiskStore[V]) scan() {
	defer close(d.ready)

	started := time.Now()
	fields := logrus.Fields{
		"action": "disk_scan",
		"root":   d.fs.Root(),
	}

	infos, err := d.fs.ReadDir(".")
	if err != nil {
		d.mergeScanned(nil)
		d.logger.WithFields(fields).WithError(err).Warn("scan cache directory failed")
		return
	}

	suffix := "." + d.cfg.FileExtension
	scanned := make([]IndexEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		key := strings.TrimSuffix(name, suffix)
		if key == "" {
			continue
		}
		scanned = append(scanned, IndexEntry{
			Key:        key,
			Location:   name,
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		})
	}

	d.mergeScanned(scanned)
	total := d.index.TotalSize()
	d.metrics.DiskUsage(total, d.index.Len())
	d.metrics.Since(metrics.OpScan, started)

	fields["entries"] = len(scanned)
	fields["bytes"] = total
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	d.logger.WithFields(fields).Info("disk index rebuilt")

	if total >= d.cfg.MaxDiskSize {
		d.triggerSweep()
	}
}

func (d *DiskStore[V]) write(key, location string, data []byte) error {
	unlock := d.lockEntry(key)
	defer unlock()

	tmp, err := d.fs.TempFile(".", tempFilePrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = d.fs.Remove(tmpName)
		return err
	}

	if err := d.fs.Rename(tmpName, location); err != nil {
		_ = d.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (d *DiskStore[V]) location(key string) string {
	if entry, ok := d.index.Get(key); ok && entry.Location != "" {
		return entry.Location
	}
	return key + "." + d.cfg.FileExtension
}

func (d *DiskStore[V]) ownsFile(name string) bool {
	return name == legacyIndexFile ||
		strings.HasPrefix(name, tempFilePrefix) ||
		strings.HasSuffix(name, "."+d.cfg.FileExtension)
}

// lockEntry 串行化同一 key 的写入与删除，refs 归零时回收锁对象。
func (d *DiskStore[V]) lockEntry(key string) func() {
	d.mu.Lock()
	lock := d.locks[key]
	if lock == nil {
		lock = &entryLock{}
		d.locks[key] = lock
	}
	lock.refs++
	d.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		d.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(d.locks, key)
		}
		d.mu.Unlock()
	}
}
