package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/fetch"
	"github.com/any-hub/tiercache/internal/metrics"
)

// CachedItem 是不可变的条目包装，Tier 总是已解析的层级。
type CachedItem[V any] struct {
	Value V
	Tier  Tier
}

// Status 标识 Response 的分支。
type Status int

const (
	StatusSuccess Status = iota
	// StatusZeroCacheAge 表示上游禁止缓存：条目照常交付，但既不落盘也不进内存。
	StatusZeroCacheAge
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusZeroCacheAge:
		return "zero_cache_age"
	default:
		return "failure"
	}
}

// Response 是一次 Load 的结果。StatusZeroCacheAge 时 Item 有效且 Err 为 ErrZeroCacheAge；
// StatusFailure 时 Item 为零值，Err 描述失败原因。
type Response[V any] struct {
	Status      Status
	Item        CachedItem[V]
	DidDownload bool
	Err         error
}

// HasItem 表示响应中是否带有可用条目。
func (r Response[V]) HasItem() bool {
	return r.Status != StatusFailure
}

// LoadOptions 控制单次 Load。
type LoadOptions struct {
	// RefreshCached 为 true 时跳过已缓存条目，强制重新下载。
	RefreshCached bool
}

// Stats 汇总两层缓存的占用。
type Stats struct {
	MemoryEntries int       `json:"memory_entries"`
	MemoryCost    int64     `json:"memory_cost"`
	MaxMemoryCost int       `json:"max_memory_cost"`
	Disk          DiskStats `json:"disk"`
}

// Cache 是对外入口：按 内存 → 磁盘 → 网络 的顺序解析键，并回填更快的层级。
type Cache[K Key, V any] struct {
	cfg      Config
	codec    Codec[V]
	memory   *memoryTier[K, V]
	disk     *DiskStore[V]
	fetcher  Fetcher
	logger   *logrus.Logger
	metrics  *metrics.Recorder
	dispatch func(func())

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// New 根据配置构建缓存实例。未注入 Fetcher 时使用 fetch.New 创建合并下载器。
func New[K Key, V any](cfg Config, codec Codec[V], opts ...Option) (*Cache[K, V], error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	memory, err := newMemoryTier[K, V](cfg.MaxMemoryCount, cfg.MaxMemoryCost)
	if err != nil {
		return nil, err
	}
	disk, err := NewDiskStore(cfg, codec, opts...)
	if err != nil {
		return nil, err
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.New(o.client, fetch.WithLogger(o.logger), fetch.WithMetrics(o.metrics))
	}

	return &Cache[K, V]{
		cfg:      disk.cfg,
		codec:    codec,
		memory:   memory,
		disk:     disk,
		fetcher:  fetcher,
		logger:   o.logger,
		metrics:  o.metrics,
		dispatch: o.dispatch,
	}, nil
}

// Add 写入条目：解析后的层级需要驻留内存则写内存，需要持久化则同步落盘。
// 落盘失败不会回滚已完成的内存写入；只写内存永远不会失败。
func (c *Cache[K, V]) Add(item V, key K, tier Tier, cost Cost) (CachedItem[V], error) {
	return c.add(item, key, tier.resolve(c.cfg.DefaultTier), cost, nil)
}

func (c *Cache[K, V]) add(item V, key K, resolved Tier, cost Cost, data []byte) (CachedItem[V], error) {
	cached := CachedItem[V]{Value: item, Tier: resolved}
	if resolved.MemoryResident() {
		c.memory.set(key, cached, cost)
		c.metrics.MemoryEntries(c.memory.len())
	}
	if !resolved.Persists() {
		return cached, nil
	}

	name, err := stableName(key)
	if err != nil {
		return cached, err
	}
	if data == nil {
		encoded, ok := c.codec.Encode(item)
		if !ok {
			return cached, &DiskError{Op: DiskOpWrite, Key: name, Err: ErrNotEncodable}
		}
		data = encoded
	}
	if err := c.disk.Save(data, name); err != nil {
		return cached, err
	}
	return cached, nil
}

// Item 先查内存，未命中且层级允许时再查磁盘。磁盘命中会被提升到内存（DiskOnly 除外）。
func (c *Cache[K, V]) Item(key K, tier Tier) (CachedItem[V], bool) {
	resolved := tier.resolve(c.cfg.DefaultTier)

	if item, ok := c.memory.get(key); ok {
		c.metrics.Hit(TierMemory.String())
		return item, true
	}
	if resolved == TierMemory {
		c.metrics.Miss()
		return CachedItem[V]{}, false
	}

	name, ok := key.StableString()
	if !ok {
		c.metrics.Miss()
		return CachedItem[V]{}, false
	}
	value, size, ok := c.disk.Item(name)
	if !ok {
		c.metrics.Miss()
		return CachedItem[V]{}, false
	}
	c.metrics.Hit(TierDisk.String())

	item := CachedItem[V]{Value: value, Tier: resolved}
	if resolved.MemoryResident() {
		c.memory.set(key, item, CostForSize(size))
		c.metrics.MemoryEntries(c.memory.len())
	}
	return item, true
}

// Load 返回已缓存条目，或经 Fetcher 下载、解码并按层级存储。调用一旦发出就会运行到
// 成功或失败：ctx 只携带请求范围的值，不能取消共享的下载。
func (c *Cache[K, V]) Load(ctx context.Context, rawURL string, key K, tier Tier, opts LoadOptions) Response[V] {
	resolved := tier.resolve(c.cfg.DefaultTier)
	if !opts.RefreshCached {
		if item, ok := c.Item(key, resolved); ok {
			return Response[V]{Status: StatusSuccess, Item: item}
		}
	}

	done := make(chan fetch.Result, 1)
	c.fetcher.Fetch(ctx, rawURL, func(r fetch.Result) {
		done <- r
	})
	return c.complete(rawURL, key, resolved, <-done)
}

// LoadAsync 在独立 goroutine 中执行 Load，并通过配置的 dispatcher 投递回调。
// Close 之后调用会直接投递 ErrClosed 失败。
func (c *Cache[K, V]) LoadAsync(ctx context.Context, rawURL string, key K, tier Tier, opts LoadOptions, done func(Response[V])) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if done != nil {
			c.dispatch(func() { done(Response[V]{Status: StatusFailure, Err: ErrClosed}) })
		}
		return
	}
	c.pending.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()
		resp := c.Load(ctx, rawURL, key, tier, opts)
		if done != nil {
			c.dispatch(func() { done(resp) })
		}
	}()
}

func (c *Cache[K, V]) complete(rawURL string, key K, resolved Tier, result fetch.Result) Response[V] {
	fields := logrus.Fields{
		"action": "cache_load",
		"url":    rawURL,
		"tier":   resolved.String(),
	}

	if result.Err != nil {
		c.metrics.Failure("network")
		return Response[V]{Status: StatusFailure, Err: &NetworkError{URL: rawURL, Err: result.Err}}
	}

	value, ok := c.codec.Decode(result.Data)
	if !ok {
		c.metrics.Failure("data_invalid")
		fields["bytes"] = len(result.Data)
		c.logger.WithFields(fields).Warn("downloaded data rejected by codec")
		return Response[V]{Status: StatusFailure, Err: ErrDataInvalid}
	}

	item := CachedItem[V]{Value: value, Tier: resolved}
	if result.Directive.ZeroAge() {
		c.logger.WithFields(fields).Debug("zero cache age, item not stored")
		return Response[V]{Status: StatusZeroCacheAge, Item: item, DidDownload: true, Err: ErrZeroCacheAge}
	}

	// 落盘的是下载到的原始字节，不重新编码
	if _, err := c.add(value, key, resolved, CostForSize(int64(len(result.Data))), result.Data); err != nil {
		reason := "disk_write"
		if errors.Is(err, ErrIndeterminableLocation) {
			reason = "indeterminable_location"
		}
		c.metrics.Failure(reason)
		c.logger.WithFields(fields).WithError(err).Warn("persist downloaded item failed")
		return Response[V]{Status: StatusFailure, Err: err}
	}
	return Response[V]{Status: StatusSuccess, Item: item, DidDownload: true}
}

// RemoveItem 从内存移除条目；被移除条目的层级需要持久化时同时删除磁盘文件。
// 键不在内存中但磁盘上存在文件时，文件同样被删除，返回的条目标记为 TierDiskOnly。
func (c *Cache[K, V]) RemoveItem(key K) (CachedItem[V], bool, error) {
	item, found := c.memory.remove(key)
	c.metrics.MemoryEntries(c.memory.len())

	name, stable := key.StableString()
	if !stable {
		return item, found, nil
	}

	persisted := found && item.Tier.Persists()
	if !found {
		if !c.disk.Exists(name) {
			return item, false, nil
		}
		// 文件无法解码时仍然删除，返回零值条目
		item = CachedItem[V]{Tier: TierDiskOnly}
		if value, _, ok := c.disk.Item(name); ok {
			item.Value = value
		}
		found, persisted = true, true
	}

	if persisted {
		if err := c.disk.Delete(name); err != nil {
			return item, found, err
		}
	}
	return item, found, nil
}

// RemoveMemoryCache 清空内存层，磁盘条目不受影响。
func (c *Cache[K, V]) RemoveMemoryCache() {
	c.memory.purge()
	c.metrics.MemoryEntries(0)
}

// DeleteDiskCache 删除全部磁盘条目，内存层不受影响。
func (c *Cache[K, V]) DeleteDiskCache() error {
	return c.disk.DeleteAll()
}

// ClearSpace 立即执行一次磁盘清扫。
func (c *Cache[K, V]) ClearSpace() SweepResult {
	return c.disk.ClearSpace()
}

// Get 以默认层级读取条目值。
func (c *Cache[K, V]) Get(key K) (V, bool) {
	item, ok := c.Item(key, TierDefault)
	return item.Value, ok
}

// Set 以默认层级写入条目，成本按编码后的字节数计算。
func (c *Cache[K, V]) Set(key K, value V) error {
	resolved := c.cfg.DefaultTier
	cost := CostNone
	var data []byte
	if encoded, ok := c.codec.Encode(value); ok {
		data = encoded
		cost = CostForSize(int64(len(encoded)))
	}
	_, err := c.add(value, key, resolved, cost, data)
	return err
}

// Stats 返回两层缓存的占用概况。
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		MemoryEntries: c.memory.len(),
		MemoryCost:    c.memory.totalCost(),
		MaxMemoryCost: c.cfg.MaxMemoryCost,
		Disk:          c.disk.Stats(),
	}
}

// Disk 返回磁盘层。
func (c *Cache[K, V]) Disk() *DiskStore[V] {
	return c.disk
}

// Config 返回补齐默认值后的配置。
func (c *Cache[K, V]) Config() Config {
	return c.cfg
}

// Close 停止接收 LoadAsync 与后台清扫，并等待已开始的任务结束，timeout<=0 表示一直等待。
// 同步的 Load/Add 在关闭后仍可使用。
func (c *Cache[K, V]) Close(timeout time.Duration) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.pending.Wait()
		c.disk.Close()
		close(finished)
	}()
	if timeout <= 0 {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.New("cache close timed out waiting for background work")
	}
}
