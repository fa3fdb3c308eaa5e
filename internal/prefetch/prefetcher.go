package prefetch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/tiercache/internal/cache"
)

// ErrBatchInFlight 表示同一个 Prefetcher 上已有批次在运行。
var ErrBatchInFlight = errors.New("prefetch batch already in flight")

// DefaultLimit 是单批次同时进行的 Load 数量上限。
const DefaultLimit = 8

// Loader 是预热依赖的加载能力，*cache.Cache[cache.URLKey, V] 即满足该接口。
type Loader[V any] interface {
	Load(ctx context.Context, rawURL string, key cache.URLKey, tier cache.Tier, opts cache.LoadOptions) cache.Response[V]
}

// Done 在批次全部结束后调用一次：items 按输入顺序排列，failed 列出没能缓存的 URL。
type Done[V any] func(items []V, failed []string)

// Prefetcher 同一时刻只运行一个批次。
type Prefetcher[V any] struct {
	loader   Loader[V]
	limit    int
	logger   *logrus.Logger
	dispatch func(func())

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// Option 调整 Prefetcher。
type Option func(*config)

type config struct {
	limit    int
	logger   *logrus.Logger
	dispatch func(func())
}

// WithLimit 设置并发上限，<=0 时使用 DefaultLimit。
func WithLimit(limit int) Option {
	return func(c *config) {
		c.limit = limit
	}
}

// WithLogger 注入 logrus logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDispatcher 指定完成回调的投递方式，默认在工作 goroutine 上直接执行。
func WithDispatcher(dispatch func(func())) Option {
	return func(c *config) {
		c.dispatch = dispatch
	}
}

// New 创建绑定 loader 的 Prefetcher。
func New[V any](loader Loader[V], opts ...Option) *Prefetcher[V] {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.limit <= 0 {
		cfg.limit = DefaultLimit
	}
	if cfg.logger == nil {
		cfg.logger = logrus.New()
		cfg.logger.SetOutput(io.Discard)
	}
	if cfg.dispatch == nil {
		cfg.dispatch = func(fn func()) { fn() }
	}
	return &Prefetcher[V]{
		loader:   loader,
		limit:    cfg.limit,
		logger:   cfg.logger,
		dispatch: cfg.dispatch,
	}
}

type slot[V any] struct {
	item V
	ok   bool
}

// Get 异步预热 urls，立即返回。批次结束后 done 恰好被调用一次；
// 空输入同样会回调，参数为空切片。已有批次在运行时返回 ErrBatchInFlight。
func (p *Prefetcher[V]) Get(ctx context.Context, urls []string, tier cache.Tier, done Done[V]) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrBatchInFlight
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		items, failed := p.run(ctx, urls, tier)

		p.mu.Lock()
		p.running = false
		p.mu.Unlock()

		if done != nil {
			p.dispatch(func() { done(items, failed) })
		}
	}()
	return nil
}

// Run 同步执行一个批次。
func (p *Prefetcher[V]) Run(ctx context.Context, urls []string, tier cache.Tier) ([]V, []string, error) {
	type outcome struct {
		items  []V
		failed []string
	}
	ch := make(chan outcome, 1)
	if err := p.Get(ctx, urls, tier, func(items []V, failed []string) {
		ch <- outcome{items: items, failed: failed}
	}); err != nil {
		return nil, nil, err
	}
	out := <-ch
	return out.items, out.failed, nil
}

// Busy 表示是否有批次在运行。
func (p *Prefetcher[V]) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait 等待当前批次及其回调结束。
func (p *Prefetcher[V]) Wait() {
	p.wg.Wait()
}

func (p *Prefetcher[V]) run(ctx context.Context, urls []string, tier cache.Tier) ([]V, []string) {
	if len(urls) == 0 {
		return []V{}, []string{}
	}

	started := time.Now()
	slots := make([]slot[V], len(urls))
	var (
		mu     sync.Mutex
		failed = make([]bool, len(urls))
	)

	// 单个 URL 的失败只记录，不会中断批次，因此 errgroup 不派生可取消的 ctx
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, rawURL := range urls {
		g.Go(func() error {
			resp := p.loader.Load(ctx, rawURL, cache.URLKey(rawURL), tier, cache.LoadOptions{})

			mu.Lock()
			defer mu.Unlock()
			if resp.HasItem() {
				slots[i] = slot[V]{item: resp.Item.Value, ok: true}
			}
			if resp.Status != cache.StatusSuccess {
				failed[i] = true
				p.logger.WithFields(logrus.Fields{
					"action": "prefetch_item",
					"url":    rawURL,
					"status": resp.Status.String(),
				}).WithError(resp.Err).Warn("prefetch item not cached")
			}
			return nil
		})
	}
	_ = g.Wait()

	items := make([]V, 0, len(urls))
	failedURLs := make([]string, 0)
	for i, s := range slots {
		if s.ok {
			items = append(items, s.item)
		}
		if failed[i] {
			failedURLs = append(failedURLs, urls[i])
		}
	}

	p.logger.WithFields(logrus.Fields{
		"action":     "prefetch",
		"urls":       len(urls),
		"items":      len(items),
		"failed":     len(failedURLs),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("prefetch batch finished")
	return items, failedURLs
}
