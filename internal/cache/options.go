package cache

import (
	"context"
	"io"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/fetch"
	"github.com/any-hub/tiercache/internal/metrics"
)

// Fetcher 是编排层依赖的下载能力，*fetch.Fetcher 即满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, h fetch.Handler)
}

type options struct {
	fs       billy.Filesystem
	logger   *logrus.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	fetcher  Fetcher
	client   fetch.Doer
	dispatch func(func())
}

// Option 调整 Cache 与 DiskStore 的依赖注入。
type Option func(*options)

// WithFilesystem 指定磁盘层使用的 billy 文件系统，其根即缓存根目录。
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithLogger 注入 logrus logger，默认丢弃输出。
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics 注入指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithClock 替换时钟，测试中用于推进条目年龄。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFetcher 注入自定义下载器，优先于 WithHTTPClient。
func WithFetcher(f Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithHTTPClient 使用给定客户端构建默认的合并下载器。
func WithHTTPClient(client fetch.Doer) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithDispatcher 指定 LoadAsync 回调的投递方式，默认在工作 goroutine 上直接执行。
func WithDispatcher(dispatch func(func())) Option {
	return func(o *options) {
		o.dispatch = dispatch
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetOutput(io.Discard)
	}
	if o.dispatch == nil {
		o.dispatch = func(fn func()) { fn() }
	}
	return o
}
