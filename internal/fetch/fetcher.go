package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/metrics"
)

// ErrBodyTooLarge 表示响应体超过配置的上限。
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Doer 是注入的网络客户端，*http.Client 即满足该接口。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Result 是一次 flight 的最终结果，所有等待者收到同一个值；Data 只读，不可修改。
type Result struct {
	Data        []byte
	ContentType string
	Directive   Directive
	Err         error
}

// Handler 接收 flight 结果。
type Handler func(Result)

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected upstream status %s", e.Status)
}

// Fetcher 按 URL 合并并发请求：同一 URL 同一时刻最多一个网络请求。
type Fetcher struct {
	client       Doer
	logger       *logrus.Logger
	metrics      *metrics.Recorder
	maxBodyBytes int64

	mu      sync.Mutex
	flights map[string][]Handler

	wg sync.WaitGroup
}

// Option 调整 Fetcher 行为。
type Option func(*Fetcher)

// WithLogger 注入 logrus logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics 注入指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(f *Fetcher) {
		f.metrics = recorder
	}
}

// WithMaxBodyBytes 限制单个响应体大小，0 表示不限制。
func WithMaxBodyBytes(limit int64) Option {
	return func(f *Fetcher) {
		f.maxBodyBytes = limit
	}
}

// New 创建 Fetcher；client 为 nil 时使用 http.DefaultClient。
func New(client Doer, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &Fetcher{
		client:  client,
		logger:  logger,
		flights: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 为 rawURL 注册 handler。已有 flight 时只追加 handler，否则发起新的请求。
// 请求结束后先注销 flight 再按注册顺序调用 handler，因此 handler 内重入 Fetch 会开启新的 flight。
// flight 使用脱离取消的 ctx 运行，单个调用方无法中断共享请求。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, h Handler) {
	f.mu.Lock()
	if handlers, ok := f.flights[rawURL]; ok {
		f.flights[rawURL] = append(handlers, h)
		f.mu.Unlock()
		f.metrics.Coalesced()
		return
	}
	f.flights[rawURL] = []Handler{h}
	f.mu.Unlock()

	f.wg.Add(1)
	go f.fly(context.WithoutCancel(ctx), rawURL)
}

// Get 阻塞等待 rawURL 的结果。ctx 取消只放弃等待，flight 本身继续完成。
func (f *Fetcher) Get(ctx context.Context, rawURL string) Result {
	done := make(chan Result, 1)
	f.Fetch(ctx, rawURL, func(r Result) {
		done <- r
	})
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// InFlight 返回 rawURL 当前挂起的 handler 数量，0 表示没有 flight。
func (f *Fetcher) InFlight(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flights[rawURL])
}

// Wait 等待所有已发起的 flight 结束。
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) fly(ctx context.Context, rawURL string) {
	defer f.wg.Done()

	result := f.download(ctx, rawURL)

	f.mu.Lock()
	handlers := f.flights[rawURL]
	delete(f.flights, rawURL)
	f.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(result)
		}
	}
}

func (f *Fetcher) download(ctx context.Context, rawURL string) Result {
	started := time.Now()
	f.metrics.Download()
	defer f.metrics.Since(metrics.OpFetch, started)

	fields := logrus.Fields{
		"action": "fetch",
		"url":    rawURL,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		f.logger.WithFields(fields).WithError(err).Warn("build request failed")
		return Result{Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		f.logger.WithFields(fields).WithError(err).Warn("upstream request failed")
		return Result{Err: err}
	}
	defer resp.Body.Close()

	fields["status"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		f.logger.WithFields(fields).Warn("upstream returned non-success status")
		return Result{Err: &StatusError{Code: resp.StatusCode, Status: resp.Status}}
	}

	data, err := f.readBody(resp.Body)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		f.logger.WithFields(fields).WithError(err).Warn("read upstream body failed")
		return Result{Err: err}
	}

	directive := directiveFromResponse(resp)
	fields["bytes"] = len(data)
	fields["zero_cache_age"] = directive.ZeroAge()
	f.logger.WithFields(fields).Debug("upstream fetched")

	return Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Directive:   directive,
	}
}

func (f *Fetcher) readBody(body io.Reader) ([]byte, error) {
	if f.maxBodyBytes <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, f.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
