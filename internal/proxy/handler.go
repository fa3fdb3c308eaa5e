package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/codec"
	"github.com/any-hub/tiercache/internal/logging"
	"github.com/any-hub/tiercache/internal/prefetch"
	"github.com/any-hub/tiercache/internal/server"
)

// ResourceCache 是代理层依赖的缓存能力，*cache.Cache[cache.URLKey, codec.Resource] 即满足该接口。
type ResourceCache interface {
	prefetch.Loader[codec.Resource]
	RemoveItem(key cache.URLKey) (cache.CachedItem[codec.Resource], bool, error)
}

// Handler 将 HTTP 请求翻译为缓存的 Load/RemoveItem/批量预热调用，
// 并把缓存结果映射为响应头与错误码。
type Handler struct {
	cache       ResourceCache
	registry    *server.OriginRegistry
	logger      *logrus.Logger
	concurrency int
}

// NewHandler 构造代理 handler，concurrency 为单个预热批次的并发上限。
func NewHandler(c ResourceCache, registry *server.OriginRegistry, logger *logrus.Logger, concurrency int) *Handler {
	return &Handler{
		cache:       c,
		registry:    registry,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Fetch 通过缓存读取 target，未命中时回源下载。
func (h *Handler) Fetch(c fiber.Ctx, route *server.OriginRoute, target *url.URL) error {
	started := time.Now()
	tier, err := requestTier(c.Query("tier"), route)
	if err != nil {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_tier")
	}
	refresh := route.Config.RefreshCached
	if raw := c.Query("refresh"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return server.RenderError(c, fiber.StatusBadRequest, "invalid_refresh")
		}
		refresh = parsed
	}

	rawURL := target.String()
	resp := h.cache.Load(requestContext(c), rawURL, cache.URLKey(rawURL), tier, cache.LoadOptions{RefreshCached: refresh})

	fields := logging.RequestFields(route.Config.Name, rawURL, tier.String(), resp.HasItem() && !resp.DidDownload)
	fields["action"] = "proxy_fetch"
	fields["status"] = resp.Status.String()
	fields["request_id"] = server.RequestID(c)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	if !resp.HasItem() {
		status, code := failureStatus(resp.Err)
		h.logger.WithFields(fields).WithError(resp.Err).Warn("fetch failed")
		return server.RenderError(c, status, code)
	}
	h.logger.WithFields(fields).Info("fetch served")

	item := resp.Item
	if item.Value.ContentType != "" {
		c.Set(fiber.HeaderContentType, item.Value.ContentType)
	}
	c.Set("X-Tiercache-Tier", item.Tier.String())
	c.Set("X-Tiercache-Downloaded", strconv.FormatBool(resp.DidDownload))
	c.Set("X-Tiercache-Stored", strconv.FormatBool(resp.Status == cache.StatusSuccess))
	return c.Status(fiber.StatusOK).Send(item.Value.Body)
}

// Remove 删除 target 对应的缓存条目。
func (h *Handler) Remove(c fiber.Ctx, route *server.OriginRoute, target *url.URL) error {
	rawURL := target.String()
	item, found, err := h.cache.RemoveItem(cache.URLKey(rawURL))

	fields := logrus.Fields{
		"action":     "proxy_remove",
		"origin":     route.Config.Name,
		"url":        rawURL,
		"found":      found,
		"request_id": server.RequestID(c),
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("remove failed")
		return server.RenderError(c, fiber.StatusInternalServerError, "disk_delete_failed")
	}
	if !found {
		return server.RenderError(c, fiber.StatusNotFound, "not_cached")
	}
	h.logger.WithFields(fields).Info("cache item removed")
	return c.JSON(fiber.Map{
		"removed": true,
		"tier":    item.Tier.String(),
	})
}

type prefetchRequest struct {
	URLs []string `json:"urls"`
	Tier string   `json:"tier"`
}

type prefetchResponse struct {
	Items  int      `json:"items"`
	Failed []string `json:"failed"`
}

// Prefetch 批量预热 URL 列表。未声明 Origin 的 URL 不回源，直接计入 failed。
func (h *Handler) Prefetch(c fiber.Ctx) error {
	started := time.Now()
	var req prefetchRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_body")
	}
	tier, err := cache.ParseTier(req.Tier)
	if err != nil {
		return server.RenderError(c, fiber.StatusBadRequest, "invalid_tier")
	}

	allowed := make([]string, 0, len(req.URLs))
	rejected := make(map[string]struct{})
	for _, raw := range req.URLs {
		_, target, err := h.registry.Resolve(raw)
		if err != nil {
			rejected[raw] = struct{}{}
			continue
		}
		allowed = append(allowed, target.String())
	}

	// 每个请求独立创建 Prefetcher，避免并发请求互相返回 ErrBatchInFlight
	p := prefetch.New[codec.Resource](h.cache,
		prefetch.WithLimit(h.concurrency),
		prefetch.WithLogger(h.logger),
	)
	items, failed, err := p.Run(requestContext(c), allowed, tier)
	if err != nil {
		return server.RenderError(c, fiber.StatusConflict, "prefetch_busy")
	}

	failedSet := make(map[string]struct{}, len(failed))
	for _, u := range failed {
		failedSet[u] = struct{}{}
	}
	out := prefetchResponse{Items: len(items), Failed: make([]string, 0, len(failed)+len(rejected))}
	for _, raw := range req.URLs {
		if _, ok := rejected[raw]; ok {
			out.Failed = append(out.Failed, raw)
			continue
		}
		if _, target, err := h.registry.Resolve(raw); err == nil {
			if _, ok := failedSet[target.String()]; ok {
				out.Failed = append(out.Failed, raw)
			}
		}
	}

	h.logger.WithFields(logrus.Fields{
		"action":     "proxy_prefetch",
		"urls":       len(req.URLs),
		"rejected":   len(rejected),
		"items":      out.Items,
		"failed":     len(out.Failed),
		"request_id": server.RequestID(c),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("prefetch served")
	return c.JSON(out)
}

// requestTier 解析 tier 查询参数，未指定时使用 Origin 的覆盖层级。
func requestTier(raw string, route *server.OriginRoute) (cache.Tier, error) {
	tier, err := cache.ParseTier(strings.TrimSpace(raw))
	if err != nil {
		return cache.TierDefault, err
	}
	if tier == cache.TierDefault && route != nil {
		return route.Tier, nil
	}
	return tier, nil
}

func failureStatus(err error) (int, string) {
	var netErr *cache.NetworkError
	switch {
	case errors.As(err, &netErr):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, cache.ErrDataInvalid):
		return fiber.StatusUnprocessableEntity, "data_invalid"
	case cache.IsDiskWrite(err):
		return fiber.StatusInsufficientStorage, "disk_write_failed"
	default:
		return fiber.StatusInternalServerError, "cache_failed"
	}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
