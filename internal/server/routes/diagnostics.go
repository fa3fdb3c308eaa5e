package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/metrics"
	"github.com/any-hub/tiercache/internal/server"
)

// CacheAdmin 是诊断接口需要的缓存管理能力，*cache.Cache 即满足该接口。
type CacheAdmin interface {
	Stats() cache.Stats
	ClearSpace() cache.SweepResult
	RemoveMemoryCache()
	DeleteDiskCache() error
}

// Diagnostics 汇总 /-/ 路由依赖。
type Diagnostics struct {
	Cache    CacheAdmin
	Registry *server.OriginRegistry
	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

// RegisterDiagnosticRoutes 暴露 /-/ 诊断与运维接口。
func RegisterDiagnosticRoutes(app *fiber.App, d Diagnostics) {
	if app == nil || d.Cache == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"cache": d.Cache.Stats(),
		}
		if tracker := d.Metrics.Latency(); tracker != nil {
			payload["latency"] = tracker.AllStats()
		}
		return c.JSON(payload)
	})

	app.Get("/-/origins", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"origins": encodeOrigins(d.Registry.List()),
		})
	})

	app.Post("/-/sweep", func(c fiber.Ctx) error {
		result := d.Cache.ClearSpace()
		logger.WithFields(logrus.Fields{
			"action":     "manual_sweep",
			"expired":    result.Expired,
			"evicted":    result.Evicted,
			"freed":      result.FreedBytes,
			"request_id": server.RequestID(c),
		}).Info("manual sweep finished")
		return c.JSON(result)
	})

	app.Delete("/-/memory", func(c fiber.Ctx) error {
		d.Cache.RemoveMemoryCache()
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/disk", func(c fiber.Ctx) error {
		if err := d.Cache.DeleteDiskCache(); err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "disk_clear",
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("delete disk cache failed")
			return server.RenderError(c, fiber.StatusInternalServerError, "disk_delete_failed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	if d.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
}

type originPayload struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Scheme        string `json:"scheme"`
	Tier          string `json:"tier"`
	RefreshCached bool   `json:"refresh_cached"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:          route.Config.Name,
			Host:          route.Config.Host,
			Scheme:        route.Config.Scheme,
			Tier:          route.Tier.String(),
			RefreshCached: route.Config.RefreshCached,
		})
	}
	return result
}
