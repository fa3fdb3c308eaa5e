package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CacheHandler describes the component that serves the cache surface. It
// allows injecting fake handlers during tests.
type CacheHandler interface {
	Fetch(fiber.Ctx, *OriginRoute, *url.URL) error
	Remove(fiber.Ctx, *OriginRoute, *url.URL) error
	Prefetch(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Handler    CacheHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_tiercache_route"
	contextKeyURL       = "_tiercache_url"
	contextKeyRequestID = "_tiercache_request_id"
)

// NewApp builds a Fiber application with request IDs, origin checks and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("cache handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	resolve := originMiddleware(opts)
	app.Get("/fetch", resolve, func(c fiber.Ctx) error {
		route, target := routeFromContext(c)
		return opts.Handler.Fetch(c, route, target)
	})
	app.Delete("/fetch", resolve, func(c fiber.Ctx) error {
		route, target := routeFromContext(c)
		return opts.Handler.Remove(c, route, target)
	})
	app.Post("/prefetch", func(c fiber.Ctx) error {
		return opts.Handler.Prefetch(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并回写 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// originMiddleware 解析 url 查询参数，并确认其 Host 属于已声明的 Origin。
func originMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return RenderError(c, fiber.StatusBadRequest, "url_required")
		}

		route, target, err := opts.Registry.Resolve(rawURL)
		switch {
		case errors.Is(err, ErrOriginNotAllowed):
			host := ""
			if target != nil {
				host = target.Host
			}
			return renderOriginRejected(c, opts.Logger, host, opts.ListenPort)
		case err != nil:
			return RenderError(c, fiber.StatusBadRequest, "invalid_url")
		}

		c.Locals(contextKeyRoute, route)
		c.Locals(contextKeyURL, target)
		return c.Next()
	}
}

func renderOriginRejected(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "origin_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("origin not allowed")

	if host != "" {
		c.Set("X-Tiercache-Origin", host)
	}
	return RenderError(c, fiber.StatusForbidden, "origin_not_allowed")
}

// RenderError 输出统一的 {"error": code} JSON 响应。
func RenderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": code,
	})
}

func routeFromContext(c fiber.Ctx) (*OriginRoute, *url.URL) {
	var (
		route  *OriginRoute
		target *url.URL
	)
	if value, ok := c.Locals(contextKeyRoute).(*OriginRoute); ok {
		route = value
	}
	if value, ok := c.Locals(contextKeyURL).(*url.URL); ok {
		target = value
	}
	return route, target
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
