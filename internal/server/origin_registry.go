package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/config"
)

var (
	// ErrInvalidURL 表示待缓存的 URL 无法解析或不是绝对 http(s) 地址。
	ErrInvalidURL = errors.New("invalid url")
	// ErrOriginNotAllowed 表示 URL 的 Host 未在配置中声明。
	ErrOriginNotAllowed = errors.New("origin not allowed")
)

// OriginRoute 将 Origin 配置与派生属性聚合在一起，供代理层直接复用。
type OriginRoute struct {
	// Config 是 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// Tier 是该 Origin 的层级覆盖，未配置时为 cache.TierDefault。
	Tier cache.Tier
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		key := hostKey(origin.Host)
		if key == "" {
			return nil, fmt.Errorf("invalid host for origin %s", origin.Name)
		}
		if _, exists := registry.routes[key]; exists {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", key)
		}

		scheme := origin.Scheme
		if scheme == "" {
			scheme = "https"
		}
		origin.Scheme = scheme

		route := &OriginRoute{
			Config:     origin,
			Tier:       origin.TierValue(),
			ListenPort: cfg.Global.ListenPort,
		}
		registry.routes[key] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}
	key := hostKey(host)
	if key == "" {
		return nil, false
	}
	route, ok := r.routes[key]
	return route, ok
}

// Resolve 解析 rawURL 并找到允许它的 Origin。scheme 必须与 Origin 声明一致；
// URL 显式写出默认端口时与不带端口的 Host 等价。
func (r *OriginRegistry) Resolve(rawURL string) (*OriginRoute, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	route, ok := r.Lookup(parsed.Host)
	if !ok {
		host, port := normalizeHost(parsed.Host)
		if port != 0 && port == defaultPort(scheme) {
			route, ok = r.Lookup(host)
		}
	}
	if !ok || route.Config.Scheme != scheme {
		return nil, parsed, fmt.Errorf("%w: %s", ErrOriginNotAllowed, parsed.Host)
	}
	return route, parsed, nil
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于 /-/origins 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func defaultPort(scheme string) int {
	if scheme == "http" {
		return 80
	}
	return 443
}

func hostKey(raw string) string {
	host, port := normalizeHost(raw)
	if host == "" {
		return ""
	}
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
