package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/tiercache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if strings.ContainsAny(g.FileExtension, `/\`) {
		return newFieldError("Global.FileExtension", "不能包含路径分隔符")
	}
	if _, err := cache.ParseTier(g.DefaultTier); err != nil {
		return newFieldError("Global.DefaultTier", "仅支持 memory/disk/disk_only")
	}
	if g.MaxMemoryCost < 0 {
		return newFieldError("Global.MaxMemoryCost", "不能为负数")
	}
	if g.MaxMemoryCount <= 0 {
		return newFieldError("Global.MaxMemoryCount", "必须大于 0")
	}
	if g.MaxDiskSize <= 0 {
		return newFieldError("Global.MaxDiskSize", "必须大于 0")
	}
	if g.MaxItemAge.DurationValue() <= 0 {
		return newFieldError("Global.MaxItemAge", "必须大于 0")
	}
	if g.ReductionCoefficient <= 0 || g.ReductionCoefficient > 1 {
		return newFieldError("Global.ReductionCoefficient", "必须在 (0, 1] 区间")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PrefetchConcurrency <= 0 {
		return newFieldError("Global.PrefetchConcurrency", "必须大于 0")
	}
	if g.LatencyAccuracy <= 0 || g.LatencyAccuracy >= 1 {
		return newFieldError("Global.LatencyAccuracy", "必须在 (0, 1) 区间")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenHosts := map[string]string{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateHost(origin.Host); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Host"), err)
		}
		key := strings.ToLower(origin.Host)
		if owner, exists := seenHosts[key]; exists {
			return newFieldError(originField(origin.Name, "Host"), fmt.Sprintf("与 Origin[%s] 重复", owner))
		}
		seenHosts[key] = origin.Name

		scheme := strings.ToLower(strings.TrimSpace(origin.Scheme))
		if scheme == "" {
			scheme = "https"
		}
		if scheme != "http" && scheme != "https" {
			return newFieldError(originField(origin.Name, "Scheme"), "仅支持 http/https")
		}
		origin.Scheme = scheme

		if _, err := cache.ParseTier(origin.Tier); err != nil {
			return newFieldError(originField(origin.Name, "Tier"), "仅支持 memory/disk/disk_only")
		}
	}

	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("Host 不能为空")
	}
	if strings.HasPrefix(host, "http") && strings.Contains(host, "://") {
		return errors.New("Host 不应包含协议头")
	}
	if strings.ContainsAny(host, "/?# ") {
		return fmt.Errorf("Host 格式非法: %s", host)
	}
	return nil
}
