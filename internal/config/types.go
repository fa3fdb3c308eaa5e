package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/tiercache/internal/cache"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"3h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数与缓存容量。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	FileExtension        string   `mapstructure:"FileExtension"`
	DefaultTier          string   `mapstructure:"DefaultTier"`
	MaxMemoryCost        int      `mapstructure:"MaxMemoryCost"`
	MaxMemoryCount       int      `mapstructure:"MaxMemoryCount"`
	MaxDiskSize          int64    `mapstructure:"MaxDiskSize"`
	MaxItemAge           Duration `mapstructure:"MaxItemAge"`
	ReductionCoefficient float64  `mapstructure:"ReductionCoefficient"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	PrefetchConcurrency  int      `mapstructure:"PrefetchConcurrency"`
	LatencyAccuracy      float64  `mapstructure:"LatencyAccuracy"`
	ImagesOnly           bool     `mapstructure:"ImagesOnly"`
}

// OriginConfig 声明一个允许被缓存的上游站点。
type OriginConfig struct {
	Name          string `mapstructure:"Name"`
	Host          string `mapstructure:"Host"`
	Scheme        string `mapstructure:"Scheme"`
	Tier          string `mapstructure:"Tier"`
	RefreshCached bool   `mapstructure:"RefreshCached"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// DefaultTierValue 返回全局默认层级（假定 Validate 已经通过）。
func (g GlobalConfig) DefaultTierValue() cache.Tier {
	tier, err := cache.ParseTier(g.DefaultTier)
	if err != nil || tier == cache.TierDefault {
		return cache.TierDisk
	}
	return tier
}

// CacheConfig 将全局配置映射为缓存实例配置。
func (g GlobalConfig) CacheConfig() cache.Config {
	return cache.Config{
		Directory:            g.StoragePath,
		FileExtension:        g.FileExtension,
		MaxMemoryCost:        g.MaxMemoryCost,
		MaxMemoryCount:       g.MaxMemoryCount,
		MaxDiskSize:          g.MaxDiskSize,
		MaxItemAge:           g.MaxItemAge.DurationValue(),
		ReductionCoefficient: g.ReductionCoefficient,
		DefaultTier:          g.DefaultTierValue(),
	}
}

// TierValue 返回 Origin 覆盖的层级，未配置时为 cache.TierDefault。
func (o OriginConfig) TierValue() cache.Tier {
	tier, err := cache.ParseTier(o.Tier)
	if err != nil {
		return cache.TierDefault
	}
	return tier
}

// OriginSummaries 返回所有 Origin 的摘要，例如 avatars:https://img.example.com。
func OriginSummaries(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s://%s", origin.Name, origin.Scheme, origin.Host)
	}
	return result
}
