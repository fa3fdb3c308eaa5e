package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 默认值与原始产品保持一致。
const (
	DefaultMaxMemoryCost        = 100
	DefaultMaxMemoryCount       = 48
	DefaultMaxDiskSize          = 400 * 1024 * 1024
	DefaultMaxItemAge           = 3 * time.Hour
	DefaultReductionCoefficient = 0.75
	DefaultFileExtension        = "cache"
)

// Config 是单个缓存实例的配置面。
type Config struct {
	// Directory 是磁盘层根目录，在注入的文件系统内解析；默认文件系统以此为根。
	Directory            string
	FileExtension        string
	MaxMemoryCost        int
	MaxMemoryCount       int
	MaxDiskSize          int64
	MaxItemAge           time.Duration
	ReductionCoefficient float64
	DefaultTier          Tier
}

// DefaultConfig 返回默认配置，Directory 需由调用方填写。
func DefaultConfig() Config {
	return Config{
		FileExtension:        DefaultFileExtension,
		MaxMemoryCost:        DefaultMaxMemoryCost,
		MaxMemoryCount:       DefaultMaxMemoryCount,
		MaxDiskSize:          DefaultMaxDiskSize,
		MaxItemAge:           DefaultMaxItemAge,
		ReductionCoefficient: DefaultReductionCoefficient,
		DefaultTier:          TierDisk,
	}
}

// withDefaults 为零值字段填充默认值。
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FileExtension == "" {
		c.FileExtension = def.FileExtension
	}
	c.FileExtension = strings.TrimPrefix(c.FileExtension, ".")
	if c.MaxMemoryCost == 0 {
		c.MaxMemoryCost = def.MaxMemoryCost
	}
	if c.MaxMemoryCount == 0 {
		c.MaxMemoryCount = def.MaxMemoryCount
	}
	if c.MaxDiskSize == 0 {
		c.MaxDiskSize = def.MaxDiskSize
	}
	if c.MaxItemAge == 0 {
		c.MaxItemAge = def.MaxItemAge
	}
	if c.ReductionCoefficient == 0 {
		c.ReductionCoefficient = def.ReductionCoefficient
	}
	if c.DefaultTier == TierDefault {
		c.DefaultTier = def.DefaultTier
	}
	return c
}

// Validate 校验配置的语义约束。
func (c Config) Validate() error {
	if c.MaxMemoryCost < 0 {
		return errors.New("max memory cost must not be negative")
	}
	if c.MaxMemoryCount <= 0 {
		return errors.New("max memory count must be positive")
	}
	if c.MaxDiskSize <= 0 {
		return errors.New("max disk size must be positive")
	}
	if c.MaxItemAge <= 0 {
		return errors.New("max item age must be positive")
	}
	if c.ReductionCoefficient <= 0 || c.ReductionCoefficient > 1 {
		return fmt.Errorf("reduction coefficient %v outside (0, 1]", c.ReductionCoefficient)
	}
	switch c.DefaultTier {
	case TierMemory, TierDisk, TierDiskOnly:
	default:
		return fmt.Errorf("default tier %s is not a concrete tier", c.DefaultTier)
	}
	if strings.ContainsAny(c.FileExtension, `/\`) {
		return fmt.Errorf("file extension %q contains a path separator", c.FileExtension)
	}
	return nil
}

// targetSize 是一次清扫要回落到的字节数。
func (c Config) targetSize() int64 {
	return int64(float64(c.MaxDiskSize) * c.ReductionCoefficient)
}
