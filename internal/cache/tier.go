package cache

import (
	"fmt"
	"strings"
)

// Tier 描述条目所在的存储层级。
type Tier int

const (
	// TierDefault 在每次调用时解析为 Config.DefaultTier，永远不会出现在已解析的条目上。
	TierDefault Tier = iota
	// TierMemory 仅驻留内存，不落盘。
	TierMemory
	// TierDisk 同时驻留内存与磁盘。
	TierDisk
	// TierDiskOnly 只落盘，从不进入内存层。
	TierDiskOnly
)

var tierNames = map[Tier]string{
	TierDefault:  "default",
	TierMemory:   "memory",
	TierDisk:     "disk",
	TierDiskOnly: "disk_only",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Persists 表示该层级是否需要写入磁盘。
func (t Tier) Persists() bool {
	return t == TierDisk || t == TierDiskOnly
}

// MemoryResident 表示该层级是否需要进入内存层。
func (t Tier) MemoryResident() bool {
	return t == TierMemory || t == TierDisk
}

// ParseTier 解析配置或查询参数中的层级名称，大小写与 "-"/"_" 不敏感。
func ParseTier(raw string) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "", "default":
		return TierDefault, nil
	case "memory":
		return TierMemory, nil
	case "disk":
		return TierDisk, nil
	case "disk_only", "diskonly":
		return TierDiskOnly, nil
	}
	return TierDefault, fmt.Errorf("unknown cache tier: %q", raw)
}

// resolve 将 TierDefault 替换为配置的默认层级。
func (t Tier) resolve(fallback Tier) Tier {
	if t == TierDefault {
		return fallback
	}
	return t
}
