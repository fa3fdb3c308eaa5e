package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/url/层级/命中状态字段，供缓存请求日志复用。
func RequestFields(origin, rawURL, tier string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"url":       rawURL,
		"tier":      tier,
		"cache_hit": cacheHit,
	}
}

// CacheFields 汇总缓存容量配置，启动日志使用。
func CacheFields(storagePath, defaultTier string, maxDiskSize int64, maxMemoryCost int) logrus.Fields {
	return logrus.Fields{
		"storage_path":    storagePath,
		"default_tier":    defaultTier,
		"max_disk_size":   maxDiskSize,
		"max_memory_cost": maxMemoryCost,
	}
}
