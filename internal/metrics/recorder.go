package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tiercache"

// Recorder 汇总缓存的 Prometheus 指标与延迟 sketch。nil Recorder 的所有方法都是空操作。
type Recorder struct {
	hits          *prometheus.CounterVec
	misses        prometheus.Counter
	downloads     prometheus.Counter
	coalesced     prometheus.Counter
	failures      *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	evictedBytes  prometheus.Counter
	diskBytes     prometheus.Gauge
	diskEntries   prometheus.Gauge
	memoryEntries prometheus.Gauge

	latency *LatencyTracker
}

// NewRecorder 创建指标并注册到 reg；reg 为 nil 时只创建不注册，便于测试。
func NewRecorder(reg prometheus.Registerer, latencyAccuracy float64) (*Recorder, error) {
	r := &Recorder{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups answered by a tier",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found nothing in any tier",
		}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "downloads_total",
			Help:      "Network requests issued by the fetcher",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "coalesced_total",
			Help:      "Fetch calls that joined an in-flight request",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "load_failures_total",
			Help:      "Loads that ended in a failure, by reason",
		}, []string{"reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "evictions_total",
			Help:      "Disk entries removed by the sweep, by reason",
		}, []string{"reason"}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "evicted_bytes_total",
			Help:      "Bytes released by the sweep",
		}),
		diskBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "size_bytes",
			Help:      "Aggregate size tracked by the disk index",
		}),
		diskEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "entries",
			Help:      "Entries tracked by the disk index",
		}),
		memoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "entries",
			Help:      "Entries resident in the memory tier",
		}),
		latency: NewLatencyTracker(latencyAccuracy),
	}

	if reg == nil {
		return r, nil
	}
	collectors := []prometheus.Collector{
		r.hits, r.misses, r.downloads, r.coalesced, r.failures,
		r.evictions, r.evictedBytes, r.diskBytes, r.diskEntries, r.memoryEntries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Hit 记录一次命中，tier 为 memory 或 disk。
func (r *Recorder) Hit(tier string) {
	if r == nil {
		return
	}
	r.hits.WithLabelValues(tier).Inc()
}

// Miss 记录一次全部层级未命中。
func (r *Recorder) Miss() {
	if r == nil {
		return
	}
	r.misses.Inc()
}

// Download 记录一次真实网络请求。
func (r *Recorder) Download() {
	if r == nil {
		return
	}
	r.downloads.Inc()
}

// Coalesced 记录一次并入已有请求的 fetch。
func (r *Recorder) Coalesced() {
	if r == nil {
		return
	}
	r.coalesced.Inc()
}

// Failure 记录一次失败的 load，reason 如 network、data_invalid、disk_write。
func (r *Recorder) Failure(reason string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(reason).Inc()
}

// Evicted 记录清扫删除的条目。
func (r *Recorder) Evicted(reason string, size int64) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(reason).Inc()
	if size > 0 {
		r.evictedBytes.Add(float64(size))
	}
}

// DiskUsage 更新磁盘索引的字节数与条目数。
func (r *Recorder) DiskUsage(size int64, entries int) {
	if r == nil {
		return
	}
	r.diskBytes.Set(float64(size))
	r.diskEntries.Set(float64(entries))
}

// MemoryEntries 更新内存层条目数。
func (r *Recorder) MemoryEntries(n int) {
	if r == nil {
		return
	}
	r.memoryEntries.Set(float64(n))
}

// Observe 记录一次操作耗时。
func (r *Recorder) Observe(operation string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.Record(operation, d)
}

// Since 是 Observe(operation, time.Since(start)) 的简写，便于 defer。
func (r *Recorder) Since(operation string, start time.Time) {
	r.Observe(operation, time.Since(start))
}

// Latency 返回底层 tracker；nil Recorder 返回 nil。
func (r *Recorder) Latency() *LatencyTracker {
	if r == nil {
		return nil
	}
	return r.latency
}
