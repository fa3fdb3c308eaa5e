// Package metrics collects cache observability data: Prometheus counters for
// hits, misses, downloads and evictions, and DDSketch latency quantiles for
// fetch and disk operations. A nil *Recorder is valid and records nothing.
package metrics
