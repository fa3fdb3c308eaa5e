// Package prefetch 批量预热一组 URL：并发调用缓存的 Load，收齐全部结果后按输入顺序回调一次。
package prefetch
