package memory

import "errors"

var (
	// ErrCacheUnavailable 快速缓存不可用，可降级为持久层重建
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrLockNotAcquired 摘要锁已被其他进程持有。预期情况，跳过本轮即可
	ErrLockNotAcquired = errors.New("summarize lock not acquired")

	// ErrSummarizationFailed 摘要生成失败（重试耗尽后），目标轮次保持未摘要状态等待下次触发
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrInvalidThresholds 摘要阈值配置非法：turn_threshold 必须大于 remaining_size
	ErrInvalidThresholds = errors.New("turn_threshold must be greater than remaining_size")
)
