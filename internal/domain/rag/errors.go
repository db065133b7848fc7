package rag

import "errors"

var (
	// ErrEmbeddingUnavailable 向量化服务不可用（可重试）
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrIndexCorrupt 缓存中的向量索引损坏，需要重建
	ErrIndexCorrupt = errors.New("vector index corrupt")

	// ErrInconsistentWatermark 水位与分块覆盖不一致，事务已回滚
	ErrInconsistentWatermark = errors.New("inconsistent embed watermark")
)
