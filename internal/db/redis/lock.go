package redisdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	applog "personamem/internal/platform/log"
)

// SummaryLock 基于 Redis SETNX 的会话级摘要互斥锁。
// 持有者崩溃时依赖 TTL 过期自行解除。
type SummaryLock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewSummaryLock 创建摘要锁，TTL 默认 30s
func NewSummaryLock(client *redis.Client, ttl time.Duration) *SummaryLock {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &SummaryLock{
		client:    client,
		keyPrefix: "chatbot:summarize:lock:",
		ttl:       ttl,
	}
}

func (l *SummaryLock) key(conversationID string) string {
	return l.keyPrefix + conversationID
}

// TryAcquire 非阻塞获取锁，已被持有时返回 (false, nil)
func (l *SummaryLock) TryAcquire(ctx context.Context, conversationID string) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key(conversationID), "locked", l.ttl).Result()
	if err != nil {
		applog.Warn("[SummaryLock] Failed to acquire lock",
			"conversation_id", conversationID,
			"error", err,
		)
		return false, err
	}

	if acquired {
		applog.Debug("[SummaryLock] Lock acquired", "conversation_id", conversationID)
	} else {
		applog.Debug("[SummaryLock] Lock already held", "conversation_id", conversationID)
	}
	return acquired, nil
}

// Release 释放锁
func (l *SummaryLock) Release(ctx context.Context, conversationID string) error {
	if err := l.client.Del(ctx, l.key(conversationID)).Err(); err != nil {
		applog.Warn("[SummaryLock] Failed to release lock",
			"conversation_id", conversationID,
			"error", err,
		)
		return err
	}
	applog.Debug("[SummaryLock] Lock released", "conversation_id", conversationID)
	return nil
}
