package memory

import (
	"context"
	"time"
)

// MessageStore 持久消息存储接口
// 每个会话的消息按单调 ID 追加，只逻辑排除、从不物理删除
type MessageStore interface {
	// AppendMessage 追加一条消息，返回分配的 ID
	AppendMessage(ctx context.Context, conversationID string, msg *Message) (int64, error)

	// MessagesAfter 返回 ID 大于 afterID 的全部消息（按时间升序）；afterID 为 0 表示全部
	MessagesAfter(ctx context.Context, conversationID string, afterID int64) ([]Message, error)
}

// SummaryStore 摘要持久存储接口（追加式，仅最新一条生效）
type SummaryStore interface {
	// LatestSummary 返回最新摘要，无摘要时返回 (nil, nil)
	LatestSummary(ctx context.Context, conversationID string) (*Summary, error)

	// AppendSummary 追加一条摘要记录
	AppendSummary(ctx context.Context, conversationID string, summary *Summary) error
}

// PersonaStore 人设配置持久存储接口
type PersonaStore interface {
	// PersonaName 返回会话的人设名称，未配置时返回空串
	PersonaName(ctx context.Context, conversationID string) (string, error)

	// SavePersonaName 保存人设名称
	SavePersonaName(ctx context.Context, conversationID, name string) error
}

// Cache 快速缓存接口。实现通常是 Redis，但任何 get/set/delete
// 语义的 KV 存储均可。miss 以第二个返回值为 false 表示，不是错误。
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Lock 按会话互斥锁接口。背后机制（缓存键、分布式锁服务）可替换，
// 要求 fail-safe：持有者崩溃后靠 TTL 过期自行解除。
type Lock interface {
	// TryAcquire 非阻塞获取锁，已被持有时返回 (false, nil)
	TryAcquire(ctx context.Context, conversationID string) (bool, error)

	// Release 释放锁
	Release(ctx context.Context, conversationID string) error
}

// PromptProvider 系统提示词提供者。每次加载工作集时重新计算，
// 人设/配置可能在两轮之间变化，不信任缓存副本里的系统条目。
type PromptProvider interface {
	SystemPrompt(ctx context.Context, conversationID string) (Message, error)
}

// SummaryProvider 当前摘要提供者
type SummaryProvider interface {
	// Current 返回当前生效的摘要文本，无摘要时返回空串
	Current(ctx context.Context, conversationID string) (string, error)

	// Set 更新提供者自身的缓存条目（摘要提交后由协调器调用）
	Set(ctx context.Context, conversationID, summary string) error
}

// SummaryGenerator 摘要生成器接口（外部 LLM 协作方）
type SummaryGenerator interface {
	// Summarize 基于已有摘要和新增消息生成累积摘要
	Summarize(ctx context.Context, prevSummary string, messages []Message) (string, error)
}
