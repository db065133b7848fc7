package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	applog "personamem/internal/platform/log"
)

// Normalize 规整工作集：剔除历史中内嵌的 system/summary 条目，
// 重新前置当前系统提示词和当前摘要。幂等：normalize(normalize(W)) == normalize(W)。
func Normalize(systemPrompt Message, summary string, history []Message) []Message {
	result := make([]Message, 0, len(history)+2)
	result = append(result, systemPrompt)
	if summary != "" {
		result = append(result, Message{Role: RoleSummary, Content: summary})
	}
	for _, m := range history {
		if m.Role == RoleSystem || m.Role == RoleSummary {
			continue
		}
		result = append(result, m)
	}
	return result
}

// WorkingSetStore 工作集缓存。
// 快速缓存为权威读路径，可随时从持久层重建；
// 系统提示词与摘要每次都重新计算，从不信任缓存副本。
type WorkingSetStore struct {
	cache     Cache
	store     MessageStore
	summaries SummaryStore
	prompt    PromptProvider
	summary   SummaryProvider
	keyPrefix string
	ttl       time.Duration
}

// WorkingSetConfig 工作集缓存配置
type WorkingSetConfig struct {
	Cache     Cache
	Store     MessageStore
	Summaries SummaryStore
	Prompt    PromptProvider
	Summary   SummaryProvider
	KeyPrefix string        // 默认 "chatbot:history:"
	TTL       time.Duration // 默认 1h
}

// NewWorkingSetStore 创建工作集缓存
func NewWorkingSetStore(cfg WorkingSetConfig) *WorkingSetStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chatbot:history:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	return &WorkingSetStore{
		cache:     cfg.Cache,
		store:     cfg.Store,
		summaries: cfg.Summaries,
		prompt:    cfg.Prompt,
		summary:   cfg.Summary,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}
}

func (w *WorkingSetStore) key(conversationID string) string {
	return w.keyPrefix + conversationID
}

// Load 加载工作集。缓存命中后仍会规整（重新计算系统提示词与摘要）；
// 缓存 miss 或数据损坏时从持久层回退重建并写回。
// 缓存整体不可用只降级为持久层重建，不视为错误。
func (w *WorkingSetStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	raw, ok, err := w.cache.Get(ctx, w.key(conversationID))
	if err != nil {
		applog.Warn("[Memory/WorkingSet] ⚠️ Cache unavailable, falling back to durable store",
			"conversation_id", conversationID,
			"error", err,
		)
		return w.rebuild(ctx, conversationID, false)
	}

	if ok {
		var history []Message
		if jsonErr := json.Unmarshal([]byte(raw), &history); jsonErr == nil {
			return w.normalize(ctx, conversationID, history)
		}
		applog.Warn("[Memory/WorkingSet] Cached working set corrupted, rebuilding",
			"conversation_id", conversationID,
		)
	}

	return w.rebuild(ctx, conversationID, true)
}

// Save 保存工作集。写入前规整，调用方怎么拼都不会累积重复的 system/summary 条目。
func (w *WorkingSetStore) Save(ctx context.Context, conversationID string, history []Message) error {
	normalized, err := w.normalize(ctx, conversationID, history)
	if err != nil {
		return err
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal working set: %w", err)
	}

	if err := w.cache.Set(ctx, w.key(conversationID), string(data), w.ttl); err != nil {
		applog.Warn("[Memory/WorkingSet] ⚠️ Failed to write cache",
			"conversation_id", conversationID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Append 追加一条消息到工作集
func (w *WorkingSetStore) Append(ctx context.Context, conversationID string, msg Message) error {
	history, err := w.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	history = append(history, msg)
	return w.Save(ctx, conversationID, history)
}

// Clear 清空会话的缓存工作集
func (w *WorkingSetStore) Clear(ctx context.Context, conversationID string) error {
	return w.cache.Delete(ctx, w.key(conversationID))
}

// normalize 带提供者查询的规整：系统提示词与摘要总是取当前值
func (w *WorkingSetStore) normalize(ctx context.Context, conversationID string, history []Message) ([]Message, error) {
	systemPrompt, err := w.prompt.SystemPrompt(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	}
	summary, err := w.summary.Current(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("current summary: %w", err)
	}
	return Normalize(systemPrompt, summary, history), nil
}

// rebuild 从持久层重建工作集：最新摘要之后的全部未摘要消息。
// writeBack 为 false 表示缓存不可用，跳过写回。
func (w *WorkingSetStore) rebuild(ctx context.Context, conversationID string, writeBack bool) ([]Message, error) {
	var afterID int64
	latest, err := w.summaries.LatestSummary(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	if latest != nil {
		afterID = latest.LastMsgID
	}

	msgs, err := w.store.MessagesAfter(ctx, conversationID, afterID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	history, err := w.normalize(ctx, conversationID, msgs)
	if err != nil {
		return nil, err
	}

	applog.Info("[Memory/WorkingSet] 📥 Rebuilt from durable store",
		"conversation_id", conversationID,
		"after_id", afterID,
		"messages", len(msgs),
		"write_back", writeBack,
	)

	if writeBack {
		data, marshalErr := json.Marshal(history)
		if marshalErr == nil {
			if setErr := w.cache.Set(ctx, w.key(conversationID), string(data), w.ttl); setErr != nil {
				applog.Warn("[Memory/WorkingSet] ⚠️ Failed to write back rebuilt working set",
					"conversation_id", conversationID,
					"error", setErr,
				)
			}
		}
	}

	return history, nil
}
