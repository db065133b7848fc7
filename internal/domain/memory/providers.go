package memory

import (
	"context"
	"fmt"
	"time"

	applog "personamem/internal/platform/log"
)

const (
	// DefaultPersonaName 默认人设名称
	DefaultPersonaName = "小暖"

	// DefaultPersonaRole 默认人设角色描述
	DefaultPersonaRole = "你是一个恋爱陪伴型 chatbot，共情并友善地回应用户。在用户主动要求之前，尽量简短地回答。"
)

// PersonaPromptProvider 人设系统提示词提供者。
// 人设名称走缓存（1h TTL），miss 时从持久层读取并回填；
// 提示词文本每次基于当前人设重新渲染。
type PersonaPromptProvider struct {
	cache     Cache
	store     PersonaStore
	keyPrefix string
	ttl       time.Duration
}

// NewPersonaPromptProvider 创建人设提示词提供者
func NewPersonaPromptProvider(cache Cache, store PersonaStore) *PersonaPromptProvider {
	return &PersonaPromptProvider{
		cache:     cache,
		store:     store,
		keyPrefix: "chatbot:config:",
		ttl:       time.Hour,
	}
}

func (p *PersonaPromptProvider) key(conversationID string) string {
	return p.keyPrefix + conversationID
}

// SystemPrompt 渲染当前系统提示词
func (p *PersonaPromptProvider) SystemPrompt(ctx context.Context, conversationID string) (Message, error) {
	name, err := p.personaName(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}

	content := fmt.Sprintf("按以下设定回应。\n\n设定\n名字: %s\n\n角色: %s", name, DefaultPersonaRole)
	return Message{Role: RoleSystem, Content: content}, nil
}

// SetPersonaName 更新人设名称：先写持久层，成功后刷新缓存
func (p *PersonaPromptProvider) SetPersonaName(ctx context.Context, conversationID, name string) error {
	if err := p.store.SavePersonaName(ctx, conversationID, name); err != nil {
		return fmt.Errorf("save persona name: %w", err)
	}
	if err := p.cache.Set(ctx, p.key(conversationID), name, p.ttl); err != nil {
		applog.Warn("[Memory/Persona] ⚠️ Failed to refresh persona cache",
			"conversation_id", conversationID,
			"error", err,
		)
	}
	applog.Info("[Memory/Persona] ✅ Persona name updated",
		"conversation_id", conversationID,
		"persona_name", name,
	)
	return nil
}

func (p *PersonaPromptProvider) personaName(ctx context.Context, conversationID string) (string, error) {
	cached, ok, err := p.cache.Get(ctx, p.key(conversationID))
	if err == nil && ok && cached != "" {
		return cached, nil
	}
	if err != nil {
		applog.Warn("[Memory/Persona] ⚠️ Persona cache unavailable",
			"conversation_id", conversationID,
			"error", err,
		)
	}

	name, err := p.store.PersonaName(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load persona name: %w", err)
	}
	if name == "" {
		name = DefaultPersonaName
	}

	if setErr := p.cache.Set(ctx, p.key(conversationID), name, p.ttl); setErr != nil {
		applog.Debug("[Memory/Persona] Cache backfill skipped",
			"conversation_id", conversationID,
			"error", setErr,
		)
	}
	return name, nil
}

// CachedSummaryProvider 摘要提供者。缓存 TTL 6h，miss 时回源持久层最新摘要。
type CachedSummaryProvider struct {
	cache     Cache
	summaries SummaryStore
	keyPrefix string
	ttl       time.Duration
}

// NewCachedSummaryProvider 创建摘要提供者
func NewCachedSummaryProvider(cache Cache, summaries SummaryStore) *CachedSummaryProvider {
	return &CachedSummaryProvider{
		cache:     cache,
		summaries: summaries,
		keyPrefix: "chatbot:summary:",
		ttl:       6 * time.Hour,
	}
}

func (p *CachedSummaryProvider) key(conversationID string) string {
	return p.keyPrefix + conversationID
}

// Current 返回当前生效的摘要文本，无摘要时返回空串
func (p *CachedSummaryProvider) Current(ctx context.Context, conversationID string) (string, error) {
	cached, ok, err := p.cache.Get(ctx, p.key(conversationID))
	if err == nil && ok {
		return cached, nil
	}
	if err != nil {
		applog.Warn("[Memory/Summary] ⚠️ Summary cache unavailable",
			"conversation_id", conversationID,
			"error", err,
		)
	}

	latest, err := p.summaries.LatestSummary(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("latest summary: %w", err)
	}
	if latest == nil {
		return "", nil
	}

	if setErr := p.cache.Set(ctx, p.key(conversationID), latest.Text, p.ttl); setErr != nil {
		applog.Debug("[Memory/Summary] Cache backfill skipped",
			"conversation_id", conversationID,
			"error", setErr,
		)
	}
	return latest.Text, nil
}

// Set 更新摘要缓存条目（摘要提交后由协调器调用）
func (p *CachedSummaryProvider) Set(ctx context.Context, conversationID, summary string) error {
	return p.cache.Set(ctx, p.key(conversationID), summary, p.ttl)
}
