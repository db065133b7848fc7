package memory

import (
	"context"
	"fmt"
	"time"

	applog "personamem/internal/platform/log"
	"personamem/internal/platform/retry"
)

// CoordinatorConfig 摘要协调器配置
type CoordinatorConfig struct {
	// TurnThreshold 触发摘要的轮次阈值，默认 10
	TurnThreshold int

	// RemainingSize 摘要后保留在工作集中的最近轮次数，默认 4。
	// 必须小于 TurnThreshold，否则无消息可摘要。
	RemainingSize int

	// TokenThreshold 可选的 Token 阈值，0 表示不启用
	TokenThreshold int

	// Retry 摘要生成的重试策略
	Retry retry.Policy
}

// Validate 校验配置
func (c *CoordinatorConfig) Validate() error {
	if c.TurnThreshold <= 0 {
		return fmt.Errorf("%w: turn threshold must be positive, got %d", ErrInvalidThresholds, c.TurnThreshold)
	}
	if c.RemainingSize < 0 {
		return fmt.Errorf("%w: remaining size must be non-negative, got %d", ErrInvalidThresholds, c.RemainingSize)
	}
	if c.RemainingSize >= c.TurnThreshold {
		return fmt.Errorf("%w: remaining size %d must be less than turn threshold %d",
			ErrInvalidThresholds, c.RemainingSize, c.TurnThreshold)
	}
	return nil
}

// Coordinator 摘要协调器。
// 检查工作集是否越过阈值，越过时在会话级互斥锁下生成累积摘要，
// 先提交持久层，再更新缓存，最后收缩工作集。
type Coordinator struct {
	ws        *WorkingSetStore
	summaries SummaryStore
	summary   SummaryProvider
	generator SummaryGenerator
	lock      Lock
	counter   TokenCounter
	cfg       CoordinatorConfig
}

// NewCoordinator 创建摘要协调器
func NewCoordinator(
	ws *WorkingSetStore,
	summaries SummaryStore,
	summary SummaryProvider,
	generator SummaryGenerator,
	lock Lock,
	counter TokenCounter,
	cfg CoordinatorConfig,
) (*Coordinator, error) {
	if cfg.TurnThreshold == 0 {
		cfg.TurnThreshold = 10
	}
	if cfg.RemainingSize == 0 {
		cfg.RemainingSize = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		ws:        ws,
		summaries: summaries,
		summary:   summary,
		generator: generator,
		lock:      lock,
		counter:   counter,
		cfg:       cfg,
	}, nil
}

// CheckAndSummarize 检查并执行一次摘要。
// 未达阈值时直接返回 nil；锁被其他执行者持有时返回 ErrLockNotAcquired。
// 持久层提交失败则整体放弃，缓存保持原样，下一轮重新触发。
func (c *Coordinator) CheckAndSummarize(ctx context.Context, conversationID string) error {
	history, err := c.ws.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load working set: %w", err)
	}

	turns := SegmentTurns(history)
	if !c.shouldSummarize(turns) {
		return nil
	}

	acquired, err := c.lock.TryAcquire(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("acquire summarize lock: %w", err)
	}
	if !acquired {
		applog.Debug("[Memory/Coordinator] Summarization already in progress, skipping",
			"conversation_id", conversationID,
		)
		return ErrLockNotAcquired
	}
	defer func() {
		if relErr := c.lock.Release(context.WithoutCancel(ctx), conversationID); relErr != nil {
			applog.Warn("[Memory/Coordinator] ⚠️ Failed to release summarize lock, will expire by TTL",
				"conversation_id", conversationID,
				"error", relErr,
			)
		}
	}()

	applog.Info("[Memory/Coordinator] 🔄 Summarization started",
		"conversation_id", conversationID,
		"turns", len(turns),
		"turn_threshold", c.cfg.TurnThreshold,
	)

	// 锁内重读，避免并发竞争窗口中基于过期快照摘要
	history, err = c.ws.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("reload working set: %w", err)
	}
	turns = SegmentTurns(history)
	if !c.shouldSummarize(turns) {
		return nil
	}

	cut := c.cfg.TurnThreshold - c.cfg.RemainingSize
	if cut > len(turns) {
		// Token 阈值触发但轮次数不足，退为保留最近 RemainingSize 轮
		cut = len(turns) - c.cfg.RemainingSize
	}
	if cut <= 0 {
		return nil
	}
	target, remaining := turns[:cut], turns[cut:]
	targetMsgs := Flatten(target)

	lastMsgID := LastMsgID(target)
	if lastMsgID == 0 {
		applog.Warn("[Memory/Coordinator] ⚠️ No durable message ID in summarize target, skipping",
			"conversation_id", conversationID,
		)
		return nil
	}

	prevSummary, err := c.summary.Current(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("current summary: %w", err)
	}

	start := time.Now()
	var text string
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		var genErr error
		text, genErr = c.generator.Summarize(ctx, prevSummary, targetMsgs)
		return genErr
	})
	if err != nil {
		applog.Error("[Memory/Coordinator] ❌ Summary generation failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return err
	}

	// 先持久层后缓存：持久层失败时缓存不动，保持可重建
	newSummary := &Summary{Text: text, LastMsgID: lastMsgID, CreatedAt: time.Now()}
	if err := c.summaries.AppendSummary(ctx, conversationID, newSummary); err != nil {
		applog.Error("[Memory/Coordinator] ❌ Failed to commit summary to durable store",
			"conversation_id", conversationID,
			"error", err,
		)
		return fmt.Errorf("append summary: %w", err)
	}

	applog.Info("[Memory/Coordinator] 💾 Summary committed",
		"conversation_id", conversationID,
		"last_msg_id", lastMsgID,
		"summarized_turns", len(target),
		"remaining_turns", len(remaining),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// 缓存更新失败只降级：持久层已有新摘要，工作集可随时重建
	if err := c.summary.Set(ctx, conversationID, text); err != nil {
		applog.Warn("[Memory/Coordinator] ⚠️ Failed to update summary cache",
			"conversation_id", conversationID,
			"error", err,
		)
	}
	if err := c.ws.Save(ctx, conversationID, Flatten(remaining)); err != nil {
		applog.Warn("[Memory/Coordinator] ⚠️ Failed to shrink working set cache",
			"conversation_id", conversationID,
			"error", err,
		)
		if clearErr := c.ws.Clear(ctx, conversationID); clearErr != nil {
			applog.Warn("[Memory/Coordinator] ⚠️ Failed to clear stale working set",
				"conversation_id", conversationID,
				"error", clearErr,
			)
		}
	}

	applog.Info("[Memory/Coordinator] ✅ Summarization finished",
		"conversation_id", conversationID,
		"summary_len", len(text),
	)
	return nil
}

// shouldSummarize 判断是否越过触发阈值
func (c *Coordinator) shouldSummarize(turns []Turn) bool {
	if len(turns) >= c.cfg.TurnThreshold {
		return true
	}
	if c.cfg.TokenThreshold > 0 && c.counter != nil {
		if CountTurns(c.counter, turns) >= c.cfg.TokenThreshold {
			return true
		}
	}
	return false
}
