package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	applog "personamem/internal/platform/log"
	"personamem/internal/provider"
)

// summarySystemPrompt 累积摘要指令
const summarySystemPrompt = `你是对话摘要助手。请将「已有摘要」和「新增对话」合并为一段累积摘要。

要求：
1. 保留已有摘要中仍然重要的事实（人物、事件、约定、情绪变化）
2. 吸收新增对话中的关键信息，舍弃寒暄和重复内容
3. 使用与对话相同的语言书写
4. 不超过 7 句话，以第三人称陈述，不要加任何前缀或解释`

// LLMSummaryGenerator 基于 LLM 的摘要生成器
type LLMSummaryGenerator struct {
	completer   provider.Completer
	model       string
	temperature float64
	maxTokens   int
}

// LLMSummaryConfig 摘要生成器配置
type LLMSummaryConfig struct {
	Model       string
	Temperature float64 // 默认 0.3
	MaxTokens   int     // 默认 500
}

// NewLLMSummaryGenerator 创建摘要生成器
func NewLLMSummaryGenerator(completer provider.Completer, cfg LLMSummaryConfig) *LLMSummaryGenerator {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	return &LLMSummaryGenerator{
		completer:   completer,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Summarize 基于已有摘要和新增消息生成累积摘要
func (g *LLMSummaryGenerator) Summarize(ctx context.Context, prevSummary string, messages []Message) (string, error) {
	if len(messages) == 0 {
		return prevSummary, nil
	}

	start := time.Now()
	userPrompt := buildSummaryInput(prevSummary, messages)

	resp, err := g.completer.Complete(ctx, &provider.CompletionRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrSummarizationFailed)
	}

	applog.Info("[Memory/Summarizer] ✅ Summary generated",
		"model", g.model,
		"input_messages", len(messages),
		"summary_len", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// buildSummaryInput 拼装摘要输入文本
func buildSummaryInput(prevSummary string, messages []Message) string {
	var sb strings.Builder

	sb.WriteString("已有摘要：\n")
	if prevSummary == "" {
		sb.WriteString("（无）\n")
	} else {
		sb.WriteString(prevSummary)
		sb.WriteString("\n")
	}

	sb.WriteString("\n新增对话：\n")
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
