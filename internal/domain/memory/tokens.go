package memory

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter Token 计数接口
type TokenCounter interface {
	// Count 返回文本的 Token 数
	Count(text string) int
}

// TiktokenCounter 基于 tiktoken 的模型精确计数器
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 创建计数器。未知模型回退到 cl100k_base 编码。
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count 返回文本的 Token 数
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages 批量估算消息列表的 Token 数
func CountMessages(counter TokenCounter, msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		// 每条消息有 role 标记开销（约 4 token）
		total += 4
		total += counter.Count(msg.Content)
	}
	return total
}

// CountTurns 估算轮次列表的总 Token 数
func CountTurns(counter TokenCounter, turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += CountMessages(counter, t.Messages)
	}
	return total
}
