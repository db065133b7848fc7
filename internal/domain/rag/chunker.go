package rag

import (
	"strings"

	"personamem/internal/domain/memory"
)

// TurnChunker 按对话轮次切块。
// 以 user 消息作为轮次边界，每块 turnsPerChunk 个轮次，
// 相邻块之间重叠 overlapTurns 个轮次以保留上下文连贯性。
type TurnChunker struct {
	turnsPerChunk int
	overlapTurns  int
}

// NewTurnChunker 创建轮次分块器。
// overlapTurns 必须小于 turnsPerChunk，否则分块无法推进，回退为 turnsPerChunk/4。
func NewTurnChunker(turnsPerChunk, overlapTurns int) *TurnChunker {
	if turnsPerChunk <= 0 {
		turnsPerChunk = 4
	}
	if overlapTurns < 0 || overlapTurns >= turnsPerChunk {
		overlapTurns = turnsPerChunk / 4
	}
	return &TurnChunker{
		turnsPerChunk: turnsPerChunk,
		overlapTurns:  overlapTurns,
	}
}

// MinMessages 进入切块的最低消息数。
// 不足时本批不产出任何分块，消息保留在未索引状态等待下批。
func (c *TurnChunker) MinMessages() int {
	return c.turnsPerChunk * 2
}

// Chunk 将消息序列切为分块草稿。
// system/summary 条目不进入分块文本；不足最低数量的分块（含末尾碎块）
// 整体丢弃，其消息保持未索引状态等待下批带着更多上下文重切。
func (c *TurnChunker) Chunk(msgs []memory.Message) []*ChunkDraft {
	eligible := make([]memory.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == memory.RoleSystem || m.Role == memory.RoleSummary {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) < c.MinMessages() {
		return nil
	}

	var drafts []*ChunkDraft
	var current []memory.Message
	userCount := 0
	carried := 0 // current 开头来自上一块的重叠消息数，水位不归本块

	for _, m := range eligible {
		if m.Role == memory.RoleUser {
			if userCount == c.turnsPerChunk {
				kept := len(current) >= c.MinMessages()
				if kept {
					drafts = append(drafts, c.buildDraft(current, carried))
				}
				current = c.carryOverlap(current)
				if kept {
					carried = len(current)
				} else {
					// 上一块被丢弃未推进水位，重叠消息的水位归下一块
					carried = 0
				}
				userCount = countUsers(current)
			}
			userCount++
		}
		current = append(current, m)
	}
	if len(current) >= c.MinMessages() {
		drafts = append(drafts, c.buildDraft(current, carried))
	}

	return drafts
}

// carryOverlap 取分块末尾 overlapTurns 个轮次，作为下一块的开头
func (c *TurnChunker) carryOverlap(msgs []memory.Message) []memory.Message {
	if c.overlapTurns == 0 {
		return nil
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == memory.RoleUser {
			seen++
			if seen == c.overlapTurns {
				overlap := make([]memory.Message, len(msgs)-i)
				copy(overlap, msgs[i:])
				return overlap
			}
		}
	}
	return nil
}

// buildDraft 构建草稿。文本与时间区间覆盖全部消息（含重叠），
// MessageIDs 只含 carried 之后的新消息，水位由本块推进。
func (c *TurnChunker) buildDraft(msgs []memory.Message, carried int) *ChunkDraft {
	draft := &ChunkDraft{
		Text:       RenderChunkText(msgs),
		StartMsgID: msgs[0].ID,
		EndMsgID:   msgs[len(msgs)-1].ID,
		StartTime:  msgs[0].CreatedAt,
		EndTime:    msgs[len(msgs)-1].CreatedAt,
	}
	for _, m := range msgs[carried:] {
		draft.MessageIDs = append(draft.MessageIDs, m.ID)
	}
	return draft
}

func countUsers(msgs []memory.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == memory.RoleUser {
			n++
		}
	}
	return n
}

// RenderChunkText 渲染分块文本：时间区间头 + 逐条 "role: content"
func RenderChunkText(msgs []memory.Message) string {
	if len(msgs) == 0 {
		return ""
	}

	const layout = "2006-01-02 15:04:05"
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(msgs[0].CreatedAt.Format(layout))
	sb.WriteString(" ~ ")
	sb.WriteString(msgs[len(msgs)-1].CreatedAt.Format(layout))
	sb.WriteString("]\n")

	for _, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
