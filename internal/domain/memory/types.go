package memory

import "time"

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleSystem    Role = "system"
	RoleSummary   Role = "summary"
)

// Message 会话消息。写入后不可变，唯一例外是 EmbedIndex：
// 消息被折叠进某个 chunk 时设置一次，之后不再改变。
type Message struct {
	ID        int64     `json:"id,omitempty"` // 单会话内单调递增；工作集内的摘要/系统条目无 ID
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// EmbedIndex 索引水位：已嵌入该消息的 chunk_id，未嵌入为 nil
	EmbedIndex *int64 `json:"embed_index,omitempty"`
}

// Summary 累积摘要。持久层按事件追加，仅最新一条生效。
type Summary struct {
	Text      string    `json:"text"`
	LastMsgID int64     `json:"last_msg_id"` // 摘要已覆盖的最大消息 ID
	CreatedAt time.Time `json:"created_at"`
}

// Turn 一个对话轮次：user → function* → assistant 的极大序列。
// 末尾未完成的轮次 Complete 为 false。
type Turn struct {
	Messages []Message
	Complete bool
}

// LastMsgID 返回轮次列表中最后一个带 ID 的消息 ID（从后往前扫，先命中先赢）。
// 全部无 ID 时返回 0。
func LastMsgID(turns []Turn) int64 {
	for i := len(turns) - 1; i >= 0; i-- {
		msgs := turns[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].ID > 0 {
				return msgs[j].ID
			}
		}
	}
	return 0
}

// Flatten 将轮次列表展开为消息序列
func Flatten(turns []Turn) []Message {
	var msgs []Message
	for _, t := range turns {
		msgs = append(msgs, t.Messages...)
	}
	return msgs
}
