package rag

import (
	"context"
	"time"

	"personamem/internal/domain/memory"
)

// Chunk 已索引的对话分块元数据
type Chunk struct {
	ChunkID    int64     `json:"chunk_id"`
	StartMsgID int64     `json:"start_msg_id"`
	EndMsgID   int64     `json:"end_msg_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Embedding  []float32 `json:"-"`
}

// ChunkDraft 切块阶段的产物：文本和来源消息尚未写入持久层
type ChunkDraft struct {
	Text       string
	MessageIDs []int64
	StartMsgID int64
	EndMsgID   int64
	StartTime  time.Time
	EndTime    time.Time
}

// SearchRequest 检索请求
type SearchRequest struct {
	ConversationID      string
	Query               string
	TopK                int      // 默认 3
	SimilarityThreshold *float64 // nil 表示使用服务默认值（0.7）；0 与负值均为合法阈值
	StartTime           *time.Time
	EndTime             *time.Time
}

// RetrievedChunk 检索命中结果
type RetrievedChunk struct {
	ChunkID    int64   `json:"chunk_id"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// ChunkStore 分块元数据与索引水位的持久存储接口。
// 水位（消息上的 embed_index）与分块行必须在同一事务内推进。
type ChunkStore interface {
	// UnindexedMessages 返回尚未索引的消息（embed_index 为空，按 ID 升序）
	UnindexedMessages(ctx context.Context, conversationID string) ([]memory.Message, error)

	// AllMessages 返回会话的全部消息（全量重建用）
	AllMessages(ctx context.Context, conversationID string) ([]memory.Message, error)

	// MessagesInRange 返回 ID 在 [startID, endID] 内的消息
	MessagesInRange(ctx context.Context, conversationID string, startID, endID int64) ([]memory.Message, error)

	// InsertChunk 原子插入分块并推进来源消息的水位，返回分配的 chunk_id
	InsertChunk(ctx context.Context, conversationID string, draft *ChunkDraft, embedding []float32) (int64, error)

	// ListChunks 返回会话的全部分块（按 chunk_id 升序）
	ListChunks(ctx context.Context, conversationID string) ([]Chunk, error)

	// ListChunksInRange 返回与时间区间 [start, end] 有交集的分块
	ListChunksInRange(ctx context.Context, conversationID string, start, end *time.Time) ([]Chunk, error)

	// ResetChunks 删除会话全部分块并清空消息水位（全量重建用）
	ResetChunks(ctx context.Context, conversationID string) error
}

// BlobCache 二进制缓存接口（序列化后的向量索引）
type BlobCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Embedder 向量化接口
type Embedder interface {
	// Embed 批量向量化，返回与输入等长的向量列表
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dims 向量维度
	Dims() int
}
