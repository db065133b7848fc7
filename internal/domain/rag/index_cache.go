package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	applog "personamem/internal/platform/log"
)

// IndexMeta 索引缓存的元数据条目。
// ChunkIDs 与索引内向量序号一一对应。
type IndexMeta struct {
	TotalChunks int       `json:"total_chunks"`
	ChunkIDs    []int64   `json:"chunk_ids"`
	LastUpdated time.Time `json:"last_updated"`
}

// CachedIndex 索引 + 分块文本 + 元数据的完整缓存视图
type CachedIndex struct {
	Index *FlatIndex
	Texts map[int64]string // chunk_id -> 分块文本
	Meta  IndexMeta
}

// IndexCache 向量索引的缓存存取。
// 三个键一组：索引二进制、分块文本表、元数据。
// 任一键损坏或缺失都按整体 miss 处理，由调用方重建。
type IndexCache struct {
	cache BlobCache
	ttl   time.Duration
}

// IndexCacheConfig 索引缓存配置
type IndexCacheConfig struct {
	Cache BlobCache
	TTL   time.Duration // 默认 24h
}

// NewIndexCache 创建索引缓存
func NewIndexCache(cfg IndexCacheConfig) *IndexCache {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &IndexCache{cache: cfg.Cache, ttl: cfg.TTL}
}

func indexKey(conversationID string) string {
	return "chatbot:faiss:index:" + conversationID
}

func textsKey(conversationID string) string {
	return "chatbot:faiss:chunk_text:" + conversationID
}

func metaKey(conversationID string) string {
	return "chatbot:faiss:meta:" + conversationID
}

// Load 加载缓存视图。miss 或损坏返回 (nil, false, nil)。
func (c *IndexCache) Load(ctx context.Context, conversationID string) (*CachedIndex, bool, error) {
	rawIndex, ok, err := c.cache.GetBytes(ctx, indexKey(conversationID))
	if err != nil {
		return nil, false, fmt.Errorf("load index blob: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	ix, err := DeserializeIndex(rawIndex)
	if err != nil {
		applog.Warn("[RAG/IndexCache] ⚠️ Cached index corrupted, treating as miss",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil, false, nil
	}

	rawTexts, ok, err := c.cache.GetBytes(ctx, textsKey(conversationID))
	if err != nil {
		return nil, false, fmt.Errorf("load chunk texts: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	texts := make(map[int64]string)
	if err := json.Unmarshal(rawTexts, &texts); err != nil {
		applog.Warn("[RAG/IndexCache] ⚠️ Cached chunk texts corrupted, treating as miss",
			"conversation_id", conversationID,
		)
		return nil, false, nil
	}

	rawMeta, ok, err := c.cache.GetBytes(ctx, metaKey(conversationID))
	if err != nil {
		return nil, false, fmt.Errorf("load index meta: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var meta IndexMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		applog.Warn("[RAG/IndexCache] ⚠️ Cached index meta corrupted, treating as miss",
			"conversation_id", conversationID,
		)
		return nil, false, nil
	}

	// 元数据与索引必须对齐，否则按损坏处理
	if len(meta.ChunkIDs) != ix.Count() || meta.TotalChunks != ix.Count() {
		applog.Warn("[RAG/IndexCache] ⚠️ Index/meta mismatch, treating as miss",
			"conversation_id", conversationID,
			"index_count", ix.Count(),
			"meta_chunks", meta.TotalChunks,
		)
		return nil, false, nil
	}

	return &CachedIndex{Index: ix, Texts: texts, Meta: meta}, true, nil
}

// Save 整体写入缓存视图
func (c *IndexCache) Save(ctx context.Context, conversationID string, view *CachedIndex) error {
	rawTexts, err := json.Marshal(view.Texts)
	if err != nil {
		return fmt.Errorf("marshal chunk texts: %w", err)
	}
	rawMeta, err := json.Marshal(view.Meta)
	if err != nil {
		return fmt.Errorf("marshal index meta: %w", err)
	}

	if err := c.cache.SetBytes(ctx, indexKey(conversationID), view.Index.Serialize(), c.ttl); err != nil {
		return fmt.Errorf("save index blob: %w", err)
	}
	if err := c.cache.SetBytes(ctx, textsKey(conversationID), rawTexts, c.ttl); err != nil {
		return fmt.Errorf("save chunk texts: %w", err)
	}
	if err := c.cache.SetBytes(ctx, metaKey(conversationID), rawMeta, c.ttl); err != nil {
		return fmt.Errorf("save index meta: %w", err)
	}
	return nil
}

// Clear 删除会话的全部索引缓存键
func (c *IndexCache) Clear(ctx context.Context, conversationID string) error {
	for _, key := range []string{indexKey(conversationID), textsKey(conversationID), metaKey(conversationID)} {
		if err := c.cache.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
