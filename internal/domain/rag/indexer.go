package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	applog "personamem/internal/platform/log"
	"personamem/internal/platform/retry"
)

// Indexer 增量索引器。
// 从水位之后的未索引消息切块、向量化并持久化；
// 水位只在分块成功落库后推进，失败的消息留待下一批重试。
type Indexer struct {
	store      ChunkStore
	embedder   Embedder
	chunker    *TurnChunker
	indexCache *IndexCache
	retryP     retry.Policy
}

// IndexerConfig 索引器配置
type IndexerConfig struct {
	Store      ChunkStore
	Embedder   Embedder
	Chunker    *TurnChunker
	IndexCache *IndexCache
	Retry      retry.Policy
}

// NewIndexer 创建索引器
func NewIndexer(cfg IndexerConfig) *Indexer {
	if cfg.Chunker == nil {
		cfg.Chunker = NewTurnChunker(4, 1)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Indexer{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		chunker:    cfg.Chunker,
		indexCache: cfg.IndexCache,
		retryP:     cfg.Retry,
	}
}

// IndexNewMessages 索引水位之后的新消息，返回新建分块数。
// 消息不足切块最低数量时不做任何事；中途失败则停止，
// 已落库分块的水位保持推进，剩余消息下一批重试。
func (ix *Indexer) IndexNewMessages(ctx context.Context, conversationID string) (int, error) {
	runID := uuid.New().String()[:8]

	msgs, err := ix.store.UnindexedMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load unindexed messages: %w", err)
	}
	if len(msgs) < ix.chunker.MinMessages() {
		applog.Debug("[RAG/Indexer] Not enough messages to chunk",
			"run_id", runID,
			"conversation_id", conversationID,
			"pending", len(msgs),
			"min", ix.chunker.MinMessages(),
		)
		return 0, nil
	}

	applog.Info("[RAG/Indexer] 🚀 Incremental indexing started",
		"run_id", runID,
		"conversation_id", conversationID,
		"pending_messages", len(msgs),
	)

	inserted, err := ix.indexDrafts(ctx, runID, conversationID, ix.chunker.Chunk(msgs))
	if err != nil {
		return len(inserted), err
	}

	ix.appendToCache(ctx, runID, conversationID, inserted)

	applog.Info("[RAG/Indexer] ✅ Incremental indexing finished",
		"run_id", runID,
		"conversation_id", conversationID,
		"new_chunks", len(inserted),
	)
	return len(inserted), nil
}

// ReindexAll 全量重建：清空分块与索引缓存后重新索引全部消息
func (ix *Indexer) ReindexAll(ctx context.Context, conversationID string) (int, error) {
	runID := uuid.New().String()[:8]

	applog.Info("[RAG/Indexer] 🔄 Full reindex started",
		"run_id", runID,
		"conversation_id", conversationID,
	)

	if ix.indexCache != nil {
		if err := ix.indexCache.Clear(ctx, conversationID); err != nil {
			applog.Warn("[RAG/Indexer] ⚠️ Failed to clear index cache",
				"run_id", runID,
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}
	if err := ix.store.ResetChunks(ctx, conversationID); err != nil {
		return 0, fmt.Errorf("reset chunks: %w", err)
	}

	msgs, err := ix.store.AllMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load all messages: %w", err)
	}
	if len(msgs) < ix.chunker.MinMessages() {
		return 0, nil
	}

	inserted, err := ix.indexDrafts(ctx, runID, conversationID, ix.chunker.Chunk(msgs))
	if err != nil {
		return len(inserted), err
	}

	ix.appendToCache(ctx, runID, conversationID, inserted)

	applog.Info("[RAG/Indexer] ✅ Full reindex finished",
		"run_id", runID,
		"conversation_id", conversationID,
		"chunks", len(inserted),
	)
	return len(inserted), nil
}

// insertedChunk 本批落库成功的分块
type insertedChunk struct {
	chunkID   int64
	text      string
	embedding []float32
}

// indexDrafts 逐块向量化并落库。任一块失败即停止并返回已完成部分。
func (ix *Indexer) indexDrafts(ctx context.Context, runID, conversationID string, drafts []*ChunkDraft) ([]insertedChunk, error) {
	var inserted []insertedChunk
	for _, draft := range drafts {
		var vec []float32
		err := retry.Do(ctx, ix.retryP, func() error {
			vecs, embErr := ix.embedder.Embed(ctx, []string{draft.Text})
			if embErr != nil {
				return embErr
			}
			vec = vecs[0]
			return nil
		})
		if err != nil {
			applog.Error("[RAG/Indexer] ❌ Embedding failed, stopping batch",
				"run_id", runID,
				"conversation_id", conversationID,
				"start_msg_id", draft.StartMsgID,
				"error", err,
			)
			return inserted, fmt.Errorf("embed chunk starting at msg %d: %w", draft.StartMsgID, err)
		}

		chunkID, err := ix.store.InsertChunk(ctx, conversationID, draft, vec)
		if err != nil {
			applog.Error("[RAG/Indexer] ❌ Chunk insert failed, stopping batch",
				"run_id", runID,
				"conversation_id", conversationID,
				"start_msg_id", draft.StartMsgID,
				"error", err,
			)
			return inserted, fmt.Errorf("insert chunk starting at msg %d: %w", draft.StartMsgID, err)
		}

		applog.Debug("[RAG/Indexer] 📝 Chunk indexed",
			"run_id", runID,
			"conversation_id", conversationID,
			"chunk_id", chunkID,
			"messages", len(draft.MessageIDs),
		)
		inserted = append(inserted, insertedChunk{chunkID: chunkID, text: draft.Text, embedding: vec})
	}
	return inserted, nil
}

// appendToCache 将新分块追加进已缓存的索引。
// 缓存 miss 时跳过（下次检索按需重建）；失败只记日志，持久层已是权威。
func (ix *Indexer) appendToCache(ctx context.Context, runID, conversationID string, inserted []insertedChunk) {
	if ix.indexCache == nil || len(inserted) == 0 {
		return
	}

	view, ok, err := ix.indexCache.Load(ctx, conversationID)
	if err != nil || !ok {
		if err != nil {
			applog.Warn("[RAG/Indexer] ⚠️ Failed to load cached index for append",
				"run_id", runID,
				"conversation_id", conversationID,
				"error", err,
			)
		}
		return
	}

	for _, c := range inserted {
		if err := view.Index.Add(c.embedding); err != nil {
			applog.Warn("[RAG/Indexer] ⚠️ Failed to append vector to cached index",
				"run_id", runID,
				"conversation_id", conversationID,
				"chunk_id", c.chunkID,
				"error", err,
			)
			return
		}
		view.Texts[c.chunkID] = c.text
		view.Meta.ChunkIDs = append(view.Meta.ChunkIDs, c.chunkID)
	}
	view.Meta.TotalChunks = view.Index.Count()
	view.Meta.LastUpdated = time.Now()

	if err := ix.indexCache.Save(ctx, conversationID, view); err != nil {
		applog.Warn("[RAG/Indexer] ⚠️ Failed to save appended index",
			"run_id", runID,
			"conversation_id", conversationID,
			"error", err,
		)
	}
}
