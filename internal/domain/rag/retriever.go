package rag

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	applog "personamem/internal/platform/log"
	"personamem/internal/platform/retry"
)

// Retriever 相似度检索服务。
// 索引从缓存加载，miss 时从持久层重建（singleflight 合并并发重建）；
// 带时间过滤的请求基于过滤后的分块构建一次性子索引。
type Retriever struct {
	store      ChunkStore
	embedder   Embedder
	indexCache *IndexCache
	retryP     retry.Policy
	rebuilds   singleflight.Group

	topK      int
	threshold float64
}

// RetrieverConfig 检索服务配置
type RetrieverConfig struct {
	Store      ChunkStore
	Embedder   Embedder
	IndexCache *IndexCache
	Retry      retry.Policy
	TopK       int     // 默认 3
	Threshold  float64 // 默认 0.7
}

// NewRetriever 创建检索服务
func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.7
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Retriever{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		indexCache: cfg.IndexCache,
		retryP:     cfg.Retry,
		topK:       cfg.TopK,
		threshold:  cfg.Threshold,
	}
}

// Search 检索与查询最相关的历史分块。
// 无分块时返回空结果；低于相似度阈值的命中被过滤。
func (r *Retriever) Search(ctx context.Context, req *SearchRequest) ([]RetrievedChunk, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = r.topK
	}
	threshold := r.threshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	start := time.Now()

	var view *CachedIndex
	var err error
	if req.StartTime != nil || req.EndTime != nil {
		view, err = r.buildSubIndex(ctx, req.ConversationID, req.StartTime, req.EndTime)
	} else {
		view, err = r.loadOrRebuild(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	if view == nil || view.Index.Count() == 0 {
		applog.Debug("[RAG/Retriever] Empty index, no results",
			"conversation_id", req.ConversationID,
		)
		return nil, nil
	}

	var queryVec []float32
	err = retry.Do(ctx, r.retryP, func() error {
		vecs, embErr := r.embedder.Embed(ctx, []string{req.Query})
		if embErr != nil {
			return embErr
		}
		queryVec = vecs[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := view.Index.Search(queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	results := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < threshold {
			continue
		}
		chunkID := view.Meta.ChunkIDs[h.Position]
		results = append(results, RetrievedChunk{
			ChunkID:    chunkID,
			Text:       view.Texts[chunkID],
			Similarity: h.Similarity,
		})
	}

	applog.Info("[RAG/Retriever] 🎯 Search finished",
		"conversation_id", req.ConversationID,
		"candidates", view.Index.Count(),
		"hits", len(results),
		"top_k", topK,
		"threshold", threshold,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// loadOrRebuild 加载缓存索引，miss 时从持久层重建。
// singleflight 保证同一会话的并发重建只执行一次。
func (r *Retriever) loadOrRebuild(ctx context.Context, conversationID string) (*CachedIndex, error) {
	if r.indexCache != nil {
		view, ok, err := r.indexCache.Load(ctx, conversationID)
		if err != nil {
			applog.Warn("[RAG/Retriever] ⚠️ Index cache unavailable, rebuilding from store",
				"conversation_id", conversationID,
				"error", err,
			)
		} else if ok {
			return view, nil
		}
	}

	result, err, _ := r.rebuilds.Do(conversationID, func() (any, error) {
		view, err := r.rebuildFromStore(ctx, conversationID, nil, nil)
		if err != nil {
			return nil, err
		}
		if r.indexCache != nil && view != nil {
			if saveErr := r.indexCache.Save(ctx, conversationID, view); saveErr != nil {
				applog.Warn("[RAG/Retriever] ⚠️ Failed to cache rebuilt index",
					"conversation_id", conversationID,
					"error", saveErr,
				)
			}
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*CachedIndex), nil
}

// buildSubIndex 基于时间过滤后的分块构建一次性子索引，不写缓存
func (r *Retriever) buildSubIndex(ctx context.Context, conversationID string, start, end *time.Time) (*CachedIndex, error) {
	return r.rebuildFromStore(ctx, conversationID, start, end)
}

// rebuildFromStore 从持久层重建索引视图。
// 分块文本不落库，按消息区间并发重渲染。
func (r *Retriever) rebuildFromStore(ctx context.Context, conversationID string, start, end *time.Time) (*CachedIndex, error) {
	var chunks []Chunk
	var err error
	if start != nil || end != nil {
		chunks, err = r.store.ListChunksInRange(ctx, conversationID, start, end)
	} else {
		chunks, err = r.store.ListChunks(ctx, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	ix := NewFlatIndex(r.embedder.Dims())
	meta := IndexMeta{LastUpdated: time.Now()}
	for _, c := range chunks {
		if err := ix.Add(c.Embedding); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrIndexCorrupt, c.ChunkID, err)
		}
		meta.ChunkIDs = append(meta.ChunkIDs, c.ChunkID)
	}
	meta.TotalChunks = ix.Count()

	texts, err := r.renderChunkTexts(ctx, conversationID, chunks)
	if err != nil {
		return nil, err
	}

	applog.Info("[RAG/Retriever] 📥 Index rebuilt from durable store",
		"conversation_id", conversationID,
		"chunks", len(chunks),
		"time_filtered", start != nil || end != nil,
	)
	return &CachedIndex{Index: ix, Texts: texts, Meta: meta}, nil
}

// renderChunkTexts 并发按消息区间重渲染分块文本，并发度限制为 4
func (r *Retriever) renderChunkTexts(ctx context.Context, conversationID string, chunks []Chunk) (map[int64]string, error) {
	rendered := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			msgs, err := r.store.MessagesInRange(gctx, conversationID, c.StartMsgID, c.EndMsgID)
			if err != nil {
				return fmt.Errorf("load messages for chunk %d: %w", c.ChunkID, err)
			}
			rendered[i] = RenderChunkText(msgs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	texts := make(map[int64]string, len(chunks))
	for i, c := range chunks {
		texts[c.ChunkID] = rendered[i]
	}
	return texts, nil
}
