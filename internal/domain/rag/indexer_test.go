package rag_test

import (
	"context"
	"testing"
	"time"

	"personamem/internal/domain/rag"
	"personamem/internal/platform/retry"
)

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func newTestIndexer(store *fakeChunkStore, embedder *fakeEmbedder, cache *fakeBlobCache) *rag.Indexer {
	var indexCache *rag.IndexCache
	if cache != nil {
		indexCache = rag.NewIndexCache(rag.IndexCacheConfig{Cache: cache})
	}
	return rag.NewIndexer(rag.IndexerConfig{
		Store:      store,
		Embedder:   embedder,
		Chunker:    rag.NewTurnChunker(4, 1),
		IndexCache: indexCache,
		Retry:      fastRetry(1),
	})
}

// TestIndexerSubMinimumLeavesWatermarksUntouched 测试消息不足时不推进水位
func TestIndexerSubMinimumLeavesWatermarksUntouched(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	conv := "conv-small"
	seedConversation(store, conv, 2) // 4 条消息 < 最低 8 条

	indexer := newTestIndexer(store, newFakeEmbedder(4), nil)
	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 chunks, got %d", n)
	}
	if got := store.unindexedCount(conv); got != 4 {
		t.Errorf("all 4 messages should stay unindexed, got %d", got)
	}
	t.Logf("✅ Sub-minimum batch left for retry")
}

// TestIndexerAdvancesWatermarks 测试索引成功后全部消息水位推进
func TestIndexerAdvancesWatermarks(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	conv := "conv-index"
	seedConversation(store, conv, 4) // 恰好 1 块

	indexer := newTestIndexer(store, newFakeEmbedder(4), nil)
	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk, got %d", n)
	}
	if got := store.unindexedCount(conv); got != 0 {
		t.Errorf("expected all messages watermarked, got %d unindexed", got)
	}

	// 再跑一次应是空操作
	n, err = indexer.IndexNewMessages(ctx, conv)
	if err != nil || n != 0 {
		t.Errorf("rerun should be a no-op, got n=%d err=%v", n, err)
	}
	t.Logf("✅ Watermarks advanced, rerun was a no-op")
}

// TestIndexerTrailingFragmentStaysRetryable 测试末尾碎块不落库、不推水位，下批带新消息重切
func TestIndexerTrailingFragmentStaysRetryable(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	conv := "conv-fragment"
	seedConversation(store, conv, 5) // 10 条消息：1 整块 + 2 轮碎块

	indexer := newTestIndexer(store, newFakeEmbedder(4), nil)
	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk, got %d", n)
	}
	if got := store.unindexedCount(conv); got != 2 {
		t.Fatalf("fragment messages should stay unindexed for retry, got %d", got)
	}

	// 新增 3 轮后，碎块与新消息合成一块被索引
	store.addMessages(conv, makeTurns(3))
	store.mu.Lock()
	msgs := store.msgs[conv]
	for i := 10; i < len(msgs); i++ {
		msgs[i].ID = int64(i + 1)
	}
	store.mu.Unlock()

	n, err = indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("retry batch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 chunk from the retry batch, got %d", n)
	}
	if got := store.unindexedCount(conv); got != 0 {
		t.Errorf("expected all messages watermarked after retry, got %d", got)
	}
	t.Logf("✅ Trailing fragment re-chunked with later context")
}

// TestIndexerEmbedFailureLeavesMessagesRetryable 测试向量化失败时消息保持可重试
func TestIndexerEmbedFailureLeavesMessagesRetryable(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	conv := "conv-embed-fail"
	seedConversation(store, conv, 4)

	embedder := newFakeEmbedder(4)
	embedder.fails = 10
	indexer := newTestIndexer(store, embedder, nil)

	if _, err := indexer.IndexNewMessages(ctx, conv); err == nil {
		t.Fatal("expected error when embedding fails")
	}
	if got := store.unindexedCount(conv); got != 8 {
		t.Errorf("failed batch should leave all 8 messages unindexed, got %d", got)
	}

	// 服务恢复后重跑成功
	embedder.fails = 0
	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 chunk after recovery, got %d", n)
	}
	t.Logf("✅ Embed failure left batch retryable, recovery indexed it")
}

// TestIndexerEmbedRetrySucceeds 测试瞬时故障被重试策略吸收
func TestIndexerEmbedRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	conv := "conv-retry"
	seedConversation(store, conv, 4)

	embedder := newFakeEmbedder(4)
	embedder.fails = 2 // 前两次失败，第三次成功
	indexer := rag.NewIndexer(rag.IndexerConfig{
		Store:    store,
		Embedder: embedder,
		Chunker:  rag.NewTurnChunker(4, 1),
		Retry:    fastRetry(3),
	})

	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 chunk, got %d", n)
	}
	t.Logf("✅ Transient embed failures absorbed after %d calls", embedder.calls)
}

// TestIndexerAppendsToCachedIndex 测试增量分块追加进已缓存的索引
func TestIndexerAppendsToCachedIndex(t *testing.T) {
	ctx := context.Background()
	store := newFakeChunkStore()
	cache := newFakeBlobCache()
	conv := "conv-append"
	embedder := newFakeEmbedder(4)
	indexer := newTestIndexer(store, embedder, cache)
	indexCache := rag.NewIndexCache(rag.IndexCacheConfig{Cache: cache})

	// 第一批：落库后手工预热缓存
	seedConversation(store, conv, 4)
	if _, err := indexer.IndexNewMessages(ctx, conv); err != nil {
		t.Fatal(err)
	}
	chunks, _ := store.ListChunks(ctx, conv)
	view := &rag.CachedIndex{
		Index: rag.NewFlatIndex(4),
		Texts: map[int64]string{},
		Meta:  rag.IndexMeta{LastUpdated: time.Now()},
	}
	for _, c := range chunks {
		view.Index.Add(c.Embedding)
		view.Meta.ChunkIDs = append(view.Meta.ChunkIDs, c.ChunkID)
		view.Texts[c.ChunkID] = "text"
	}
	view.Meta.TotalChunks = view.Index.Count()
	if err := indexCache.Save(ctx, conv, view); err != nil {
		t.Fatal(err)
	}

	// 第二批：新增 4 轮，索引后缓存应包含两块
	store.addMessages(conv, makeTurns(4))
	// 重新编号避免与第一批冲突
	store.mu.Lock()
	msgs := store.msgs[conv]
	for i := 8; i < len(msgs); i++ {
		msgs[i].ID = int64(i + 1)
	}
	store.mu.Unlock()

	n, err := indexer.IndexNewMessages(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new chunk, got %d", n)
	}

	after, ok, err := indexCache.Load(ctx, conv)
	if err != nil || !ok {
		t.Fatalf("cached index should load: ok=%v err=%v", ok, err)
	}
	if after.Index.Count() != 2 || len(after.Meta.ChunkIDs) != 2 {
		t.Errorf("expected 2 chunks in cached index, got count=%d ids=%d",
			after.Index.Count(), len(after.Meta.ChunkIDs))
	}
	t.Logf("✅ Cached index grew to %d chunks", after.Index.Count())
}
