package rag_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"personamem/internal/domain/memory"
	"personamem/internal/domain/rag"
)

var errStoreDown = errors.New("store down")

// fakeChunkStore 内存分块存储，水位语义与持久层一致
type fakeChunkStore struct {
	mu         sync.Mutex
	msgs       map[string][]memory.Message
	chunks     map[string][]rag.Chunk
	failInsert bool
	inserts    int
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{
		msgs:   make(map[string][]memory.Message),
		chunks: make(map[string][]rag.Chunk),
	}
}

func (s *fakeChunkStore) addMessages(conv string, msgs []memory.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[conv] = append(s.msgs[conv], msgs...)
}

func (s *fakeChunkStore) UnindexedMessages(_ context.Context, conv string) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Message
	for _, m := range s.msgs[conv] {
		if m.EmbedIndex == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeChunkStore) AllMessages(_ context.Context, conv string) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Message, len(s.msgs[conv]))
	copy(out, s.msgs[conv])
	return out, nil
}

func (s *fakeChunkStore) MessagesInRange(_ context.Context, conv string, startID, endID int64) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Message
	for _, m := range s.msgs[conv] {
		if m.ID >= startID && m.ID <= endID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeChunkStore) InsertChunk(_ context.Context, conv string, draft *rag.ChunkDraft, embedding []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return 0, errStoreDown
	}

	var chunkID int64
	for _, c := range s.chunks[conv] {
		if c.ChunkID >= chunkID {
			chunkID = c.ChunkID + 1
		}
	}

	// 水位检查 + 推进（与持久层事务语义一致：冲突即整体失败）
	idx := make(map[int64]int)
	for i, m := range s.msgs[conv] {
		idx[m.ID] = i
	}
	for _, id := range draft.MessageIDs {
		i, ok := idx[id]
		if !ok || s.msgs[conv][i].EmbedIndex != nil {
			return 0, rag.ErrInconsistentWatermark
		}
	}
	for _, id := range draft.MessageIDs {
		cid := chunkID
		s.msgs[conv][idx[id]].EmbedIndex = &cid
	}

	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	s.chunks[conv] = append(s.chunks[conv], rag.Chunk{
		ChunkID:    chunkID,
		StartMsgID: draft.StartMsgID,
		EndMsgID:   draft.EndMsgID,
		StartTime:  draft.StartTime,
		EndTime:    draft.EndTime,
		Embedding:  emb,
	})
	s.inserts++
	return chunkID, nil
}

func (s *fakeChunkStore) ListChunks(_ context.Context, conv string) ([]rag.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rag.Chunk, len(s.chunks[conv]))
	copy(out, s.chunks[conv])
	return out, nil
}

func (s *fakeChunkStore) ListChunksInRange(_ context.Context, conv string, start, end *time.Time) ([]rag.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rag.Chunk
	for _, c := range s.chunks[conv] {
		if start != nil && c.EndTime.Before(*start) {
			continue
		}
		if end != nil && c.StartTime.After(*end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeChunkStore) ResetChunks(_ context.Context, conv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[conv] = nil
	for i := range s.msgs[conv] {
		s.msgs[conv][i].EmbedIndex = nil
	}
	return nil
}

func (s *fakeChunkStore) unindexedCount(conv string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs[conv] {
		if m.EmbedIndex == nil {
			n++
		}
	}
	return n
}

// fakeBlobCache 内存二进制缓存
type fakeBlobCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobCache() *fakeBlobCache {
	return &fakeBlobCache{data: make(map[string][]byte)}
}

func (c *fakeBlobCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeBlobCache) SetBytes(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.data[key] = cp
	return nil
}

func (c *fakeBlobCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakeEmbedder 确定性向量生成器，可按文本预设向量或注入故障
type fakeEmbedder struct {
	mu    sync.Mutex
	dims  int
	vecs  map[string][]float32
	fails int // 剩余失败次数
	calls int
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{dims: dims, vecs: make(map[string][]float32)}
}

func (e *fakeEmbedder) Dims() int { return e.dims }

func (e *fakeEmbedder) set(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vecs[text] = vec
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fails > 0 {
		e.fails--
		return nil, rag.ErrEmbeddingUnavailable
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := e.vecs[text]; ok {
			out[i] = v
			continue
		}
		// 默认向量：按文本字节确定性生成
		v := make([]float32, e.dims)
		for j, b := range []byte(text) {
			v[j%e.dims] += float32(b) / 255
		}
		out[i] = v
	}
	return out, nil
}

// seedConversation 生成 n 个完整轮次（2n 条消息），ID 从 1 递增
func seedConversation(store *fakeChunkStore, conv string, n int) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var msgs []memory.Message
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		msgs = append(msgs,
			memory.Message{ID: int64(2*i + 1), Role: memory.RoleUser, Content: fmt.Sprintf("问题 %d", i), CreatedAt: ts},
			memory.Message{ID: int64(2*i + 2), Role: memory.RoleAssistant, Content: fmt.Sprintf("回答 %d", i), CreatedAt: ts.Add(10 * time.Second)},
		)
	}
	store.addMessages(conv, msgs)
}
