package rag_test

import (
	"errors"
	"math"
	"testing"

	"personamem/internal/domain/rag"
)

// TestFlatIndexSearchRanking 测试余弦相似度排序与 k 截断
func TestFlatIndexSearchRanking(t *testing.T) {
	ix := rag.NewFlatIndex(3)
	vectors := [][]float32{
		{1, 0, 0},        // 与查询同向
		{0, 1, 0},        // 正交
		{0.9, 0.1, 0},    // 接近
		{-1, 0, 0},       // 反向
	}
	for _, v := range vectors {
		if err := ix.Add(v); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := ix.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Position != 0 || hits[1].Position != 2 {
		t.Errorf("expected positions [0, 2], got [%d, %d]", hits[0].Position, hits[1].Position)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Error("hits should be sorted by similarity descending")
	}
	if math.Abs(hits[0].Similarity-1.0) > 1e-6 {
		t.Errorf("identical vector should have similarity 1.0, got %f", hits[0].Similarity)
	}

	// k 超过向量总数时取全部
	all, err := ix.Search([]float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 hits when k exceeds count, got %d", len(all))
	}
	t.Logf("✅ Ranking: top hit sim=%.4f, runner-up sim=%.4f", hits[0].Similarity, hits[1].Similarity)
}

// TestFlatIndexEmptySearch 测试空索引返回空结果
func TestFlatIndexEmptySearch(t *testing.T) {
	ix := rag.NewFlatIndex(3)
	hits, err := ix.Search([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits from empty index, got %d", len(hits))
	}
	t.Logf("✅ Empty index returned no hits")
}

// TestFlatIndexDimsMismatch 测试维度不匹配被拒绝
func TestFlatIndexDimsMismatch(t *testing.T) {
	ix := rag.NewFlatIndex(3)
	if err := ix.Add([]float32{1, 0}); err == nil {
		t.Error("adding wrong-dims vector should fail")
	}
	if _, err := ix.Search([]float32{1, 0}, 1); err == nil {
		t.Error("searching with wrong-dims query should fail")
	}
	t.Logf("✅ Dims mismatch rejected")
}

// TestFlatIndexSerializeRoundtrip 测试序列化往返
func TestFlatIndexSerializeRoundtrip(t *testing.T) {
	ix := rag.NewFlatIndex(4)
	ix.Add([]float32{0.1, -0.2, 0.3, -0.4})
	ix.Add([]float32{1.5, 2.5, -3.5, 4.5})

	restored, err := rag.DeserializeIndex(ix.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if restored.Dims() != 4 || restored.Count() != 2 {
		t.Fatalf("expected dims=4 count=2, got dims=%d count=%d", restored.Dims(), restored.Count())
	}

	query := []float32{0.1, -0.2, 0.3, -0.4}
	orig, _ := ix.Search(query, 2)
	back, _ := restored.Search(query, 2)
	for i := range orig {
		if orig[i].Position != back[i].Position || math.Abs(orig[i].Similarity-back[i].Similarity) > 1e-9 {
			t.Errorf("hit %d differs after roundtrip: %+v vs %+v", i, orig[i], back[i])
		}
	}
	t.Logf("✅ Roundtrip preserved %d vectors", restored.Count())
}

// TestDeserializeCorruptData 测试损坏数据返回 ErrIndexCorrupt
func TestDeserializeCorruptData(t *testing.T) {
	cases := map[string][]byte{
		"empty":        {},
		"bad magic":    []byte("XXXX\x01\x00\x00\x00\x03\x00\x00\x00\x00\x00\x00\x00"),
		"truncated":    append([]byte("PMIX"), 1, 0, 0, 0, 4, 0, 0, 0, 2, 0, 0, 0, 9),
		"garbage":      []byte("not an index at all"),
	}
	for name, data := range cases {
		if _, err := rag.DeserializeIndex(data); !errors.Is(err, rag.ErrIndexCorrupt) {
			t.Errorf("%s: expected ErrIndexCorrupt, got %v", name, err)
		}
	}
	t.Logf("✅ All corrupt payloads rejected with ErrIndexCorrupt")
}
