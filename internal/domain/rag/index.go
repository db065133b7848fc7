package rag

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// 序列化格式：magic + 版本 + 维度 + 向量数 + 小端 float32 平铺数据
const (
	indexMagic   = "PMIX"
	indexVersion = uint32(1)
)

// FlatIndex 平铺余弦相似度索引。
// 向量按加入顺序平铺存储，检索为全量扫描，可整体序列化进缓存。
type FlatIndex struct {
	dims  int
	data  []float32
	count int
}

// NewFlatIndex 创建空索引
func NewFlatIndex(dims int) *FlatIndex {
	return &FlatIndex{dims: dims}
}

// Dims 向量维度
func (ix *FlatIndex) Dims() int { return ix.dims }

// Count 已加入的向量数
func (ix *FlatIndex) Count() int { return ix.count }

// Add 追加一个向量
func (ix *FlatIndex) Add(vec []float32) error {
	if len(vec) != ix.dims {
		return fmt.Errorf("vector dims %d, index dims %d", len(vec), ix.dims)
	}
	ix.data = append(ix.data, vec...)
	ix.count++
	return nil
}

// Hit 检索命中：向量在索引中的序号及余弦相似度
type Hit struct {
	Position   int
	Similarity float64
}

// Search 返回与查询向量最相似的 k 个命中，按相似度降序。
// k 超过向量总数时取全部；空索引返回空。
func (ix *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.dims {
		return nil, fmt.Errorf("query dims %d, index dims %d", len(query), ix.dims)
	}
	if ix.count == 0 || k <= 0 {
		return nil, nil
	}
	if k > ix.count {
		k = ix.count
	}

	qNorm := norm(query)
	hits := make([]Hit, 0, ix.count)
	for i := 0; i < ix.count; i++ {
		vec := ix.data[i*ix.dims : (i+1)*ix.dims]
		hits = append(hits, Hit{Position: i, Similarity: cosine(query, qNorm, vec)})
	}

	sort.Slice(hits, func(a, b int) bool { return hits[a].Similarity > hits[b].Similarity })
	return hits[:k], nil
}

// cosine 余弦相似度，零向量相似度为 0
func cosine(query []float32, qNorm float64, vec []float32) float64 {
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(vec[i])
	}
	vNorm := norm(vec)
	if qNorm == 0 || vNorm == 0 {
		return 0
	}
	return dot / (qNorm * vNorm)
}

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Serialize 序列化索引为二进制
func (ix *FlatIndex) Serialize() []byte {
	buf := make([]byte, 0, 16+len(ix.data)*4)
	buf = append(buf, indexMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, indexVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ix.dims))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ix.count))
	for _, v := range ix.data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// DeserializeIndex 从二进制还原索引，格式不符时返回 ErrIndexCorrupt
func DeserializeIndex(data []byte) (*FlatIndex, error) {
	if len(data) < 16 || string(data[:4]) != indexMagic {
		return nil, fmt.Errorf("%w: bad header", ErrIndexCorrupt)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, version)
	}
	dims := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	if dims <= 0 || count < 0 {
		return nil, fmt.Errorf("%w: invalid dims/count", ErrIndexCorrupt)
	}

	expected := 16 + dims*count*4
	if len(data) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrIndexCorrupt, expected, len(data))
	}

	ix := &FlatIndex{dims: dims, count: count, data: make([]float32, dims*count)}
	for i := range ix.data {
		bits := binary.LittleEndian.Uint32(data[16+i*4:])
		ix.data[i] = math.Float32frombits(bits)
	}
	return ix, nil
}
