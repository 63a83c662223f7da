package rag

import (
	"context"
	"math"
	"sort"

	gormlogger "gorm.io/gorm/logger"
)

const (
	// DefaultCollection 默认集合名
	DefaultCollection = "startup_docs"
	// DefaultPersistDir 默认持久化目录
	DefaultPersistDir = "./chroma_db"
)

// VectorStore 抽象向量写入、检索与重置功能，可由不同后端实现（SQLite、pgvector）。
// 只支持追加和整体重置，不支持按分块删除。
type VectorStore interface {
	// Add 向量化并追加分块，重复添加同一来源会产生重复分块
	Add(ctx context.Context, chunks []*Chunk) error
	// Query 返回与 text 余弦相似度最高的 k 个分块，按相似度降序
	Query(ctx context.Context, text string, k int) ([]*SearchResult, error)
	// Count 返回集合中的分块数
	Count(ctx context.Context) (int64, error)
	// Reset 不可逆地删除全部持久化数据，之后该实例不可再用
	Reset(ctx context.Context) error
	Close() error
}

// StoreOptions 打开向量库的参数
type StoreOptions struct {
	PersistDir string
	Collection string
	Embedder   EmbeddingProvider
	GormLogger gormlogger.Interface // 可选
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.PersistDir == "" {
		o.PersistDir = DefaultPersistDir
	}
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.GormLogger == nil {
		o.GormLogger = gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return o
}

// StoreFactory 首次入库时创建向量库
type StoreFactory func(ctx context.Context) (VectorStore, error)

// cosineSimilarity 余弦相似度，维度不一致或零向量返回 0
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortBySimilarity 按相似度降序排序，相同时保持原顺序
func sortBySimilarity(results []*SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
}
