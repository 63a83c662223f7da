package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// pgChunkRecord pgvector 后端的一行
type pgChunkRecord struct {
	ID          string            `gorm:"primaryKey;type:varchar(64)"`
	Collection  string            `gorm:"size:128;not null;index"`
	Source      string            `gorm:"size:512;not null;index"`
	ChunkIndex  int               `gorm:"not null"`
	Content     string            `gorm:"type:text;not null"`
	ContentHash string            `gorm:"size:64;index"`
	TokenCount  int               `gorm:"default:0"`
	StartOffset int               `gorm:"default:0"`
	EndOffset   int               `gorm:"default:0"`
	Embedding   pgvector.Vector   `gorm:"type:vector;not null"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"autoCreateTime"`
}

func (pgChunkRecord) TableName() string {
	return "rag_chunks"
}

// PGVectorStore 基于PostgreSQL pgvector扩展的向量存储实现
type PGVectorStore struct {
	db         *gorm.DB
	collection string
	embedder   EmbeddingProvider
	dimension  int
}

var _ VectorStore = (*PGVectorStore)(nil)

// NewPGVectorStore 创建新的pgvector存储实例
func NewPGVectorStore(ctx context.Context, db *gorm.DB, collection string, embedder EmbeddingProvider, dimension int) (*PGVectorStore, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if dimension <= 0 {
		dimension = 1536
	}
	store := &PGVectorStore{
		db:         db,
		collection: collection,
		embedder:   embedder,
		dimension:  dimension,
	}

	if err := store.migrate(ctx); err != nil {
		return nil, storageError("初始化pgvector失败", err)
	}
	return store, nil
}

// migrate 启用扩展并建表
func (s *PGVectorStore) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("启用pgvector扩展失败: %w", err)
	}
	if err := db.AutoMigrate(&pgChunkRecord{}); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}
	// AutoMigrate 无法推断维度，显式指定列类型
	alter := fmt.Sprintf("ALTER TABLE rag_chunks ALTER COLUMN embedding TYPE vector(%d)", s.dimension)
	if err := db.Exec(alter).Error; err != nil {
		return fmt.Errorf("设置向量维度失败: %w", err)
	}
	return nil
}

// Add 向量化并写入分块
func (s *PGVectorStore) Add(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("向量化失败: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("向量数量不匹配: 期望%d, 实际%d", len(chunks), len(embeddings))
	}

	records := make([]*pgChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = &pgChunkRecord{
			ID:          c.ID,
			Collection:  s.collection,
			Source:      c.Source,
			ChunkIndex:  c.Index,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			Embedding:   pgvector.NewVector(embeddings[i]),
			Metadata: datatypes.JSONMap{
				"embedding_model": s.embedder.GetModel(),
			},
		}
	}

	if err := s.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("写入向量库失败: %w", err)
	}
	return nil
}

// Query 使用余弦距离操作符 <=> 检索
func (s *PGVectorStore) Query(ctx context.Context, text string, k int) ([]*SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}
	vec := pgvector.NewVector(queryVec)

	var rows []struct {
		ID         string  `gorm:"column:id"`
		Source     string  `gorm:"column:source"`
		Content    string  `gorm:"column:content"`
		ChunkIndex int     `gorm:"column:chunk_index"`
		Similarity float64 `gorm:"column:similarity"`
	}

	query := `
		SELECT id, source, content, chunk_index, 1 - (embedding <=> ?) AS similarity
		FROM rag_chunks
		WHERE collection = ?
		ORDER BY embedding <=> ?
		LIMIT ?
	`
	if err := s.db.WithContext(ctx).Raw(query, vec, s.collection, vec, k).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("向量搜索失败: %w", err)
	}

	results := make([]*SearchResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, &SearchResult{
			ChunkID:    r.ID,
			Source:     r.Source,
			Content:    r.Content,
			ChunkIndex: r.ChunkIndex,
			Similarity: r.Similarity,
			Score:      r.Similarity,
		})
	}
	return results, nil
}

// Count 返回集合中的分块数
func (s *PGVectorStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&pgChunkRecord{}).Where("collection = ?", s.collection).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计分块数失败: %w", err)
	}
	return n, nil
}

// Reset 删除集合的全部分块
func (s *PGVectorStore) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("collection = ?", s.collection).Delete(&pgChunkRecord{}).Error; err != nil {
		return storageError("清空集合失败", err)
	}
	return nil
}

// Close 连接由 infra 层统一管理
func (s *PGVectorStore) Close() error {
	return nil
}
