package rag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"startuplab/internal/logger"
)

// StoreFileName 向量库文件名
const StoreFileName = "vectors.db"

// chunkRecord 向量库中的一行
type chunkRecord struct {
	ID          string            `gorm:"primaryKey;size:64"`
	Collection  string            `gorm:"size:128;not null;index"`
	Source      string            `gorm:"size:512;not null;index"`
	ChunkIndex  int               `gorm:"not null"`
	Content     string            `gorm:"type:text;not null"`
	ContentHash string            `gorm:"size:64;index"`
	TokenCount  int               `gorm:"default:0"`
	StartOffset int               `gorm:"default:0"`
	EndOffset   int               `gorm:"default:0"`
	Embedding   []byte            `gorm:"not null"` // little-endian float32
	Metadata    datatypes.JSONMap `gorm:"type:json"`
	CreatedAt   time.Time         `gorm:"autoCreateTime"`
}

func (chunkRecord) TableName() string {
	return "chunks"
}

// SQLiteVectorStore 基于 SQLite 单文件的向量库，检索为全量余弦扫描
type SQLiteVectorStore struct {
	mu         sync.Mutex
	db         *gorm.DB
	dir        string
	collection string
	embedder   EmbeddingProvider
	closed     bool
}

var _ VectorStore = (*SQLiteVectorStore)(nil)

// StoreExists 判断目录下是否已有向量库文件
func StoreExists(persistDir string) bool {
	info, err := os.Stat(filepath.Join(persistDir, StoreFileName))
	return err == nil && !info.IsDir()
}

// OpenStore 打开或创建持久化向量库
func OpenStore(ctx context.Context, opts StoreOptions) (*SQLiteVectorStore, error) {
	opts = opts.withDefaults()
	if opts.Embedder == nil {
		return nil, fmt.Errorf("向量库需要 EmbeddingProvider")
	}

	if err := os.MkdirAll(opts.PersistDir, 0o755); err != nil {
		return nil, storageError("创建持久化目录失败", err)
	}

	dsn := filepath.Join(opts.PersistDir, StoreFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: opts.GormLogger})
	if err != nil {
		return nil, storageError("打开向量库失败", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError("获取数据库连接失败", err)
	}
	// SQLite 单写者
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&chunkRecord{}); err != nil {
		sqlDB.Close()
		return nil, storageError("初始化向量库表结构失败", err)
	}

	logger.Info("向量库已打开",
		zap.String("dir", opts.PersistDir),
		zap.String("collection", opts.Collection),
	)

	return &SQLiteVectorStore{
		db:         db,
		dir:        opts.PersistDir,
		collection: opts.Collection,
		embedder:   opts.Embedder,
	}, nil
}

// Add 向量化并写入分块（单事务）
func (s *SQLiteVectorStore) Add(ctx context.Context, chunks []*Chunk) error {
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

	records := make([]*chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = &chunkRecord{
			ID:          c.ID,
			Collection:  s.collection,
			Source:      c.Source,
			ChunkIndex:  c.Index,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			Embedding:   encodeEmbedding(embeddings[i]),
			Metadata: datatypes.JSONMap{
				"embedding_model": s.embedder.GetModel(),
				"dimension":       len(embeddings[i]),
			},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storageError("写入向量库失败", errors.New("store closed"))
	}

	if err := s.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("写入向量库失败: %w", err)
	}
	return nil
}

// Query 全量扫描计算余弦相似度
func (s *SQLiteVectorStore) Query(ctx context.Context, text string, k int) ([]*SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storageError("查询向量库失败", errors.New("store closed"))
	}
	var records []chunkRecord
	err = s.db.WithContext(ctx).
		Select("id", "source", "chunk_index", "content", "embedding").
		Where("collection = ?", s.collection).
		Order("rowid").
		Find(&records).Error
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("查询向量库失败: %w", err)
	}

	results := make([]*SearchResult, 0, len(records))
	for _, r := range records {
		vec := decodeEmbedding(r.Embedding)
		if len(vec) != len(queryVec) {
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		results = append(results, &SearchResult{
			ChunkID:    r.ID,
			Source:     r.Source,
			Content:    r.Content,
			ChunkIndex: r.ChunkIndex,
			Similarity: sim,
			Score:      sim,
		})
	}

	sortBySimilarity(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count 返回集合中的分块数
func (s *SQLiteVectorStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storageError("统计向量库失败", errors.New("store closed"))
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&chunkRecord{}).Where("collection = ?", s.collection).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计分块数失败: %w", err)
	}
	return n, nil
}

// Reset 删除集合数据、关闭连接并清空持久化目录
func (s *SQLiteVectorStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if err := s.db.WithContext(ctx).Where("collection = ?", s.collection).Delete(&chunkRecord{}).Error; err != nil {
		logger.Warn("删除集合数据失败，直接删除目录", zap.Error(err))
	}
	if err := s.closeLocked(); err != nil {
		logger.Warn("关闭向量库失败", zap.Error(err))
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return storageError("删除持久化目录失败", err)
	}
	logger.Info("向量库已重置", zap.String("dir", s.dir))
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SQLiteVectorStore) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// encodeEmbedding float32 向量编码为字节
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding 字节解码为 float32 向量
func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
