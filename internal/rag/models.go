package rag

import (
	"io"
	"time"
)

// Chunk 文档分块，由 Chunker 产生后不再修改
type Chunk struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Source      string `json:"source"`       // 来源文件名
	Index       int    `json:"index"`        // 在来源文档中的序号(从0开始)
	StartOffset int    `json:"start_offset"` // 起始偏移量(字符)
	EndOffset   int    `json:"end_offset"`   // 结束偏移量(字符)
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"` // SHA-256
}

// SearchResult 描述一次相似度检索的返回结果。
// Score 在检索阶段为余弦相似度，重排后为模型给出的 0-10 相关度。
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// FileInput 待入库文件
type FileInput struct {
	Name   string
	Reader io.Reader
}

// StoreStatus 向量库状态
type StoreStatus string

const (
	StatusActive         StoreStatus = "active"
	StatusError          StoreStatus = "error"
	StatusNotInitialized StoreStatus = "not_initialized"
)

// Stats 知识库统计
type Stats struct {
	DocCount   int         `json:"doc_count"`
	ChunkCount int64       `json:"chunk_count"`
	Status     StoreStatus `json:"status"`
	Sources    []string    `json:"sources"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
}
