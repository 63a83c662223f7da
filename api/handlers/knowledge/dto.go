package knowledge

import (
	"context"

	"startuplab/internal/rag"
	"startuplab/pkg/aiinterface"
)

// KnowledgeService 知识库接口依赖的服务，由 rag.Service 实现
type KnowledgeService interface {
	Ingest(ctx context.Context, files []rag.FileInput) (int, error)
	IngestDefault(ctx context.Context) (int, error)
	ResetStore(ctx context.Context) error
	Stats(ctx context.Context) rag.Stats
	RewriteQuery(ctx context.Context, query string, history []aiinterface.Message, language string) string
}

// IngestResponse 入库结果
type IngestResponse struct {
	Ingested int `json:"ingested"`
}

// RewriteRequest 查询改写请求
type RewriteRequest struct {
	Query    string                `json:"query" binding:"required"`
	History  []aiinterface.Message `json:"history"`
	Language string                `json:"language"`
}

// RewriteResponse 查询改写结果
type RewriteResponse struct {
	Query string `json:"query"`
}
