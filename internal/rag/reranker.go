package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
	"startuplab/pkg/aiinterface"
)

const (
	// DefaultRerankTopK 默认保留的文档数
	DefaultRerankTopK = 5
	// DefaultRerankMaxCandidates 默认送入评分的候选数，超出部分不参与排序
	DefaultRerankMaxCandidates = 10
	// rerankDocChars 每个候选文档送入评分的字符数
	rerankDocChars = 800
)

var errNoScores = errors.New("no numeric score")

// Reranker 定义重排序接口
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []*SearchResult, topK int) ([]*SearchResult, error)
}

// RerankerOptions 重排序配置
type RerankerOptions struct {
	MaxCandidates int
}

// LLMReranker 让语言模型为候选文档打 0-10 分后重新排序
// 评分失败时退回原顺序的前 K 个，从不返回错误
type LLMReranker struct {
	gateway aiinterface.ChatGateway
	prompts *PromptSet
	opts    RerankerOptions
}

var _ Reranker = (*LLMReranker)(nil)

// NewLLMReranker 创建重排序器
func NewLLMReranker(gateway aiinterface.ChatGateway, prompts *PromptSet, opts RerankerOptions) *LLMReranker {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultRerankMaxCandidates
	}
	return &LLMReranker{gateway: gateway, prompts: prompts, opts: opts}
}

// Rerank 使用默认语言重排序
func (r *LLMReranker) Rerank(ctx context.Context, query string, documents []*SearchResult, topK int) ([]*SearchResult, error) {
	return r.RerankWithLanguage(ctx, query, documents, topK, ""), nil
}

// RerankWithLanguage 对候选文档重排序并返回前 topK 个
func (r *LLMReranker) RerankWithLanguage(ctx context.Context, query string, documents []*SearchResult, topK int, language string) []*SearchResult {
	if topK <= 0 {
		topK = DefaultRerankTopK
	}
	if len(documents) <= topK {
		return documents
	}

	ctx, span := tracer.Start(ctx, "rag.rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(documents)), attribute.Int("top_k", topK))

	candidates := documents[:min(len(documents), r.opts.MaxCandidates)]
	messages := []aiinterface.Message{
		{Role: aiinterface.RoleSystem, Content: r.prompts.Rerank},
		{Role: aiinterface.RoleUser, Content: rerankUserMessage(query, candidates)},
	}

	out, err := r.gateway.Invoke(ctx, messages, 0, language)
	if err != nil {
		logger.WithContext(ctx).Warn("重排序调用失败，保持原顺序", zap.Error(err))
		metrics.StageFallbacksTotal.WithLabelValues("rerank", "gateway_error").Inc()
		return fallbackTopK(documents, topK)
	}
	if strings.TrimSpace(out) == "" {
		metrics.StageFallbacksTotal.WithLabelValues("rerank", "empty").Inc()
		return fallbackTopK(documents, topK)
	}

	scores, err := parseScores(out)
	if err != nil {
		logger.WithContext(ctx).Debug("评分结果无法解析，保持原顺序", zap.Error(err))
		metrics.ParseErrorsTotal.WithLabelValues("scores").Inc()
		metrics.StageFallbacksTotal.WithLabelValues("rerank", "parse_error").Inc()
		return fallbackTopK(documents, topK)
	}

	return rankByScores(candidates, scores, topK)
}

// rerankUserMessage 序列化查询和候选文档
func rerankUserMessage(query string, candidates []*SearchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\nDocs:", query)
	for i, doc := range candidates {
		fmt.Fprintf(&sb, "\nDOC%d: %s", i+1, truncateRunes(doc.Content, rerankDocChars))
	}
	sb.WriteString("\nScores:")
	return sb.String()
}

// parseScores 按逗号切分，每段取第一个词解析为数字，无法解析的记 0
// 一个数字都没有时返回 ParseError
func parseScores(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	scores := make([]float64, len(parts))
	numeric := 0
	for i, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		scores[i] = v
		numeric++
	}
	if numeric == 0 {
		return nil, &ParseError{Kind: "scores", Input: raw, Err: errNoScores}
	}
	return scores, nil
}

// rankByScores 按位置配对评分，降序排序后取前 topK
// 评分数少于候选数时，多出的候选不参与排序
func rankByScores(candidates []*SearchResult, scores []float64, topK int) []*SearchResult {
	type scoredDoc struct {
		doc   *SearchResult
		score float64
	}

	n := min(len(candidates), len(scores))
	scored := make([]scoredDoc, n)
	for i := 0; i < n; i++ {
		scored[i] = scoredDoc{doc: candidates[i], score: scores[i]}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	result := make([]*SearchResult, 0, min(topK, n))
	for i := 0; i < n && i < topK; i++ {
		doc := *scored[i].doc
		doc.Score = scored[i].score
		result = append(result, &doc)
	}
	return result
}

// fallbackTopK 原顺序的前 topK 个
func fallbackTopK(documents []*SearchResult, topK int) []*SearchResult {
	return documents[:min(topK, len(documents))]
}
