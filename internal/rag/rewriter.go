package rag

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
	"startuplab/pkg/aiinterface"
)

const (
	// rewriteHistoryWindow 参与改写的历史消息条数
	rewriteHistoryWindow = 2
	// rewriteHistoryChars 每条历史消息保留的字符数
	rewriteHistoryChars = 100
)

// QueryRewriter 查询改写阶段
// 把用户问题改写成更适合向量检索的关键词，任何失败都返回原问题
type QueryRewriter struct {
	gateway aiinterface.ChatGateway
	prompts *PromptSet
}

// NewQueryRewriter 创建查询改写器
func NewQueryRewriter(gateway aiinterface.ChatGateway, prompts *PromptSet) *QueryRewriter {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &QueryRewriter{gateway: gateway, prompts: prompts}
}

// Rewrite 改写查询
func (r *QueryRewriter) Rewrite(ctx context.Context, query string, history []aiinterface.Message, language string) string {
	ctx, span := tracer.Start(ctx, "rag.rewrite")
	defer span.End()

	messages := []aiinterface.Message{
		{Role: aiinterface.RoleSystem, Content: r.prompts.Rewrite},
		{Role: aiinterface.RoleUser, Content: rewriteUserMessage(query, history)},
	}

	out, err := r.gateway.Invoke(ctx, messages, 0, language)
	if err != nil {
		logger.WithContext(ctx).Warn("查询改写失败，使用原始查询", zap.Error(err))
		metrics.StageFallbacksTotal.WithLabelValues("rewrite", "gateway_error").Inc()
		span.SetAttributes(attribute.Bool("fallback", true))
		return query
	}

	rewritten := strings.TrimSpace(out)
	if rewritten == "" {
		metrics.StageFallbacksTotal.WithLabelValues("rewrite", "empty").Inc()
		span.SetAttributes(attribute.Bool("fallback", true))
		return query
	}

	logger.WithContext(ctx).Debug("查询已改写",
		zap.String("original", query),
		zap.String("rewritten", rewritten),
	)
	return rewritten
}

// rewriteUserMessage 拼接最近的用户历史和当前查询
func rewriteUserMessage(query string, history []aiinterface.Message) string {
	start := max(0, len(history)-rewriteHistoryWindow)
	var sb strings.Builder
	for _, m := range history[start:] {
		if m.Role != aiinterface.RoleUser {
			continue
		}
		sb.WriteString("\nUsuario: ")
		sb.WriteString(truncateRunes(m.Content, rewriteHistoryChars))
	}

	if sb.Len() == 0 {
		return "Consulta: " + query
	}
	return "Contexto:" + sb.String() + "\n\nConsulta: " + query
}
