package rag

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
	"startuplab/pkg/aiinterface"
)

const (
	// DefaultRetrievalK 每次检索的候选数
	DefaultRetrievalK = 15
	// DefaultAnswerTemperature 生成回答的温度
	DefaultAnswerTemperature = 0.3
	// contextDocChars 每个文档块放入上下文的字符数
	contextDocChars = 1200

	// 重复检测：长度超过 guardMinWordLen 的词出现次数超过 guardMaxRepeats 时停止
	guardMinWordLen = 4
	guardMaxRepeats = 8
)

// RepetitionGuard 统计回答中较长单词的出现次数，检测模型陷入重复
type RepetitionGuard struct {
	MinWordLen int
	MaxRepeats int
	counts     map[string]int
	tripped    bool
}

// NewRepetitionGuard 创建重复检测器
func NewRepetitionGuard() *RepetitionGuard {
	return &RepetitionGuard{
		MinWordLen: guardMinWordLen,
		MaxRepeats: guardMaxRepeats,
		counts:     make(map[string]int),
	}
}

// Observe 统计增量文本中的词，返回 true 表示应停止生成
// 一旦触发，之后的调用都返回 true
func (g *RepetitionGuard) Observe(delta string) bool {
	if g.tripped {
		return true
	}
	for _, w := range strings.Fields(strings.ToLower(delta)) {
		if utf8.RuneCountInString(w) <= g.MinWordLen {
			continue
		}
		g.counts[w]++
		if g.counts[w] > g.MaxRepeats {
			g.tripped = true
		}
	}
	return g.tripped
}

// Tripped 是否已触发
func (g *RepetitionGuard) Tripped() bool {
	return g.tripped
}

// GeneratorOptions 生成参数
type GeneratorOptions struct {
	RetrievalK  int
	RerankTopK  int
	Temperature float64
}

func (o GeneratorOptions) withDefaults() GeneratorOptions {
	if o.RetrievalK <= 0 {
		o.RetrievalK = DefaultRetrievalK
	}
	if o.RerankTopK <= 0 {
		o.RerankTopK = DefaultRerankTopK
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultAnswerTemperature
	}
	return o
}

// AnswerGenerator 检索、重排并流式生成回答
type AnswerGenerator struct {
	gateway  aiinterface.ChatGateway
	rewriter *QueryRewriter
	reranker *LLMReranker
	prompts  *PromptSet
	opts     GeneratorOptions
}

// NewAnswerGenerator 创建回答生成器
func NewAnswerGenerator(gateway aiinterface.ChatGateway, rewriter *QueryRewriter, reranker *LLMReranker, prompts *PromptSet, opts GeneratorOptions) *AnswerGenerator {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if rewriter == nil {
		rewriter = NewQueryRewriter(gateway, prompts)
	}
	if reranker == nil {
		reranker = NewLLMReranker(gateway, prompts, RerankerOptions{})
	}
	return &AnswerGenerator{
		gateway:  gateway,
		rewriter: rewriter,
		reranker: reranker,
		prompts:  prompts,
		opts:     opts.withDefaults(),
	}
}

// StreamAnswer 为会话中最新的用户消息生成回答
// 返回的序列只能遍历一次；遍历结束（正常结束、重复检测触发或调用方提前停止）后完整回答作为 assistant 消息写回会话
// language 为空时使用 session.Language
func (g *AnswerGenerator) StreamAnswer(ctx context.Context, session *Session, language string) iter.Seq[string] {
	if language == "" {
		language = session.Language
	}
	var used atomic.Bool
	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		g.stream(ctx, session, language, yield)
	}
}

func (g *AnswerGenerator) stream(ctx context.Context, session *Session, language string, yield func(string) bool) {
	ctx = logger.WithSessionID(ctx, session.ID)
	ctx, span := tracer.Start(ctx, "rag.stream_answer")
	defer span.End()
	log := logger.WithContext(ctx)

	msgs, err := session.Conversation.Messages(ctx, session.ID)
	if err != nil {
		log.Warn("读取会话失败", zap.Error(err))
		g.fail(ctx, session, yield, "conversation_error")
		return
	}
	query, history, ok := splitConversation(msgs)
	if !ok {
		log.Warn("会话中没有用户消息")
		g.fail(ctx, session, yield, "no_query")
		return
	}

	docContext := g.retrieveContext(ctx, session.Store, query, history, language)
	span.SetAttributes(attribute.Bool("grounded", docContext != ""))

	messages := []aiinterface.Message{
		{Role: aiinterface.RoleSystem, Content: g.prompts.SystemPrompt(docContext)},
		{Role: aiinterface.RoleUser, Content: query},
	}
	body, err := g.gateway.InvokeStream(ctx, messages, g.opts.Temperature, language)
	if err != nil {
		span.RecordError(err)
		g.fail(ctx, session, yield, "gateway_error")
		return
	}
	defer body.Close()

	var (
		full  strings.Builder
		guard = NewRepetitionGuard()
		done  bool
	)
	scanner := newSSEScanner(body)
	for !done && scanner.Scan() {
		ev, perr := decodeSSELine(scanner.Text())
		if perr != nil {
			log.Debug("跳过无法解析的流式事件", zap.Error(perr))
			metrics.ParseErrorsTotal.WithLabelValues("sse").Inc()
			continue
		}
		switch {
		case ev.Done:
			done = true
		case ev.Skip, ev.Delta == "":
		case guard.Observe(ev.Delta):
			full.WriteString(g.prompts.CompletedMarker)
			metrics.RepetitionGuardTotal.Inc()
			log.Info("检测到重复输出，提前结束生成")
			done = true
		default:
			full.WriteString(ev.Delta)
			if !yield(ev.Delta) {
				done = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("读取流式响应中断", zap.Error(err))
	}

	outcome := "completed"
	if guard.Tripped() {
		outcome = "repetition_stop"
	}
	metrics.AnswersTotal.WithLabelValues(outcome).Inc()
	g.record(ctx, session, full.String())
}

// fail 输出固定错误文案并写入会话
func (g *AnswerGenerator) fail(ctx context.Context, session *Session, yield func(string) bool, reason string) {
	metrics.AnswersTotal.WithLabelValues(reason).Inc()
	yield(g.prompts.ErrorMessage)
	g.record(ctx, session, g.prompts.ErrorMessage)
}

// record 写回 assistant 消息，调用方断开后仍然写入
func (g *AnswerGenerator) record(ctx context.Context, session *Session, content string) {
	ctx = context.WithoutCancel(ctx)
	msg := aiinterface.Message{Role: aiinterface.RoleAssistant, Content: content}
	if err := session.Conversation.Append(ctx, session.ID, msg); err != nil {
		logger.WithContext(ctx).Error("写入回答失败", zap.Error(err))
	}
}

// retrieveContext 改写、检索、重排并拼接上下文，任一步失败都返回空上下文
func (g *AnswerGenerator) retrieveContext(ctx context.Context, store VectorStore, query string, history []aiinterface.Message, language string) string {
	if store == nil {
		return ""
	}

	rewritten := g.rewriter.Rewrite(ctx, query, history, language)

	start := time.Now()
	docs, err := store.Query(ctx, rewritten, g.opts.RetrievalK)
	metrics.RAGSearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RAGSearchesTotal.WithLabelValues("error").Inc()
		logger.WithContext(ctx).Warn("向量检索失败，不使用文档上下文", zap.Error(err))
		return ""
	}
	metrics.RAGSearchesTotal.WithLabelValues("success").Inc()
	if len(docs) == 0 {
		return ""
	}

	docs = g.reranker.RerankWithLanguage(ctx, query, docs, g.opts.RerankTopK, language)
	return formatContext(docs)
}

// formatContext 拼接为带编号的上下文块
func formatContext(docs []*SearchResult) string {
	parts := make([]string, len(docs))
	for i, doc := range docs {
		parts[i] = fmt.Sprintf("[DOC%d]\n%s", i+1, truncateRunes(doc.Content, contextDocChars))
	}
	return strings.Join(parts, "\n\n")
}

// splitConversation 取最新的用户消息作为查询，之前的消息（去掉欢迎语）作为历史
func splitConversation(msgs []aiinterface.Message) (string, []aiinterface.Message, bool) {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == aiinterface.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, false
	}

	history := make([]aiinterface.Message, 0, idx)
	for _, m := range msgs[:idx] {
		if strings.Contains(m.Content, WelcomeMarker) {
			continue
		}
		history = append(history, m)
	}
	return msgs[idx].Content, history, true
}
