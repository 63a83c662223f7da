package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/pkg/aiinterface"
)

var tracer = otel.Tracer("startuplab/internal/rag")

// Session 一次调用的上下文：会话、向量库句柄（可能为 nil）、来源登记和回答语言
type Session struct {
	ID           string
	Conversation ConversationStore
	Store        VectorStore
	Sources      *SourceRegistry
	Language     string
}

// ServiceOptions 服务依赖
type ServiceOptions struct {
	Gateway       aiinterface.ChatGateway
	Conversations ConversationStore
	Sources       *SourceRegistry
	Store         VectorStore  // 启动时已存在的向量库，可为 nil
	StoreFactory  StoreFactory // 首次入库时创建向量库
	Prompts       *PromptSet
	Chunker       *Chunker
	DocsDir       string
	Ingest        IngestOptions
	Reranker      RerankerOptions
	Generator     GeneratorOptions
}

// Service 对外 API：改写、重排、流式回答、入库、重置和统计
// 入库和重置持有写锁，检索持有读锁
type Service struct {
	mu            sync.RWMutex
	store         VectorStore
	storeFactory  StoreFactory
	sources       *SourceRegistry
	conversations ConversationStore
	prompts       *PromptSet
	docsDir       string

	rewriter  *QueryRewriter
	reranker  *LLMReranker
	generator *AnswerGenerator
	ingestor  *Ingestor
}

// NewService 创建服务
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Gateway == nil {
		return nil, errors.New("rag service 需要模型网关")
	}
	if opts.Sources == nil {
		return nil, errors.New("rag service 需要来源登记")
	}
	if opts.Conversations == nil {
		opts.Conversations = NewInMemoryConversationStore()
	}
	if opts.Prompts == nil {
		opts.Prompts = DefaultPrompts()
	}
	if opts.DocsDir == "" {
		opts.DocsDir = "docs"
	}

	rewriter := NewQueryRewriter(opts.Gateway, opts.Prompts)
	reranker := NewLLMReranker(opts.Gateway, opts.Prompts, opts.Reranker)

	return &Service{
		store:         opts.Store,
		storeFactory:  opts.StoreFactory,
		sources:       opts.Sources,
		conversations: opts.Conversations,
		prompts:       opts.Prompts,
		docsDir:       opts.DocsDir,
		rewriter:      rewriter,
		reranker:      reranker,
		generator:     NewAnswerGenerator(opts.Gateway, rewriter, reranker, opts.Prompts, opts.Generator),
		ingestor:      NewIngestor(opts.Chunker, opts.StoreFactory, opts.Ingest),
	}, nil
}

// RewriteQuery 查询改写
func (s *Service) RewriteQuery(ctx context.Context, query string, history []aiinterface.Message, language string) string {
	return s.rewriter.Rewrite(ctx, query, history, language)
}

// Rerank 重排序
func (s *Service) Rerank(ctx context.Context, query string, docs []*SearchResult, topK int, language string) []*SearchResult {
	return s.reranker.RerankWithLanguage(ctx, query, docs, topK, language)
}

// EnsureSession 会话不存在时以欢迎语创建
func (s *Service) EnsureSession(ctx context.Context, sessionID string) error {
	_, err := s.conversations.Messages(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return s.conversations.Reset(ctx, sessionID, aiinterface.Message{
		Role:    aiinterface.RoleAssistant,
		Content: s.prompts.Greeting,
	})
}

// Messages 会话历史
func (s *Service) Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error) {
	return s.conversations.Messages(ctx, sessionID)
}

// NewChat 把会话重置为简短问候
func (s *Service) NewChat(ctx context.Context, sessionID string) error {
	return s.conversations.Reset(ctx, sessionID, aiinterface.Message{
		Role:    aiinterface.RoleAssistant,
		Content: s.prompts.NewChatGreeting,
	})
}

// Ask 追加用户消息并返回回答片段序列
func (s *Service) Ask(ctx context.Context, sessionID, message, language string) (iter.Seq[string], error) {
	if err := s.EnsureSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("初始化会话失败: %w", err)
	}
	msg := aiinterface.Message{Role: aiinterface.RoleUser, Content: message}
	if err := s.conversations.Append(ctx, sessionID, msg); err != nil {
		return nil, fmt.Errorf("写入用户消息失败: %w", err)
	}
	return s.StreamAnswer(ctx, sessionID, language), nil
}

// StreamAnswer 为会话中最新的用户消息流式生成回答
func (s *Service) StreamAnswer(ctx context.Context, sessionID, language string) iter.Seq[string] {
	return s.generator.StreamAnswer(ctx, s.querySession(sessionID, language), language)
}

// querySession 检索用的会话，向量库句柄带读锁
func (s *Service) querySession(sessionID, language string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := &Session{
		ID:           sessionID,
		Conversation: s.conversations,
		Sources:      s.sources,
		Language:     language,
	}
	if s.store != nil {
		sess.Store = &lockedStore{VectorStore: s.store, mu: &s.mu}
	}
	return sess
}

// Ingest 入库上传的文件
func (s *Service) Ingest(ctx context.Context, files []FileInput) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ingestSession()
	n, err := s.ingestor.Ingest(ctx, sess, files)
	s.store = sess.Store
	return n, err
}

// IngestDefault 入库默认语料目录
func (s *Service) IngestDefault(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ingestSession()
	n, err := s.ingestor.IngestDefault(ctx, sess, s.docsDir)
	s.store = sess.Store
	return n, err
}

func (s *Service) ingestSession() *Session {
	return &Session{
		Conversation: s.conversations,
		Store:        s.store,
		Sources:      s.sources,
	}
}

// ResetStore 不可逆地清空向量库和来源登记
func (s *Service) ResetStore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 未打开的库也可能留有部分提交的批次，通过工厂打开后一并清空
	store := s.store
	if store == nil && s.storeFactory != nil {
		opened, err := s.storeFactory(ctx)
		if err != nil {
			return fmt.Errorf("打开向量库失败: %w", err)
		}
		store = opened
	}
	if store != nil {
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("重置向量库失败: %w", err)
		}
		if err := store.Close(); err != nil {
			logger.WithContext(ctx).Warn("关闭向量库失败", zap.Error(err))
		}
		s.store = nil
	}
	if err := s.sources.Reset(); err != nil {
		return fmt.Errorf("重置来源登记失败: %w", err)
	}
	logger.WithContext(ctx).Info("知识库已重置")
	return nil
}

// Stats 知识库统计
func (s *Service) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.store == nil {
		return Stats{Status: StatusNotInitialized, Sources: []string{}}
	}

	stats := Stats{
		DocCount:  s.sources.Len(),
		Sources:   s.sources.Names(),
		UpdatedAt: s.sources.UpdatedAt(),
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		logger.WithContext(ctx).Warn("统计分块数失败", zap.Error(err))
		stats.Status = StatusError
		return stats
	}
	stats.ChunkCount = count
	stats.Status = StatusActive
	return stats
}

// Close 关闭向量库
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// lockedStore 检索时持有服务读锁，避免与入库、重置并发
type lockedStore struct {
	VectorStore
	mu *sync.RWMutex
}

func (l *lockedStore) Query(ctx context.Context, text string, k int) ([]*SearchResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.VectorStore.Query(ctx, text, k)
}
