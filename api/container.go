package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"startuplab/internal/ai"
	"startuplab/internal/cache"
	"startuplab/internal/config"
	"startuplab/internal/infra"
	"startuplab/internal/logger"
	"startuplab/internal/rag"
	"startuplab/pkg/aiinterface"
)

// AppContainer 应用依赖容器
// HTTP 服务和 ragctl 共用同一套装配逻辑
type AppContainer struct {
	Config    *config.Config
	Service   *rag.Service
	Redis     *redis.Client // 未启用 Redis 时为 nil
	DB        *gorm.DB      // 仅 pgvector 后端使用
	DiskCache *cache.DiskCache
}

// NewContainer 按配置装配模型网关、向量库、会话存储和 RAG 服务
func NewContainer(ctx context.Context, cfg *config.Config) (*AppContainer, error) {
	c := &AppContainer{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	// Redis 同时承载会话和向量缓存
	if cfg.Conversation.Store == "redis" {
		rdb, err := infra.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.Redis = rdb
	}

	gateway, err := c.buildGateway()
	if err != nil {
		return nil, err
	}
	embedder := c.buildEmbedder()

	sources, err := rag.LoadSourceRegistry(cfg.RAG.PersistDir)
	if err != nil {
		return nil, fmt.Errorf("加载来源登记失败: %w", err)
	}

	factory, err := c.storeFactory(embedder)
	if err != nil {
		return nil, err
	}
	store, err := c.openExistingStore(ctx, factory, sources)
	if err != nil {
		return nil, err
	}

	prompts, err := rag.LoadPrompts(cfg.RAG.PromptsFile)
	if err != nil {
		return nil, err
	}

	var conversations rag.ConversationStore = rag.NewInMemoryConversationStore()
	if c.Redis != nil {
		ttl := config.ParseDuration(cfg.Conversation.TTL, 24*time.Hour)
		conversations = rag.NewRedisConversationStore(c.Redis, ttl)
	}

	chunker := rag.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap).
		WithTokenCounter(rag.NewTokenCounter(cfg.LLM.Model))

	svc, err := rag.NewService(rag.ServiceOptions{
		Gateway:       gateway,
		Conversations: conversations,
		Sources:       sources,
		Store:         store,
		StoreFactory:  factory,
		Prompts:       prompts,
		Chunker:       chunker,
		DocsDir:       cfg.RAG.DocsDir,
		Ingest: rag.IngestOptions{
			BatchSize: cfg.RAG.BatchSize,
			DocsLimit: cfg.RAG.DocsLimit,
		},
		Reranker: rag.RerankerOptions{MaxCandidates: cfg.RAG.RerankMaxCandidates},
		Generator: rag.GeneratorOptions{
			RetrievalK: cfg.RAG.RetrievalK,
			RerankTopK: cfg.RAG.RerankTopK,
		},
	})
	if err != nil {
		return nil, err
	}
	c.Service = svc
	ok = true
	return c, nil
}

// buildGateway 模型网关，启用硬盘缓存时包一层 CachingGateway
func (c *AppContainer) buildGateway() (aiinterface.ChatGateway, error) {
	llm := c.Config.LLM
	gateway := ai.NewGateway(aiinterface.ClientConfig{
		Endpoint:  llm.Endpoint,
		APIKey:    llm.APIKey,
		Model:     llm.Model,
		Seed:      llm.Seed,
		Timeout:   llm.TimeoutSeconds,
		UserAgent: llm.UserAgent,
	})
	if llm.APIKey == "" {
		logger.Warn("未配置模型网关 API Key，请设置 APP_LLM_API_KEY")
	}

	disk := c.Config.Cache.Disk
	if !disk.Enabled {
		return gateway, nil
	}
	dc, err := cache.NewDiskCache(disk.DBPath, config.ParseDuration(disk.TTL, 720*time.Hour), disk.MaxSizeGB)
	if err != nil {
		return nil, fmt.Errorf("初始化响应缓存失败: %w", err)
	}
	c.DiskCache = dc
	logger.Info("模型响应硬盘缓存已启用", zap.String("path", disk.DBPath))
	return ai.NewCachingGateway(gateway, dc, gateway.Model()), nil
}

// buildEmbedder 向量化提供者，带进程内缓存，启用 Redis 时再加一级
func (c *AppContainer) buildEmbedder() rag.EmbeddingProvider {
	emb := c.Config.Embedding
	provider := rag.NewOpenAIEmbeddingProvider(emb.APIKey, emb.BaseURL, emb.Model)
	return rag.NewCachedEmbeddingProvider(provider, rag.NewEmbeddingCache(c.Redis, "", 0))
}

// storeFactory 按 rag.vector_store.type 返回向量库工厂
func (c *AppContainer) storeFactory(embedder rag.EmbeddingProvider) (rag.StoreFactory, error) {
	ragCfg := c.Config.RAG
	gormLog := infra.NewGormLogger(c.Config.Server.Mode)

	switch strings.ToLower(ragCfg.VectorStore.Type) {
	case "pgvector":
		pg := ragCfg.VectorStore.Postgres
		db, err := infra.OpenPostgres(&pg, gormLog)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rag.ErrStorageUnavailable, err)
		}
		c.DB = db
		return func(ctx context.Context) (rag.VectorStore, error) {
			return rag.NewPGVectorStore(ctx, db, ragCfg.Collection, embedder, pg.Dimension)
		}, nil
	default:
		return func(ctx context.Context) (rag.VectorStore, error) {
			return rag.OpenStore(ctx, rag.StoreOptions{
				PersistDir: ragCfg.PersistDir,
				Collection: ragCfg.Collection,
				Embedder:   embedder,
				GormLogger: gormLog,
			})
		}, nil
	}
}

// openExistingStore 已有持久化数据时在启动阶段打开向量库，否则等待首次入库
func (c *AppContainer) openExistingStore(ctx context.Context, factory rag.StoreFactory, sources *rag.SourceRegistry) (rag.VectorStore, error) {
	exists := sources.Len() > 0
	if c.DB == nil {
		exists = rag.StoreExists(c.Config.RAG.PersistDir)
	}
	if !exists {
		return nil, nil
	}
	store, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("打开向量库失败: %w", err)
	}
	logger.Info("已加载持久化向量库",
		zap.String("type", c.Config.RAG.VectorStore.Type),
		zap.Int("sources", sources.Len()),
	)
	return store, nil
}

// Close 释放全部资源
func (c *AppContainer) Close() error {
	var errs []error
	if c.Service != nil {
		errs = append(errs, c.Service.Close())
	}
	if c.DiskCache != nil {
		errs = append(errs, c.DiskCache.Close())
	}
	if c.DB != nil {
		errs = append(errs, infra.CloseDatabase(c.DB))
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}
