package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
)

const (
	defaultEmbeddingCachePrefix = "emb:"
	defaultEmbeddingCacheTTL    = 7 * 24 * time.Hour
	defaultEmbeddingLocalSize   = 10000
)

// EmbeddingCache 两级向量缓存：进程内 + 可选 Redis
// Redis 中的值与向量库使用相同的 little-endian float32 编码
type EmbeddingCache struct {
	redis   *redis.Client
	prefix  string
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	local map[string][]float32
	order []string // 插入顺序，满时淘汰最早的一半
}

// NewEmbeddingCache 创建向量缓存，redisClient 可为 nil
func NewEmbeddingCache(redisClient *redis.Client, prefix string, ttl time.Duration) *EmbeddingCache {
	if prefix == "" {
		prefix = defaultEmbeddingCachePrefix
	}
	if ttl <= 0 {
		ttl = defaultEmbeddingCacheTTL
	}
	return &EmbeddingCache{
		redis:   redisClient,
		prefix:  prefix,
		ttl:     ttl,
		maxSize: defaultEmbeddingLocalSize,
		local:   make(map[string][]float32),
	}
}

// Get 查找缓存
func (c *EmbeddingCache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	key := c.key(text, model)

	c.mu.Lock()
	vec, ok := c.local[key]
	c.mu.Unlock()
	if ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("local_hit").Inc()
		return vec, true
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil && len(data) > 0:
			vec = decodeEmbedding(data)
			c.setLocal(key, vec)
			metrics.EmbeddingCacheTotal.WithLabelValues("redis_hit").Inc()
			return vec, true
		case err != nil && !errors.Is(err, redis.Nil):
			logger.Debug("读取向量缓存失败", zap.Error(err))
		}
	}

	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()
	return nil, false
}

// Set 写入缓存，Redis 写入失败只记录日志
func (c *EmbeddingCache) Set(ctx context.Context, text, model string, vec []float32) {
	key := c.key(text, model)
	c.setLocal(key, vec)

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, encodeEmbedding(vec), c.ttl).Err(); err != nil {
			logger.Debug("写入向量缓存失败", zap.Error(err))
		}
	}
}

// Len 进程内缓存条数
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.local)
}

func (c *EmbeddingCache) key(text, model string) string {
	hash := sha256.Sum256([]byte(text))
	return c.prefix + model + ":" + hex.EncodeToString(hash[:16])
}

func (c *EmbeddingCache) setLocal(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.local[key]; ok {
		c.local[key] = vec
		return
	}
	if len(c.local) >= c.maxSize {
		drop := len(c.order) / 2
		for _, k := range c.order[:drop] {
			delete(c.local, k)
		}
		c.order = append([]string(nil), c.order[drop:]...)
	}
	c.local[key] = vec
	c.order = append(c.order, key)
}

// CachedEmbeddingProvider 带缓存的 EmbeddingProvider 包装器
// 改写后的查询经常重复，检索时可以省掉一次向量化调用
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	cache    *EmbeddingCache
}

var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)

// NewCachedEmbeddingProvider 创建带缓存的 Embedding 提供者
func NewCachedEmbeddingProvider(provider EmbeddingProvider, cache *EmbeddingCache) *CachedEmbeddingProvider {
	return &CachedEmbeddingProvider{
		provider: provider,
		cache:    cache,
	}
}

func (p *CachedEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.provider.GetModel()
	if vec, ok := p.cache.Get(ctx, text, model); ok {
		return vec, nil
	}

	vec, err := p.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, text, model, vec)
	return vec, nil
}

// EmbedBatch 只对未命中的文本调用底层提供者，结果按输入顺序返回
func (p *CachedEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := p.provider.GetModel()
	result := make([][]float32, len(texts))

	var (
		missing    []string
		missingIdx []int
	)
	for i, text := range texts {
		if vec, ok := p.cache.Get(ctx, text, model); ok {
			result[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	vectors, err := p.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, errors.New("向量数量与输入不一致")
	}
	for j, vec := range vectors {
		result[missingIdx[j]] = vec
		p.cache.Set(ctx, missing[j], model, vec)
	}
	return result, nil
}

func (p *CachedEmbeddingProvider) GetModel() string {
	return p.provider.GetModel()
}

func (p *CachedEmbeddingProvider) GetProviderName() string {
	return p.provider.GetProviderName()
}
