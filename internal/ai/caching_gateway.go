package ai

import (
	"context"
	"encoding/json"
	"io"
	"strconv"

	"go.uber.org/zap"

	"startuplab/internal/cache"
	"startuplab/internal/logger"
	"startuplab/internal/metrics"
)

// ResponseCache 响应缓存接口，由 cache.DiskCache 实现
type ResponseCache interface {
	Get(ctx context.Context, key string) (*cache.CacheEntry, error)
	Set(ctx context.Context, entry *cache.CacheEntry) error
}

// CachingGateway 带磁盘缓存的网关包装器
// 只缓存 temperature 为 0 的阻塞调用，流式调用直接透传
type CachingGateway struct {
	inner ChatGateway
	cache ResponseCache
	model string
}

var _ ChatGateway = (*CachingGateway)(nil)

// NewCachingGateway 创建带缓存的网关，cache 为 nil 时等同于 inner
func NewCachingGateway(inner ChatGateway, c ResponseCache, model string) *CachingGateway {
	return &CachingGateway{inner: inner, cache: c, model: model}
}

// Invoke 阻塞调用（确定性调用优先读缓存）
func (g *CachingGateway) Invoke(ctx context.Context, messages []Message, temperature float64, language string) (string, error) {
	if g.cache == nil || temperature != 0 {
		return g.inner.Invoke(ctx, messages, temperature, language)
	}

	key := g.cacheKey(messages, language)
	if entry, err := g.cache.Get(ctx, key); err != nil {
		logger.WithContext(ctx).Debug("读取响应缓存失败", zap.Error(err))
	} else if entry != nil {
		metrics.GatewayCacheTotal.WithLabelValues("hit").Inc()
		return entry.Response, nil
	}
	metrics.GatewayCacheTotal.WithLabelValues("miss").Inc()

	content, err := g.inner.Invoke(ctx, messages, temperature, language)
	if err != nil {
		return "", err
	}

	// 空响应不缓存，调用方会走降级分支
	if content != "" {
		meta, _ := json.Marshal(map[string]string{"language": language})
		entry := &cache.CacheEntry{
			CacheKey: key,
			Model:    g.model,
			Response: content,
			Metadata: meta,
		}
		if err := g.cache.Set(ctx, entry); err != nil {
			logger.WithContext(ctx).Debug("写入响应缓存失败", zap.Error(err))
		}
	}
	return content, nil
}

// InvokeStream 流式调用不缓存
func (g *CachingGateway) InvokeStream(ctx context.Context, messages []Message, temperature float64, language string) (io.ReadCloser, error) {
	return g.inner.InvokeStream(ctx, messages, temperature, language)
}

// cacheKey 由模型、语言和完整消息序列生成
func (g *CachingGateway) cacheKey(messages []Message, language string) string {
	parts := make([]string, 0, len(messages)*2+1)
	parts = append(parts, language)
	for _, m := range messages {
		parts = append(parts, string(m.Role), m.Content)
	}
	return cache.GenerateCacheKey(g.model+"@"+strconv.Itoa(len(messages)), parts...)
}
