package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*DiskCache, string) {
	dbPath := filepath.Join(t.TempDir(), "cache", "test_cache.db")

	c, err := NewDiskCache(dbPath, 5*time.Minute, 1)
	require.NoError(t, err)
	require.NotNil(t, c)
	t.Cleanup(func() { _ = c.Close() })

	return c, dbPath
}

func TestNewDiskCache(t *testing.T) {
	c, dbPath := setupTestCache(t)

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "数据库文件应该存在")

	assert.Equal(t, dbPath, c.dbPath)
	assert.Equal(t, 5*time.Minute, c.ttl)
	assert.Equal(t, int64(1024*1024*1024), c.maxSize)
}

func TestGenerateCacheKey(t *testing.T) {
	key := GenerateCacheKey("model-a", "system", "user")
	assert.Len(t, key, 64)
	assert.Equal(t, key, GenerateCacheKey("model-a", "system", "user"))

	// 分隔符防止拼接歧义
	assert.NotEqual(t, key, GenerateCacheKey("model-a", "systemuser"))
	assert.NotEqual(t, key, GenerateCacheKey("model-b", "system", "user"))
}

func TestSetAndGet(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	entry := &CacheEntry{
		CacheKey: GenerateCacheKey("m", "prompt"),
		Model:    "m",
		Response: "respuesta",
		Metadata: json.RawMessage(`{"language":"es"}`),
	}
	require.NoError(t, c.Set(ctx, entry))

	got, err := c.Get(ctx, entry.CacheKey)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, entry.CacheKey, got.CacheKey)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, "respuesta", got.Response)
	assert.JSONEq(t, `{"language":"es"}`, string(got.Metadata))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.After(time.Now()))
}

func TestGetNonExistent(t *testing.T) {
	c, _ := setupTestCache(t)

	got, err := c.Get(context.Background(), "non-existent-key")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheExpiration(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	entry := &CacheEntry{
		CacheKey:  "expired",
		Model:     "m",
		Response:  "old",
		ExpiresAt: &past,
	}
	require.NoError(t, c.Set(ctx, entry))

	got, err := c.Get(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, got, "过期条目不应命中")

	assert.Equal(t, int64(1), c.cleanup(ctx))
}

func TestCompressionRoundTrip(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	large := strings.Repeat("sociedad limitada ", 200)
	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "big", Model: "m", Response: large}))

	got, err := c.Get(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, large, got.Response)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompressedEntries)
}

func TestUpsertOverwrites(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "k", Model: "m", Response: "v1"}))
	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "k", Model: "m", Response: "v2"}))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Response)
}

func TestDeleteAndClear(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "a", Model: "m", Response: "1"}))
	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "b", Model: "m", Response: "2"}))

	require.NoError(t, c.Delete(ctx, "a"))
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Clear(ctx))
	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
}

func TestStatsHitRate(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &CacheEntry{CacheKey: "k", Model: "m", Response: "v"}))
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "missing")

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 50.0, stats.HitRatePercent, 0.001)
	assert.Equal(t, int64(1), stats.TotalHits)
}
