// Package cache 提供模型响应的磁盘缓存
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"startuplab/internal/logger"
)

// 压缩相关常量
const (
	// CompressionThreshold 压缩阈值：超过此大小的响应才进行压缩（1KB）
	CompressionThreshold = 1024
	// CompressionLevel gzip 压缩级别
	CompressionLevel = gzip.DefaultCompression
)

// DiskCache 硬盘缓存管理器
// 以 SQLite 单文件保存确定性模型调用的响应
type DiskCache struct {
	db      *sql.DB
	dbPath  string
	ttl     time.Duration
	maxSize int64 // 最大缓存大小（字节）

	cancel    context.CancelFunc
	closeOnce sync.Once

	// 统计指标
	totalRequests atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
}

// CacheEntry 缓存条目
type CacheEntry struct {
	CacheKey       string          `json:"cache_key"`
	Model          string          `json:"model"`
	Response       string          `json:"response"`
	HitCount       int             `json:"hit_count"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Stats 缓存统计
type Stats struct {
	TotalEntries      int     `json:"total_entries"`
	TotalHits         int64   `json:"total_hits"`
	TotalSizeBytes    int64   `json:"total_size_bytes"`
	CompressedEntries int     `json:"compressed_entries"`
	TotalRequests     int64   `json:"total_requests"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	HitRatePercent    float64 `json:"hit_rate_percent"`
}

// NewDiskCache 创建硬盘缓存实例
func NewDiskCache(dbPath string, ttl time.Duration, maxSizeGB int) (*DiskCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建缓存目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=10000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置数据库参数失败 [%s]: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &DiskCache{
		db:      db,
		dbPath:  dbPath,
		ttl:     ttl,
		maxSize: int64(maxSizeGB) * 1024 * 1024 * 1024,
		cancel:  cancel,
	}

	// 启动后台清理任务
	go c.cleanupLoop(ctx)

	return c, nil
}

// initSchema 初始化数据库表结构
// 时间列统一存 Unix 秒，避免依赖驱动的时间格式
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS llm_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_key TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL,
		response BLOB NOT NULL,
		hit_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		expires_at INTEGER,
		compressed BOOLEAN DEFAULT 0,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_expires_at ON llm_cache(expires_at);
	CREATE INDEX IF NOT EXISTS idx_last_accessed ON llm_cache(last_accessed_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("初始化数据库表结构失败: %w", err)
	}
	return nil
}

// GenerateCacheKey 生成缓存键
// parts 按顺序参与哈希，调用方负责传入能唯一确定响应的全部输入
func GenerateCacheKey(model string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get 读取缓存，未命中返回 nil, nil
func (c *DiskCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	c.totalRequests.Add(1)

	query := `
		SELECT cache_key, model, response, hit_count, created_at, last_accessed_at,
		       expires_at, compressed, metadata
		FROM llm_cache
		WHERE cache_key = ? AND (expires_at IS NULL OR expires_at > ?)
	`

	var (
		entry        CacheEntry
		responseData []byte
		createdAt    int64
		accessedAt   int64
		expiresAt    sql.NullInt64
		compressed   bool
		metadata     sql.NullString
	)

	err := c.db.QueryRowContext(ctx, query, key, time.Now().Unix()).Scan(
		&entry.CacheKey,
		&entry.Model,
		&responseData,
		&entry.HitCount,
		&createdAt,
		&accessedAt,
		&expiresAt,
		&compressed,
		&metadata,
	)
	if err == sql.ErrNoRows {
		c.cacheMisses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询缓存失败: %w", err)
	}
	c.cacheHits.Add(1)

	if compressed {
		decompressed, err := decompress(responseData)
		if err != nil {
			return nil, fmt.Errorf("解压缓存数据失败: %w", err)
		}
		entry.Response = string(decompressed)
	} else {
		entry.Response = string(responseData)
	}

	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.LastAccessedAt = time.Unix(accessedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		entry.ExpiresAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		entry.Metadata = json.RawMessage(metadata.String)
	}

	c.incrementHitCount(ctx, key)
	return &entry, nil
}

// Set 写入缓存
func (c *DiskCache) Set(ctx context.Context, entry *CacheEntry) error {
	now := time.Now()

	expiresAt := sql.NullInt64{}
	if entry.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: entry.ExpiresAt.Unix(), Valid: true}
	} else if c.ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(c.ttl).Unix(), Valid: true}
	}

	metadata := sql.NullString{}
	if len(entry.Metadata) > 0 {
		metadata = sql.NullString{String: string(entry.Metadata), Valid: true}
	}

	responseData := []byte(entry.Response)
	compressed := false
	if shouldCompress(responseData) {
		compressedData, err := compress(responseData)
		if err == nil && len(compressedData) < len(responseData) {
			// 只有压缩后更小才使用压缩数据
			responseData = compressedData
			compressed = true
		}
	}

	query := `
		INSERT INTO llm_cache (
			cache_key, model, response, created_at, last_accessed_at,
			expires_at, compressed, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			response = excluded.response,
			compressed = excluded.compressed,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata
	`
	_, err := c.db.ExecContext(ctx, query,
		entry.CacheKey,
		entry.Model,
		responseData,
		now.Unix(),
		now.Unix(),
		expiresAt,
		compressed,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}

	if c.maxSize > 0 {
		go c.checkAndCleanup()
	}
	return nil
}

// incrementHitCount 增加命中计数（同步执行）
func (c *DiskCache) incrementHitCount(ctx context.Context, key string) {
	_, _ = c.db.ExecContext(ctx, `
		UPDATE llm_cache
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE cache_key = ?
	`, time.Now().Unix(), key)
}

// Delete 删除缓存
func (c *DiskCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM llm_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// Clear 清空所有缓存
func (c *DiskCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM llm_cache"); err != nil {
		return fmt.Errorf("清空缓存失败: %w", err)
	}
	return nil
}

// cleanupLoop 定期清理过期缓存
func (c *DiskCache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cleanup 删除过期条目
func (c *DiskCache) cleanup(ctx context.Context) int64 {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM llm_cache
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().Unix())
	if err != nil {
		logger.Warn("清理过期缓存失败", zap.Error(err))
		return 0
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		logger.Info("清理过期缓存", zap.Int64("deleted", rows))
	}
	return rows
}

// checkAndCleanup 超出容量时按 LRU 删除最旧的 10%
func (c *DiskCache) checkAndCleanup() {
	var totalSize int64
	err := c.db.QueryRow(`SELECT COALESCE(SUM(length(response)), 0) FROM llm_cache`).Scan(&totalSize)
	if err != nil || totalSize < c.maxSize {
		return
	}

	result, err := c.db.Exec(`
		DELETE FROM llm_cache
		WHERE id IN (
			SELECT id FROM llm_cache
			ORDER BY last_accessed_at ASC
			LIMIT (SELECT MAX(COUNT(*) / 10, 1) FROM llm_cache)
		)
	`)
	if err != nil {
		logger.Warn("LRU 淘汰失败", zap.Error(err))
		return
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		logger.Info("LRU 淘汰",
			zap.Int64("deleted", rows),
			zap.Float64("size_mb", float64(totalSize)/1024/1024),
			zap.Float64("max_mb", float64(c.maxSize)/1024/1024),
		)
	}
}

// GetStats 获取缓存统计
func (c *DiskCache) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(hit_count), 0),
			COALESCE(SUM(length(response)), 0),
			COALESCE(SUM(CASE WHEN compressed = 1 THEN 1 ELSE 0 END), 0)
		FROM llm_cache
	`).Scan(&stats.TotalEntries, &stats.TotalHits, &stats.TotalSizeBytes, &stats.CompressedEntries)
	if err != nil {
		return nil, fmt.Errorf("获取统计数据失败: %w", err)
	}

	stats.TotalRequests = c.totalRequests.Load()
	stats.CacheHits = c.cacheHits.Load()
	stats.CacheMisses = c.cacheMisses.Load()
	if stats.TotalRequests > 0 {
		stats.HitRatePercent = float64(stats.CacheHits) / float64(stats.TotalRequests) * 100
	}
	return &stats, nil
}

// Close 停止后台任务并关闭数据库连接
func (c *DiskCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.db != nil {
			err = c.db.Close()
		}
	})
	return err
}

// compress 使用 gzip 压缩数据
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("创建gzip写入器失败: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip写入失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip关闭失败: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress 解压 gzip 数据
func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建gzip读取器失败: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip解压失败: %w", err)
	}
	return result, nil
}

// shouldCompress 判断是否需要压缩
func shouldCompress(data []byte) bool {
	return len(data) >= CompressionThreshold
}
