package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

// MetadataFileName 来源登记文件名
const MetadataFileName = "metadata.json"

// DefaultDocsLimit 每个向量库最多登记的来源数
const DefaultDocsLimit = 50

// metadataFile metadata.json 的格式，timestamp 为 Unix 秒字符串
type metadataFile struct {
	Sources   []string `json:"sources"`
	Timestamp string   `json:"timestamp"`
}

// SourceRegistry 已入库来源的有序去重列表，与向量库一起持久化和重置
type SourceRegistry struct {
	mu        sync.RWMutex
	dir       string
	sources   []string
	updatedAt time.Time
}

// NewSourceRegistry 创建空登记表
func NewSourceRegistry(dir string) *SourceRegistry {
	return &SourceRegistry{dir: dir}
}

// LoadSourceRegistry 从目录加载登记表，文件不存在时返回空登记表
func LoadSourceRegistry(dir string) (*SourceRegistry, error) {
	r := NewSourceRegistry(dir)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload 重新读取磁盘上的 metadata.json
func (r *SourceRegistry) Reload() error {
	data, err := os.ReadFile(r.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storageError("读取来源登记失败", err)
	}

	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", MetadataFileName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = dedupe(meta.Sources)
	if ts, err := strconv.ParseInt(meta.Timestamp, 10, 64); err == nil {
		r.updatedAt = time.Unix(ts, 0)
	}
	return nil
}

func (r *SourceRegistry) path() string {
	return filepath.Join(r.dir, MetadataFileName)
}

// Names 返回来源列表副本
func (r *SourceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sources)
}

// Len 来源数
func (r *SourceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Has 是否已登记
func (r *SourceRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.sources, name)
}

// UpdatedAt 最后一次持久化时间，未持久化过返回 nil
func (r *SourceRegistry) UpdatedAt() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.updatedAt.IsZero() {
		return nil
	}
	t := r.updatedAt
	return &t
}

// Commit 追加来源并写入 metadata.json
// 只在一次入库的全部批次成功后调用
func (r *SourceRegistry) Commit(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(r.sources)
	for _, n := range names {
		if !slices.Contains(next, n) {
			next = append(next, n)
		}
	}

	now := time.Now()
	meta := metadataFile{
		Sources:   next,
		Timestamp: strconv.FormatInt(now.Unix(), 10),
	}
	if meta.Sources == nil {
		meta.Sources = []string{}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化来源登记失败: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return storageError("创建持久化目录失败", err)
	}
	// 先写临时文件再改名，避免写一半
	tmp := r.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storageError("写入来源登记失败", err)
	}
	if err := os.Rename(tmp, r.path()); err != nil {
		return storageError("写入来源登记失败", err)
	}

	r.sources = next
	r.updatedAt = now
	return nil
}

// Reset 清空来源列表并删除 metadata.json
func (r *SourceRegistry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = nil
	r.updatedAt = time.Time{}
	if err := os.Remove(r.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageError("删除来源登记失败", err)
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
