package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
	"startuplab/internal/rag/parsers"
)

// DefaultBatchSize 每批写入向量库的分块数
const DefaultBatchSize = 100

// IngestOptions 入库参数
type IngestOptions struct {
	BatchSize int
	DocsLimit int
}

func (o IngestOptions) withDefaults() IngestOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.DocsLimit <= 0 {
		o.DocsLimit = DefaultDocsLimit
	}
	return o
}

// Ingestor 解析、分块并分批写入向量库
type Ingestor struct {
	parsers *parsers.ParserRegistry
	chunker *Chunker
	factory StoreFactory
	opts    IngestOptions
}

// NewIngestor 创建入库流程
// factory 在会话还没有向量库时，由第一批写入触发调用
func NewIngestor(chunker *Chunker, factory StoreFactory, opts IngestOptions) *Ingestor {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Ingestor{
		parsers: parsers.NewParserRegistry(),
		chunker: chunker,
		factory: factory,
		opts:    opts.withDefaults(),
	}
}

// Ingest 入库一组文件，返回成功入库的文档数
// 不支持的类型、已登记的来源、解析失败的文件会被跳过；达到文档上限后不再接收新文件。
// 任一批写入失败立即返回错误，已写入的批次保留，来源登记不更新。
func (in *Ingestor) Ingest(ctx context.Context, session *Session, files []FileInput) (int, error) {
	ctx, span := tracer.Start(ctx, "rag.ingest")
	defer span.End()
	log := logger.WithContext(ctx)

	var (
		accepted []string
		chunks   []*Chunk
	)
	for _, f := range files {
		name := filepath.Base(f.Name)

		if !in.parsers.Supports(name) {
			log.Warn("不支持的文件类型，已跳过", zap.String("file", name))
			metrics.SkippedFilesTotal.WithLabelValues("unsupported").Inc()
			continue
		}
		if session.Sources.Has(name) || slices.Contains(accepted, name) {
			log.Info("文档已入库，跳过", zap.String("file", name))
			metrics.SkippedFilesTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		if session.Sources.Len()+len(accepted) >= in.opts.DocsLimit {
			log.Warn("已达到文档数量上限", zap.Int("limit", in.opts.DocsLimit))
			metrics.SkippedFilesTotal.WithLabelValues("limit").Inc()
			break
		}

		content, err := in.parsers.Parse(name, f.Reader)
		if err == nil && strings.TrimSpace(content) == "" {
			err = ErrEmptyDocument
		}
		if err != nil {
			reason := "parse_error"
			if errors.Is(err, ErrEmptyDocument) || errors.Is(err, parsers.ErrEmptyContent) {
				reason = "empty"
			}
			log.Error("解析文档失败，已跳过", zap.String("file", name), zap.Error(err))
			metrics.SkippedFilesTotal.WithLabelValues(reason).Inc()
			continue
		}

		docChunks := in.chunker.ChunkDocument(name, content)
		log.Debug("文档已分块", zap.String("file", name), zap.String("summary", GetChunkSummary(docChunks)))
		chunks = append(chunks, docChunks...)
		accepted = append(accepted, name)
	}

	if len(chunks) == 0 {
		return 0, nil
	}

	if err := in.writeBatches(ctx, session, chunks); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if err := session.Sources.Commit(accepted...); err != nil {
		return 0, fmt.Errorf("保存来源登记失败: %w", err)
	}

	metrics.IngestedDocumentsTotal.Add(float64(len(accepted)))
	metrics.IngestedChunksTotal.Add(float64(len(chunks)))
	log.Info("文档入库完成",
		zap.Int("documents", len(accepted)),
		zap.Int("chunks", len(chunks)),
	)
	return len(accepted), nil
}

// writeBatches 分批写入，第一批之前按需创建向量库
func (in *Ingestor) writeBatches(ctx context.Context, session *Session, chunks []*Chunk) error {
	total := (len(chunks) + in.opts.BatchSize - 1) / in.opts.BatchSize
	for i := 0; i < len(chunks); i += in.opts.BatchSize {
		batch := chunks[i:min(i+in.opts.BatchSize, len(chunks))]
		num := i/in.opts.BatchSize + 1

		if session.Store == nil {
			if in.factory == nil {
				return storageError("创建向量库失败", errors.New("no store factory"))
			}
			store, err := in.factory(ctx)
			if err != nil {
				metrics.IngestBatchesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("创建向量库失败: %w", err)
			}
			session.Store = store
		}

		if err := session.Store.Add(ctx, batch); err != nil {
			metrics.IngestBatchesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("写入第 %d/%d 批失败: %w", num, total, err)
		}
		metrics.IngestBatchesTotal.WithLabelValues("success").Inc()
		logger.WithContext(ctx).Debug("批次已写入", zap.Int("batch", num), zap.Int("total", total))
	}
	return nil
}

// IngestDefault 入库默认语料目录
// 来源登记非空时不做任何事；目录不存在时创建后返回
func (in *Ingestor) IngestDefault(ctx context.Context, session *Session, dir string) (int, error) {
	if err := session.Sources.Reload(); err != nil {
		logger.WithContext(ctx).Warn("重新读取来源登记失败", zap.Error(err))
	}
	if n := session.Sources.Len(); n > 0 {
		logger.WithContext(ctx).Info("知识库已初始化，跳过默认语料", zap.Int("documents", n))
		return 0, nil
	}

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("创建默认语料目录失败: %w", err)
		}
		logger.WithContext(ctx).Info("已创建默认语料目录", zap.String("dir", dir))
		return 0, nil
	}

	files, closeAll, err := in.openDir(dir)
	if err != nil {
		return 0, err
	}
	defer closeAll()

	if len(files) == 0 {
		logger.WithContext(ctx).Info("默认语料目录为空", zap.String("dir", dir))
		return 0, nil
	}
	return in.Ingest(ctx, session, files)
}

// openDir 打开目录下所有受支持的文件（不递归，按文件名排序）
func (in *Ingestor) openDir(dir string) ([]FileInput, func(), error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("读取默认语料目录失败: %w", err)
	}

	var (
		files   []FileInput
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	for _, e := range entries {
		if e.IsDir() || !in.parsers.Supports(e.Name()) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("打开文件 %s 失败: %w", e.Name(), err)
		}
		closers = append(closers, f)
		files = append(files, FileInput{Name: e.Name(), Reader: f})
	}
	return files, closeAll, nil
}
