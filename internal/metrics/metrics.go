package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "startuplab_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节）
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "startuplab_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "startuplab_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)

	// ActiveStreams 正在进行的流式回答连接数（SSE 与 WebSocket）
	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "startuplab_active_streams",
			Help: "正在进行的流式回答连接数",
		},
		[]string{"path"},
	)

	// StreamDuration 流式连接持续时间（秒），不计入 API 请求延迟
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "startuplab_stream_duration_seconds",
			Help:    "流式连接持续时间分布",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"path"},
	)
)

// 模型网关指标
var (
	// GatewayCallsTotal 网关调用总数
	// mode: blocking, stream; status: success, error
	GatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_gateway_calls_total",
			Help: "模型网关调用总数",
		},
		[]string{"mode", "status"},
	)

	// GatewayCallDuration 网关调用耗时（秒），流式调用只统计到响应头返回
	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "startuplab_gateway_call_duration_seconds",
			Help:    "模型网关调用耗时分布",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	// GatewayCacheTotal 磁盘缓存命中情况
	GatewayCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_gateway_cache_total",
			Help: "模型响应缓存命中/未命中次数",
		},
		[]string{"result"}, // hit, miss
	)
)

// RAG 管线指标
var (
	// RAGSearchesTotal 检索总数
	RAGSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_rag_searches_total",
			Help: "RAG 检索总数",
		},
		[]string{"status"},
	)

	// RAGSearchDuration 检索耗时（秒）
	RAGSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "startuplab_rag_search_duration_seconds",
			Help:    "RAG 检索耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
	)

	// StageFallbacksTotal 改写/重排降级次数
	StageFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_stage_fallbacks_total",
			Help: "管线阶段降级次数",
		},
		[]string{"stage", "reason"}, // stage: rewrite, rerank
	)

	// RepetitionGuardTotal 重复保护触发次数
	RepetitionGuardTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "startuplab_repetition_guard_total",
			Help: "重复保护触发次数",
		},
	)

	// ParseErrorsTotal 本地恢复的解析错误
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_parse_errors_total",
			Help: "评分列表与 SSE 事件解析失败次数",
		},
		[]string{"kind"}, // scores, sse
	)

	// AnswersTotal 回答生成总数
	AnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_answers_total",
			Help: "回答生成总数",
		},
		[]string{"outcome"}, // completed, guarded, failed, cancelled
	)
)

// 入库指标
var (
	// IngestBatchesTotal 入库批次数
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_ingest_batches_total",
			Help: "入库批次总数",
		},
		[]string{"status"},
	)

	// IngestedChunksTotal 写入的分块数
	IngestedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "startuplab_ingested_chunks_total",
			Help: "写入向量库的分块总数",
		},
	)

	// IngestedDocumentsTotal 入库文档数
	IngestedDocumentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "startuplab_ingested_documents_total",
			Help: "入库文档总数",
		},
	)

	// SkippedFilesTotal 跳过的文件
	SkippedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_skipped_files_total",
			Help: "入库时跳过的文件数",
		},
		[]string{"reason"}, // unsupported, duplicate, limit, empty, parse_error
	)

	// EmbeddingCacheTotal 向量缓存命中情况
	EmbeddingCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "startuplab_embedding_cache_total",
			Help: "向量缓存查询次数",
		},
		[]string{"result"}, // local_hit, redis_hit, miss
	)
)
