package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	RAG          RagConfig          `mapstructure:"rag"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Cache        CacheConfig        `mapstructure:"cache"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`

	// 聊天接口按客户端 IP 限流，rps <= 0 表示不限流
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"` // 为空时允许全部来源
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// LLMConfig 语言模型网关配置
type LLMConfig struct {
	Endpoint       string `mapstructure:"endpoint"` // chat-completion 完整地址
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Seed           int    `mapstructure:"seed"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// Timeout 返回请求超时
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmbeddingConfig 向量化服务配置
type EmbeddingConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// RagConfig RAG 相关配置
type RagConfig struct {
	PersistDir          string            `mapstructure:"persist_dir"`
	Collection          string            `mapstructure:"collection"`
	DocsDir             string            `mapstructure:"docs_dir"`
	DocsLimit           int               `mapstructure:"docs_limit"`
	ChunkSize           int               `mapstructure:"chunk_size"`
	ChunkOverlap        int               `mapstructure:"chunk_overlap"`
	BatchSize           int               `mapstructure:"batch_size"`
	RetrievalK          int               `mapstructure:"retrieval_k"`
	RerankTopK          int               `mapstructure:"rerank_top_k"`
	RerankMaxCandidates int               `mapstructure:"rerank_max_candidates"`
	PromptsFile         string            `mapstructure:"prompts_file"` // 为空时使用内置模板
	VectorStore         VectorStoreConfig `mapstructure:"vector_store"`
}

// VectorStoreConfig 向量存储配置
type VectorStoreConfig struct {
	Type     string         `mapstructure:"type"` // sqlite, pgvector
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig pgvector 后端连接配置
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	Dimension       int    `mapstructure:"dimension"`
}

// GetDSN 获取数据库连接字符串
func (c *PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// ConversationConfig 会话存储配置
type ConversationConfig struct {
	Store string `mapstructure:"store"` // memory, redis
	TTL   string `mapstructure:"ttl"`   // 例如 "24h"
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Disk DiskCacheConfig `mapstructure:"disk"`
}

// DiskCacheConfig 硬盘缓存配置（仅缓存 temperature=0 的阻塞调用）
type DiskCacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DBPath    string `mapstructure:"db_path"`
	MaxSizeGB int    `mapstructure:"max_size_gb"`
	TTL       string `mapstructure:"ttl"` // 如 "720h"
}

var globalConfig *Config

// setDefaults 内置默认值，无配置文件时服务也可启动
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 180)
	v.SetDefault("server.rate_limit_rps", 2)
	v.SetDefault("server.rate_limit_burst", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("llm.endpoint", "https://api.publicai.co/v1/chat/completions")
	v.SetDefault("llm.model", "BSC-LT/ALIA-40b-instruct_Q8_0")
	v.SetDefault("llm.seed", 42)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.user_agent", "StartupLab/1.0")
	v.SetDefault("llm.api_key", "")

	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")

	v.SetDefault("rag.persist_dir", "./chroma_db")
	v.SetDefault("rag.collection", "startup_docs")
	v.SetDefault("rag.docs_dir", "docs")
	v.SetDefault("rag.docs_limit", 50)
	v.SetDefault("rag.chunk_size", 2000)
	v.SetDefault("rag.chunk_overlap", 400)
	v.SetDefault("rag.batch_size", 100)
	v.SetDefault("rag.retrieval_k", 15)
	v.SetDefault("rag.rerank_top_k", 5)
	v.SetDefault("rag.rerank_max_candidates", 10)
	v.SetDefault("rag.prompts_file", "")
	v.SetDefault("rag.vector_store.type", "sqlite")
	v.SetDefault("rag.vector_store.postgres.host", "localhost")
	v.SetDefault("rag.vector_store.postgres.port", 5432)
	v.SetDefault("rag.vector_store.postgres.sslmode", "disable")
	v.SetDefault("rag.vector_store.postgres.max_open_conns", 10)
	v.SetDefault("rag.vector_store.postgres.max_idle_conns", 5)
	v.SetDefault("rag.vector_store.postgres.conn_max_lifetime", 3600)
	v.SetDefault("rag.vector_store.postgres.dimension", 1536)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("conversation.store", "memory")
	v.SetDefault("conversation.ttl", "24h")

	v.SetDefault("cache.disk.enabled", false)
	v.SetDefault("cache.disk.db_path", "./data/llm_cache.db")
	v.SetDefault("cache.disk.max_size_gb", 1)
	v.SetDefault("cache.disk.ttl", "720h")
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_LLM_API_KEY

	// 读取配置文件，未找到时使用默认值
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验关键参数
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size 必须大于 0")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap 必须在 [0, chunk_size) 范围内")
	}
	if c.RAG.BatchSize <= 0 {
		return fmt.Errorf("rag.batch_size 必须大于 0")
	}
	switch c.RAG.VectorStore.Type {
	case "sqlite", "pgvector":
	default:
		return fmt.Errorf("不支持的向量存储类型: %s", c.RAG.VectorStore.Type)
	}
	switch c.Conversation.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的会话存储类型: %s", c.Conversation.Store)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// ParseDuration 解析时长字符串，失败时返回默认值
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
