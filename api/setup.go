package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	chatHandlers "startuplab/api/handlers/chat"
	knowledgeHandlers "startuplab/api/handlers/knowledge"
	"startuplab/internal/metrics"
	middlewarepkg "startuplab/internal/middleware"
)

// Handlers 全部 HTTP 处理器
type Handlers struct {
	Chat      *chatHandlers.Handler
	ChatWS    *chatHandlers.WebSocketHandler
	Knowledge *knowledgeHandlers.Handler
}

// NewHandlers 创建处理器
func NewHandlers(container *AppContainer) *Handlers {
	return &Handlers{
		Chat:      chatHandlers.NewHandler(container.Service),
		ChatWS:    chatHandlers.NewWebSocketHandler(container.Service),
		Knowledge: knowledgeHandlers.NewHandler(container.Service),
	}
}

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(container *AppContainer) *gin.Engine {
	cfg := container.Config
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	router := gin.New()

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS(cfg.Server.CORSAllowOrigins))
	router.Use(metrics.PrometheusMiddleware())

	// 健康检查与指标
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(container))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middlewarepkg.NewRateLimiter(middlewarepkg.RateLimiterConfig{
		RequestsPerSecond: cfg.Server.RateLimitRPS,
		BurstSize:         cfg.Server.RateLimitBurst,
	})
	RegisterRoutes(router, NewHandlers(container), middlewarepkg.RateLimitMiddleware(limiter))
	return router
}
