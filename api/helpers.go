package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"startuplab/internal/infra"
	"startuplab/internal/rag"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Store  rag.StoreStatus `json:"store,omitempty"`
}

// HealthCheck 健康检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: "StartupLab",
		})
	}
}

// ReadinessCheck 就绪检查
// 向量库尚未初始化时仍视为就绪，可以回答无上下文的问题
func ReadinessCheck(container *AppContainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if container.Redis != nil {
			if err := infra.HealthCheckRedis(ctx, container.Redis); err != nil {
				c.JSON(http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Reason: "redis ping failed"})
				return
			}
		}

		stats := container.Service.Stats(ctx)
		if stats.Status == rag.StatusError {
			c.JSON(http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Reason: "vector store error", Store: stats.Status})
			return
		}
		c.JSON(http.StatusOK, ReadinessResponse{Status: "ready", Store: stats.Status})
	}
}
