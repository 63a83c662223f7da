package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// unmatchedPath 未匹配路由的统一标签，原始路径不进入标签
const unmatchedPath = "unmatched"

// skippedPaths 探针和抓取端点不计入 API 指标
var skippedPaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
	"/ready":   true,
}

// streamingPaths 流式回答路由，按连接统计
var streamingPaths = map[string]bool{
	"/api/chat/stream": true,
	"/api/chat/ws":     true,
}

// PrometheusMiddleware Prometheus 指标收集中间件
// 普通请求记录请求数、延迟和体积；流式回答记录活跃连接数和持续时间
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := normalizePath(c)
		if skippedPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		requestSize := c.Request.ContentLength
		method := c.Request.Method

		if streamingPaths[path] {
			ActiveStreams.WithLabelValues(path).Inc()
			defer ActiveStreams.WithLabelValues(path).Dec()
		}

		c.Next()

		duration := time.Since(start).Seconds()
		APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()

		if streamingPaths[path] {
			StreamDuration.WithLabelValues(path).Observe(duration)
			return
		}

		APIRequestDuration.WithLabelValues(method, path).Observe(duration)
		if requestSize > 0 {
			APIRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
		}
		if respSize := c.Writer.Size(); respSize >= 0 {
			APIResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
		}
	}
}

// normalizePath 使用路由模板（如 /api/chat/:session_id），避免会话 ID 进入标签
func normalizePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return unmatchedPath
}
