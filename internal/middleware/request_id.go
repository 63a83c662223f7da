package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"startuplab/internal/logger"
)

// HTTP 头常量
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

const traceIDKey = "trace_id"

// RequestIDMiddleware 请求 ID 中间件
// 沿用上游传入的 Trace ID，没有时生成新的；写入 logger 上下文，后续日志自动带上
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		c.Set(traceIDKey, traceID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)

		c.Next()
	}
}

// GetTraceID 从 Gin 上下文获取追踪 ID
func GetTraceID(c *gin.Context) string {
	return c.GetString(traceIDKey)
}
