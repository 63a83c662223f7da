package chat

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	response "startuplab/api/handlers/common"
	"startuplab/internal/logger"
)

// HeaderSessionID 服务端分配的会话 ID
const HeaderSessionID = "X-Session-ID"

// Handler 聊天处理器
type Handler struct {
	service ChatService
}

// NewHandler 创建聊天处理器
func NewHandler(service ChatService) *Handler {
	return &Handler{service: service}
}

// Stream 提问并以 SSE 返回回答片段
// 事件：message {"content": ...}，结束时 done {"done": true}
func (h *Handler) Stream(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		response.Fail(c, http.StatusBadRequest, response.CodeInvalidRequest, "请求参数错误: 缺少 message")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := logger.WithSessionID(c.Request.Context(), req.SessionID)
	seq, err := h.service.Ask(ctx, req.SessionID, req.Message, req.Language)
	if err != nil {
		logger.WithContext(ctx).Error("提问失败", zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeInternal, "提问失败")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header(HeaderSessionID, req.SessionID)
	c.Status(http.StatusOK)

	for fragment := range seq {
		// 客户端断开后停止消费，生成器会关闭上游响应体
		if ctx.Err() != nil {
			break
		}
		c.SSEvent("message", gin.H{"content": fragment})
		c.Writer.Flush()
	}
	if ctx.Err() == nil {
		c.SSEvent("done", gin.H{"done": true})
		c.Writer.Flush()
	}
}

// Messages 返回会话历史，会话不存在时以欢迎语创建
func (h *Handler) Messages(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	if err := h.service.EnsureSession(ctx, sessionID); err != nil {
		logger.WithContext(ctx).Error("初始化会话失败", zap.String("session_id", sessionID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeInternal, "读取会话失败")
		return
	}
	msgs, err := h.service.Messages(ctx, sessionID)
	if err != nil {
		logger.WithContext(ctx).Error("读取会话失败", zap.String("session_id", sessionID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeInternal, "读取会话失败")
		return
	}
	response.OK(c, http.StatusOK, MessagesResponse{SessionID: sessionID, Messages: msgs})
}

// NewChat 开始新对话
func (h *Handler) NewChat(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.service.NewChat(c.Request.Context(), sessionID); err != nil {
		logger.WithContext(c.Request.Context()).Error("重置会话失败", zap.String("session_id", sessionID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeInternal, "重置会话失败")
		return
	}
	response.OK(c, http.StatusOK, gin.H{"session_id": sessionID})
}
