package chat

import (
	"context"
	"iter"

	"startuplab/pkg/aiinterface"
)

// ChatService 聊天接口依赖的服务，由 rag.Service 实现
type ChatService interface {
	Ask(ctx context.Context, sessionID, message, language string) (iter.Seq[string], error)
	EnsureSession(ctx context.Context, sessionID string) error
	Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error)
	NewChat(ctx context.Context, sessionID string) error
}

// AskRequest 提问请求，SSE 和 WebSocket 共用
type AskRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
	Language  string `json:"language"` // es, ca, eu, gl, va；为空时按 es 处理
}

// StreamFrame WebSocket 下行帧
type StreamFrame struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MessagesResponse 会话历史
type MessagesResponse struct {
	SessionID string                `json:"session_id"`
	Messages  []aiinterface.Message `json:"messages"`
}
