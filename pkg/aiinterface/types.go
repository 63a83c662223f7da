package aiinterface

import (
	"context"
	"errors"
	"io"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 判断角色是否合法
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message 消息结构
// 会话历史、网关调用和入库流程统一使用该类型
type Message struct {
	Role    Role   `json:"role"`    // system, user, assistant
	Content string `json:"content"` // 消息内容
}

// ChatCompletionRequest 对话补全请求（网关线协议）
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Seed        int       `json:"seed"`
	Stream      bool      `json:"stream"`
}

// ChatCompletionResponse 非流式响应
type ChatCompletionResponse struct {
	ID      string `json:"id,omitempty"`
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StreamChunk 流式响应块（data: <json> 事件体）
type StreamChunk struct {
	ID      string `json:"id,omitempty"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// DeltaContent 返回第一个 choice 的增量文本
func (c *StreamChunk) DeltaContent() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// ChatGateway 语言模型网关接口
// 所有对外部模型端点的调用都经过该接口
type ChatGateway interface {
	// Invoke 阻塞调用，返回第一个 choice 的文本
	Invoke(ctx context.Context, messages []Message, temperature float64, language string) (string, error)

	// InvokeStream 流式调用，返回尚未消费的 SSE 响应体，由调用方负责读取和关闭
	InvokeStream(ctx context.Context, messages []Message, temperature float64, language string) (io.ReadCloser, error)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Endpoint  string // 完整的 chat-completion URL
	APIKey    string // Bearer Token
	Model     string // 模型标识
	Seed      int    // 固定随机种子
	Timeout   int    // 超时时间（秒）
	UserAgent string
}

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeAuth          ErrorType = "auth"           // 认证错误
	ErrorTypeRateLimit     ErrorType = "rate_limit"     // 速率限制
	ErrorTypeInvalidParams ErrorType = "invalid_params" // 参数错误
	ErrorTypeServerError   ErrorType = "server_error"   // 服务器错误
	ErrorTypeNetwork       ErrorType = "network"        // 网络错误
	ErrorTypeUnknown       ErrorType = "unknown"        // 未知错误
)

// ClientError 网关错误（非 200 状态、传输异常、响应无法解析）
type ClientError struct {
	Type       ErrorType // 错误类型
	StatusCode int       // HTTP 状态码，传输错误时为 0
	Message    string    // 错误消息
	Err        error     // 原始错误
}

// Error 实现error接口
func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回原始错误
func (e *ClientError) Unwrap() error {
	return e.Err
}

// ErrorTypeForStatus 根据 HTTP 状态码归类错误
func ErrorTypeForStatus(statusCode int) ErrorType {
	switch statusCode {
	case 401, 403:
		return ErrorTypeAuth
	case 429:
		return ErrorTypeRateLimit
	case 400, 404, 422:
		return ErrorTypeInvalidParams
	case 500, 502, 503, 504:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// IsClientError 判断 err 链中是否包含网关错误
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}
