package ai

import (
	"errors"

	"startuplab/pkg/aiinterface"
)

// 重新导出aiinterface包的类型
// rag 等上层包只依赖 aiinterface，ai 包的使用者也可以直接引用这里的别名
type (
	Role                   = aiinterface.Role
	Message                = aiinterface.Message
	ChatCompletionRequest  = aiinterface.ChatCompletionRequest
	ChatCompletionResponse = aiinterface.ChatCompletionResponse
	StreamChunk            = aiinterface.StreamChunk
	ChatGateway            = aiinterface.ChatGateway
	ClientConfig           = aiinterface.ClientConfig
	ClientError            = aiinterface.ClientError
	ErrorType              = aiinterface.ErrorType
)

// 重新导出常量
const (
	RoleSystem    = aiinterface.RoleSystem
	RoleUser      = aiinterface.RoleUser
	RoleAssistant = aiinterface.RoleAssistant

	ErrorTypeAuth          = aiinterface.ErrorTypeAuth
	ErrorTypeRateLimit     = aiinterface.ErrorTypeRateLimit
	ErrorTypeInvalidParams = aiinterface.ErrorTypeInvalidParams
	ErrorTypeServerError   = aiinterface.ErrorTypeServerError
	ErrorTypeNetwork       = aiinterface.ErrorTypeNetwork
	ErrorTypeUnknown       = aiinterface.ErrorTypeUnknown
)

// IsGatewayError 判断是否为网关错误
func IsGatewayError(err error) bool {
	return aiinterface.IsClientError(err)
}

// GatewayErrorType 返回网关错误类型，非网关错误返回空字符串
func GatewayErrorType(err error) ErrorType {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
