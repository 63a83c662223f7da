package rag

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable 持久化目录或数据库不可用
	ErrStorageUnavailable = errors.New("vector storage unavailable")

	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyDocument 文档解析后没有文本
	ErrEmptyDocument = errors.New("document has no text")
)

// ParseError 模型输出无法解析（评分列表、SSE 事件）
// 只在包内使用并就地恢复，不会从公开 API 返回
type ParseError struct {
	Kind  string // scores, sse
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("解析%s失败: %q: %v", e.Kind, truncateRunes(e.Input, 80), e.Err)
	}
	return fmt.Sprintf("解析%s失败: %q", e.Kind, truncateRunes(e.Input, 80))
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// storageError 包装为 ErrStorageUnavailable
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
