package parsers

import (
	"errors"
	"io"
)

// ErrEmptyContent 文档中没有可提取的文本
var ErrEmptyContent = errors.New("document content is empty")

// Parser 文档解析器接口
type Parser interface {
	// Parse 读取并提取纯文本
	Parse(reader io.Reader) (string, error)

	// SupportedExtensions 支持的扩展名（如 ".txt"）
	SupportedExtensions() []string

	// CanParse 是否支持该扩展名
	CanParse(extension string) bool
}

// supports 扩展名匹配
func supports(p Parser, extension string) bool {
	for _, ext := range p.SupportedExtensions() {
		if ext == extension {
			return true
		}
	}
	return false
}
