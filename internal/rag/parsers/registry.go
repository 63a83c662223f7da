package parsers

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ParserRegistry 解析器注册表，按扩展名选择解析器
type ParserRegistry struct {
	parsers []Parser
}

// NewParserRegistry 创建注册表并注册默认解析器（.txt .md .pdf .docx）
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{
		parsers: make([]Parser, 0, 3),
	}

	r.Register(NewTextParser())
	r.Register(NewPDFParser())
	r.Register(NewDocxParser())

	return r
}

// Register 注册解析器
func (r *ParserRegistry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Extension 返回规范化（小写）的扩展名
func Extension(fileName string) string {
	return strings.ToLower(filepath.Ext(fileName))
}

// Supports 是否有解析器支持该文件
func (r *ParserRegistry) Supports(fileName string) bool {
	return r.find(Extension(fileName)) != nil
}

// SupportedExtensions 所有已注册的扩展名
func (r *ParserRegistry) SupportedExtensions() []string {
	var exts []string
	for _, p := range r.parsers {
		exts = append(exts, p.SupportedExtensions()...)
	}
	return exts
}

// Parse 选择合适的解析器解析文档
func (r *ParserRegistry) Parse(fileName string, reader io.Reader) (string, error) {
	ext := Extension(fileName)
	p := r.find(ext)
	if p == nil {
		return "", fmt.Errorf("不支持的文件类型: %s", ext)
	}
	return p.Parse(reader)
}

func (r *ParserRegistry) find(ext string) Parser {
	for _, p := range r.parsers {
		if p.CanParse(ext) {
			return p
		}
	}
	return nil
}
