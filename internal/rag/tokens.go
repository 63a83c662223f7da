package rag

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"startuplab/internal/logger"
)

// TokenCounter 基于 tiktoken 的 Token 计数器
// 编码表加载失败时退化为按单词估算
type TokenCounter struct {
	model string
	once  sync.Once
	tkm   *tiktoken.Tiktoken
}

// NewTokenCounter 创建 Token 计数器
func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (t *TokenCounter) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		tkm, err := tiktoken.EncodingForModel(t.model)
		if err != nil {
			tkm, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			logger.Warn("加载 tiktoken 编码失败，使用估算", zap.Error(err))
			return
		}
		t.tkm = tkm
	})
	return t.tkm
}

// Count 返回文本的 Token 数
func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if t != nil {
		if tkm := t.encoding(); tkm != nil {
			return len(tkm.Encode(text, nil, nil))
		}
	}
	return estimateTokenCount(text)
}

// estimateTokenCount 估算Token数量
// 按单词数和字符数/4 取较大值
func estimateTokenCount(text string) int {
	words := len(strings.Fields(text))
	byChars := utf8.RuneCountInString(text) / 4
	if byChars > words {
		return byChars
	}
	return words
}

// truncateRunes 按字符截断
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
