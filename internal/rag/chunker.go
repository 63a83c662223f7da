package rag

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultChunkSize 默认分块大小(字符数)
	DefaultChunkSize = 2000
	// DefaultChunkOverlap 默认重叠大小(字符数)
	DefaultChunkOverlap = 400
)

// DefaultSeparators 默认分隔符，从粗到细
var DefaultSeparators = []string{"\n\n", "\n", ". ", ".", " ", ""}

// Chunker 递归字符分块器
// 先按最粗的分隔符切分，只有仍超过 ChunkSize 的片段才改用更细的分隔符；
// 再把相邻的小片段合并到 ChunkSize 以内，相邻分块之间保留最多 ChunkOverlap 个字符的整片段重叠。
type Chunker struct {
	ChunkSize    int // 分块大小(字符数)
	ChunkOverlap int // 重叠大小(字符数)
	Separators   []string
	Tokens       *TokenCounter
}

// NewChunker 创建新的分块器
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}

	return &Chunker{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   DefaultSeparators,
	}
}

// WithTokenCounter 设置 Token 计数器
func (c *Chunker) WithTokenCounter(tc *TokenCounter) *Chunker {
	c.Tokens = tc
	return c
}

// ChunkDocument 对文档进行分块
// 空文档返回 nil, nil
func (c *Chunker) ChunkDocument(source, content string) []*Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	separators := c.Separators
	if len(separators) == 0 {
		separators = DefaultSeparators
	}

	texts := c.splitText(content, separators)
	chunks := make([]*Chunk, 0, len(texts))

	// 在原文中定位每个分块，计算字符偏移
	searchFrom := 0
	prevLen := 0
	for i, text := range texts {
		// 下一个分块最早从上一个分块的重叠部分开始
		from := searchFrom + prevLen
		if i > 0 {
			from -= len(lastRunes(texts[i-1], c.ChunkOverlap))
		}
		if from < 0 || from > len(content) {
			from = max(0, min(searchFrom, len(content)))
		}
		byteIdx := strings.Index(content[from:], text)
		if byteIdx < 0 {
			byteIdx = strings.Index(content, text)
		} else {
			byteIdx += from
		}

		start := 0
		if byteIdx >= 0 {
			start = utf8.RuneCountInString(content[:byteIdx])
			searchFrom = byteIdx
			prevLen = len(text)
		}
		n := utf8.RuneCountInString(text)

		chunks = append(chunks, &Chunk{
			ID:          uuid.NewString(),
			Content:     text,
			Source:      source,
			Index:       i,
			StartOffset: start,
			EndOffset:   start + n,
			TokenCount:  c.Tokens.Count(text),
			ContentHash: hashContent(text),
		})
	}

	return chunks
}

// splitText 递归切分
func (c *Chunker) splitText(text string, separators []string) []string {
	// 选出文本中实际出现的第一个分隔符
	separator := separators[len(separators)-1]
	var finer []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			finer = separators[i+1:]
			break
		}
	}

	pieces := splitKeepSeparator(text, separator)

	var (
		final []string
		good  []string
	)
	for _, p := range pieces {
		if runeLen(p) < c.ChunkSize {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			final = append(final, c.mergePieces(good)...)
			good = nil
		}
		if len(finer) == 0 {
			final = append(final, p)
		} else {
			final = append(final, c.splitText(p, finer)...)
		}
	}
	if len(good) > 0 {
		final = append(final, c.mergePieces(good)...)
	}
	return final
}

// mergePieces 将小片段合并为不超过 ChunkSize 的分块
// 分隔符已保留在片段开头，合并时不再插入
func (c *Chunker) mergePieces(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)

	for _, p := range pieces {
		n := runeLen(p)
		if total+n > c.ChunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			// 从头部丢弃片段，直到剩余部分可作为重叠
			for total > c.ChunkOverlap || (total+n > c.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}

	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepSeparator 按分隔符切分，分隔符保留在后一个片段的开头
// 空分隔符按字符切分
func splitKeepSeparator(text, separator string) []string {
	if separator == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}

	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, p := range parts[1:] {
		out = append(out, separator+p)
	}
	return out
}

// lastRunes 返回末尾 n 个字符
func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	idx := len(s)
	for i := 0; i < n && idx > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:idx])
		idx -= size
	}
	return s[idx:]
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// hashContent 计算内容哈希
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// GetChunkSummary 获取分块摘要信息
func GetChunkSummary(chunks []*Chunk) string {
	if len(chunks) == 0 {
		return "无分块"
	}

	totalChars := 0
	totalTokens := 0
	for _, chunk := range chunks {
		totalChars += utf8.RuneCountInString(chunk.Content)
		totalTokens += chunk.TokenCount
	}

	return fmt.Sprintf("分块数: %d, 总字符数: %d, 总Token数: %d, 平均字符数: %d",
		len(chunks), totalChars, totalTokens, totalChars/len(chunks))
}
