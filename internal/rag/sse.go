package rag

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"startuplab/pkg/aiinterface"
)

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
	// maxSSELine 单行事件的最大字节数
	maxSSELine = 1 << 20
)

// sseEvent 一行 SSE 解码结果
type sseEvent struct {
	Delta string
	Done  bool
	Skip  bool
}

// decodeSSELine 解码一行流式响应
// 非 data: 行跳过；data: [DONE] 表示结束；JSON 无法解析时返回 ParseError，调用方跳过该行
func decodeSSELine(line string) (sseEvent, error) {
	payload, ok := strings.CutPrefix(line, sseDataPrefix)
	if !ok {
		return sseEvent{Skip: true}, nil
	}
	if strings.TrimSpace(payload) == sseDone {
		return sseEvent{Done: true}, nil
	}

	var chunk aiinterface.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return sseEvent{Skip: true}, &ParseError{Kind: "sse", Input: payload, Err: err}
	}
	return sseEvent{Delta: chunk.DeltaContent()}, nil
}

// newSSEScanner 按行读取流式响应体
func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return scanner
}
