package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"startuplab/pkg/aiinterface"
)

// fakeEmbeddingProvider 按字母频率生成 26 维向量
type fakeEmbeddingProvider struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	err        error
}

func letterVector(text string) []float32 {
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec
}

func (f *fakeEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return letterVector(text), nil
}

func (f *fakeEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	res := make([][]float32, len(texts))
	for i, txt := range texts {
		res[i] = letterVector(txt)
	}
	return res, nil
}

func (f *fakeEmbeddingProvider) GetModel() string        { return "test-model" }
func (f *fakeEmbeddingProvider) GetProviderName() string { return "test-provider" }

// fakeGateway 可编排的模型网关
type fakeGateway struct {
	mu          sync.Mutex
	invokeReply string
	invokeErr   error
	invokeFn    func(messages []aiinterface.Message) (string, error)
	stream      string
	streamErr   error

	invokes      [][]aiinterface.Message
	streams      [][]aiinterface.Message
	temperatures []float64
}

func (g *fakeGateway) Invoke(ctx context.Context, messages []aiinterface.Message, temperature float64, language string) (string, error) {
	g.mu.Lock()
	g.invokes = append(g.invokes, messages)
	g.temperatures = append(g.temperatures, temperature)
	g.mu.Unlock()
	if g.invokeFn != nil {
		return g.invokeFn(messages)
	}
	return g.invokeReply, g.invokeErr
}

func (g *fakeGateway) InvokeStream(ctx context.Context, messages []aiinterface.Message, temperature float64, language string) (io.ReadCloser, error) {
	g.mu.Lock()
	g.streams = append(g.streams, messages)
	g.temperatures = append(g.temperatures, temperature)
	g.mu.Unlock()
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &trackingBody{Reader: strings.NewReader(g.stream)}, nil
}

func (g *fakeGateway) invokeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.invokes)
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

// sseStream 把增量文本编码为 SSE 行
func sseStream(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(`data: {"choices":[{"delta":{"content":`)
		sb.WriteString(jsonString(d))
		sb.WriteString("}}]}\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func jsonString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// memStore 内存向量库，可注入第 N 批写入失败
type memStore struct {
	mu      sync.Mutex
	chunks  []*Chunk
	adds    int
	failAt  int // 第 failAt 次 Add 失败，0 表示不失败
	queries []string
	results []*SearchResult
	resets  int
	closed  bool
}

var errBatchFailed = errors.New("batch failed")

func (s *memStore) Add(ctx context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if s.failAt > 0 && s.adds == s.failAt {
		return errBatchFailed
	}
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *memStore) Query(ctx context.Context, text string, k int) ([]*SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, text)
	if s.results != nil {
		return s.results[:min(k, len(s.results))], nil
	}
	out := make([]*SearchResult, 0, k)
	for _, c := range s.chunks {
		if len(out) == k {
			break
		}
		out = append(out, &SearchResult{ChunkID: c.ID, Source: c.Source, Content: c.Content})
	}
	return out, nil
}

func (s *memStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.chunks)), nil
}

func (s *memStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.chunks = nil
	return nil
}

func (s *memStore) Close() error {
	s.closed = true
	return nil
}

// docs 生成 n 个候选文档，内容为 doc-1 ... doc-n
func docs(n int) []*SearchResult {
	out := make([]*SearchResult, n)
	for i := range out {
		out[i] = &SearchResult{ChunkID: fmt.Sprintf("c%d", i+1), Content: fmt.Sprintf("doc-%d", i+1)}
	}
	return out
}
