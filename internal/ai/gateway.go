package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"startuplab/internal/logger"
	"startuplab/internal/metrics"
	"startuplab/pkg/aiinterface"
	"startuplab/pkg/httputil"
)

const (
	// DefaultEndpoint 默认 chat-completion 端点
	DefaultEndpoint = "https://api.publicai.co/v1/chat/completions"
	// DefaultModel 默认模型
	DefaultModel = "BSC-LT/ALIA-40b-instruct_Q8_0"
	// DefaultSeed 固定随机种子
	DefaultSeed = 42
	// DefaultTimeout 单次请求超时
	DefaultTimeout = 120 * time.Second

	// 错误响应体最多读取的字节数
	maxErrorBody = 4096
)

// errStreamIdle 流式响应超过超时时间没有新数据
var errStreamIdle = errors.New("stream idle timeout")

// languageDirectives 各语言追加到 system 消息末尾的指令
// es 为默认语言，不追加
var languageDirectives = map[string]string{
	"ca": "\n\nRESPON EN CATALÀ.",
	"eu": "\n\nRESPON EN EUSKARA.",
	"gl": "\n\nRESPON EN GALEGO.",
	"va": "\n\nRESPON EN VALENCIÀ.",
}

// LanguageDirective 返回语言指令，未知语言返回空字符串
func LanguageDirective(language string) string {
	return languageDirectives[language]
}

// ApplyLanguage 复制消息列表并为每条 system 消息追加语言指令
func ApplyLanguage(messages []Message, language string) []Message {
	directive := LanguageDirective(language)
	out := make([]Message, len(messages))
	copy(out, messages)
	if directive == "" {
		return out
	}
	for i := range out {
		if out[i].Role == RoleSystem {
			out[i].Content += directive
		}
	}
	return out
}

// Gateway 语言模型网关
// 每次调用都是一次独立的 HTTP POST，不做重试
type Gateway struct {
	config  aiinterface.ClientConfig
	client  *httputil.Client
	timeout time.Duration
	tracer  trace.Tracer
}

var _ aiinterface.ChatGateway = (*Gateway)(nil)

// NewGateway 创建网关
// 阻塞调用受 Timeout 整体约束；流式调用的 Timeout 约束响应头等待和每两次读取之间的空闲时间
func NewGateway(config aiinterface.ClientConfig, opts ...httputil.ClientOption) *Gateway {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Seed == 0 {
		config.Seed = DefaultSeed
	}
	if config.UserAgent == "" {
		config.UserAgent = httputil.DefaultUserAgent
	}
	timeout := DefaultTimeout
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}

	headers := map[string]string{
		"User-Agent":    config.UserAgent,
		"Authorization": "Bearer " + config.APIKey,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
	}

	clientOpts := append([]httputil.ClientOption{
		httputil.WithTimeout(0),
		httputil.WithHeaders(headers),
		httputil.WithTransport(transport),
	}, opts...)

	return &Gateway{
		config:  config,
		client:  httputil.NewClient(clientOpts...),
		timeout: timeout,
		tracer:  otel.Tracer("startuplab/internal/ai"),
	}
}

// Model 返回模型标识
func (g *Gateway) Model() string {
	return g.config.Model
}

// buildRequest 构造请求体
func (g *Gateway) buildRequest(messages []Message, temperature float64, language string, stream bool) *ChatCompletionRequest {
	return &ChatCompletionRequest{
		Model:       g.config.Model,
		Messages:    ApplyLanguage(messages, language),
		Temperature: temperature,
		Seed:        g.config.Seed,
		Stream:      stream,
	}
}

// Invoke 阻塞调用，返回第一个 choice 的文本
func (g *Gateway) Invoke(ctx context.Context, messages []Message, temperature float64, language string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.config.Model),
		attribute.Float64("temperature", temperature),
		attribute.String("language", language),
	)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	content, err := g.invoke(ctx, g.buildRequest(messages, temperature, language, false))
	g.observe("blocking", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway call failed")
		logger.WithContext(ctx).Warn("模型网关调用失败", zap.Error(err))
		return "", err
	}
	return content, nil
}

func (g *Gateway) invoke(ctx context.Context, req *ChatCompletionRequest) (string, error) {
	resp, err := g.client.PostJSON(ctx, g.config.Endpoint, req)
	if err != nil {
		return "", &ClientError{Type: ErrorTypeNetwork, Message: "请求失败", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Type: ErrorTypeNetwork, StatusCode: resp.StatusCode, Message: "读取响应失败", Err: err}
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &ClientError{Type: ErrorTypeServerError, StatusCode: resp.StatusCode, Message: "解析响应失败", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &ClientError{Type: ErrorTypeServerError, StatusCode: resp.StatusCode, Message: "响应中没有 choices"}
	}
	return out.Choices[0].Message.Content, nil
}

// InvokeStream 流式调用，返回未消费的 SSE 响应体
func (g *Gateway) InvokeStream(ctx context.Context, messages []Message, temperature float64, language string) (io.ReadCloser, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.InvokeStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.config.Model),
		attribute.Float64("temperature", temperature),
		attribute.String("language", language),
	)

	streamCtx, cancel := context.WithCancelCause(ctx)
	start := time.Now()
	resp, err := g.client.PostJSON(streamCtx, g.config.Endpoint, g.buildRequest(messages, temperature, language, true))
	if err != nil {
		err = &ClientError{Type: ErrorTypeNetwork, Message: "请求失败", Err: err}
	} else if resp.StatusCode != http.StatusOK {
		err = parseError(resp)
		resp.Body.Close()
	}
	g.observe("stream", start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway stream failed")
		logger.WithContext(ctx).Warn("模型网关流式调用失败", zap.Error(err))
		cancel(nil)
		return nil, err
	}
	return newIdleTimeoutBody(streamCtx, cancel, resp.Body, g.timeout), nil
}

// idleTimeoutBody 流式响应体，超过 timeout 没有读到数据时取消请求
type idleTimeoutBody struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, timeout time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{ctx: ctx, cancel: cancel, body: body, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() { cancel(errStreamIdle) })
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), errStreamIdle) {
		return n, &ClientError{Type: ErrorTypeNetwork, Message: "流式读取超时", Err: errStreamIdle}
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel(nil)
	return b.body.Close()
}

// observe 记录调用指标
func (g *Gateway) observe(mode string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.GatewayCallsTotal.WithLabelValues(mode, status).Inc()
	metrics.GatewayCallDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// parseError 将非 200 响应转换为网关错误
func parseError(resp *http.Response) *ClientError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ClientError{
		Type:       aiinterface.ErrorTypeForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("模型网关错误 (HTTP %d): %s", resp.StatusCode, string(body)),
	}
}
