package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/aggregator"
	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

// Config DashScope 客户端配置。
type Config struct {
	// BaseURL 默认 dashscopego.DefaultBaseURL。
	BaseURL string
	// APIKey 必填，以 Bearer 方式发送。
	APIKey string
	// WorkspaceID 非空时通过 X-DashScope-WorkSpace 发送。
	WorkspaceID string
	// Headers 附加到每个请求，调用方传入的 header 优先级更高。
	Headers http.Header

	CompletionsPath string
	EmbeddingsPath  string
	RerankPath      string

	HTTPClient *http.Client
	// IdleTimeout 流式请求中两个 SSE 事件之间允许的最长间隔，<=0 表示不限制。
	IdleTimeout time.Duration
	Logger      *zap.Logger
	// Now 用于为缺少 created 的 chunk 补齐时间戳，测试时可替换。
	Now func() time.Time
}

// Client DashScope 原生接口客户端，可并发使用。
type Client struct {
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: resolved, logger: resolved.Logger}, nil
}

func resolveConfig(cfg Config) (Config, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("api key is required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = dashscopego.DefaultBaseURL
	}
	if strings.TrimSpace(cfg.CompletionsPath) == "" {
		cfg.CompletionsPath = dashscopego.DefaultCompletionsPath
	}
	if strings.TrimSpace(cfg.EmbeddingsPath) == "" {
		cfg.EmbeddingsPath = dashscopego.DefaultEmbeddingsPath
	}
	if strings.TrimSpace(cfg.RerankPath) == "" {
		cfg.RerankPath = dashscopego.DefaultRerankPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg, nil
}

// ChatCompletion 同步对话调用，req.Stream 必须为 false。
func (c *Client) ChatCompletion(ctx context.Context, req *dashscopeapi.ChatCompletionRequest, header http.Header) (*dashscopeapi.ChatCompletion, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if req.Stream {
		return nil, fmt.Errorf("%w: stream request must use ChatCompletionStream", ErrInvalidRequest)
	}
	req = c.withDefaultModel(req)

	resp, err := c.post(ctx, c.completionsPath(req), req, header, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out dashscopeapi.ChatCompletion
	if err := decodeJSONBody(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}
	if out.ID == "" {
		out.ID = dashscopeapi.NewRequestID()
	}
	return &out, nil
}

// ChatCompletionStream 流式对话调用，返回已完成工具调用归并的流，req.Stream 必须为 true。
// 调用方必须 Close 返回的流。
func (c *Client) ChatCompletionStream(ctx context.Context, req *dashscopeapi.ChatCompletionRequest, header http.Header, opts ...aggregator.Option) (*aggregator.Stream, error) {
	raw, err := c.RawChatCompletionStream(ctx, req, header)
	if err != nil {
		return nil, err
	}
	opts = append([]aggregator.Option{aggregator.WithIncrementalOutput(req.IncrementalOutput())}, opts...)
	return aggregator.New(raw, opts...), nil
}

// RawChatCompletionStream 与 ChatCompletionStream 相同，但返回未经归并的原始 chunk 流。
func (c *Client) RawChatCompletionStream(ctx context.Context, req *dashscopeapi.ChatCompletionRequest, header http.Header) (*ChunkStream, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if !req.Stream {
		return nil, fmt.Errorf("%w: request must set stream=true", ErrInvalidRequest)
	}
	req = c.withDefaultModel(req)

	streamCtx, cancel := context.WithCancelCause(ctx)
	idle := newIdleTimer(c.cfg.IdleTimeout, cancel)
	resp, err := c.post(streamCtx, c.completionsPath(req), req, header, true)
	if err != nil {
		idle.stop()
		cancel(context.Canceled)
		if cause := context.Cause(streamCtx); cause == ErrIdleTimeout {
			return nil, ErrIdleTimeout
		}
		return nil, err
	}
	return newChunkStream(streamCtx, cancel, resp.Body, idle, c.cfg.Now, c.logger.With(zap.String("model", req.Model))), nil
}

// Embeddings 文本向量，单次 1 到 dashscopeapi.MaxEmbeddingTexts 条文本。
func (c *Client) Embeddings(ctx context.Context, req *dashscopeapi.EmbeddingRequest) (*dashscopeapi.EmbeddingList, error) {
	if req == nil || len(req.Input.Texts) == 0 {
		return nil, fmt.Errorf("%w: embeddings require at least one text", ErrInvalidRequest)
	}
	if len(req.Input.Texts) > dashscopeapi.MaxEmbeddingTexts {
		return nil, fmt.Errorf("%w: embeddings accept at most %d texts, got %d", ErrInvalidRequest, dashscopeapi.MaxEmbeddingTexts, len(req.Input.Texts))
	}
	body := *req
	if strings.TrimSpace(body.Model) == "" {
		body.Model = dashscopego.DefaultEmbeddingModel
	}

	resp, err := c.post(ctx, c.cfg.EmbeddingsPath, &body, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out dashscopeapi.EmbeddingList
	if err := decodeJSONBody(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	return &out, nil
}

// Rerank 文本排序。
func (c *Client) Rerank(ctx context.Context, req *dashscopeapi.RerankRequest) (*dashscopeapi.RerankResponse, error) {
	if req == nil || strings.TrimSpace(req.Input.Query) == "" {
		return nil, fmt.Errorf("%w: rerank query is required", ErrInvalidRequest)
	}
	if len(req.Input.Documents) == 0 {
		return nil, fmt.Errorf("%w: rerank requires at least one document", ErrInvalidRequest)
	}
	body := *req
	if strings.TrimSpace(body.Model) == "" {
		body.Model = dashscopego.DefaultRerankModel
	}

	resp, err := c.post(ctx, c.cfg.RerankPath, &body, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out dashscopeapi.RerankResponse
	if err := decodeJSONBody(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode rerank: %w", err)
	}
	return &out, nil
}

func (c *Client) withDefaultModel(req *dashscopeapi.ChatCompletionRequest) *dashscopeapi.ChatCompletionRequest {
	if strings.TrimSpace(req.Model) != "" {
		return req
	}
	cloned := *req
	cloned.Model = dashscopego.DefaultChatModel
	return &cloned
}

func (c *Client) completionsPath(req *dashscopeapi.ChatCompletionRequest) string {
	if req.MultiModel {
		return dashscopego.MultimodalCompletionsPath
	}
	return c.cfg.CompletionsPath
}

func (c *Client) post(ctx context.Context, path string, payload any, header http.Header, stream bool) (*http.Response, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dashscope request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to build dashscope request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("X-DashScope-SSE", "enable")
	}
	if c.cfg.WorkspaceID != "" {
		req.Header.Set("X-DashScope-WorkSpace", c.cfg.WorkspaceID)
	}
	copyHeader(req.Header, c.cfg.Headers)
	copyHeader(req.Header, header)
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("dashscope request", zap.String("path", path), zap.Bool("stream", stream))
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		apiErr := readAPIError(resp)
		c.logger.Warn("dashscope request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("request_id", apiErr.RequestID))
		return nil, apiErr
	}
	return resp, nil
}

func readAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed dashscopeapi.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Code != "" || parsed.Message != "") {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		apiErr.RequestID = parsed.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// decodeJSONBody 解码同步响应；200 响应体中携带 code 的情况同样视为错误。
func decodeJSONBody(r io.Reader, out any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var apiErr dashscopeapi.ErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		var output struct {
			Output json.RawMessage `json:"output"`
		}
		_ = json.Unmarshal(body, &output)
		if len(output.Output) == 0 || string(output.Output) == "null" {
			return &APIError{Code: apiErr.Code, Message: apiErr.Message, RequestID: apiErr.RequestID}
		}
	}
	return json.Unmarshal(body, out)
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		if len(values) == 0 {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
