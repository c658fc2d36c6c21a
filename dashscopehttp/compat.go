package dashscopehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/aggregator"
	"github.com/LubyRuffy/dashscopego/backend"
	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

// 流中断时 event:error 携带的错误码。
const (
	CodeIncompleteToolCall = "IncompleteToolCall"
	CodeProtocolViolation  = "ProtocolViolation"
	CodeTransportError     = "TransportError"
	CodeInternalError      = "InternalError"
)

const (
	modeSync   = "sync"
	modeStream = "stream"

	statusOK    = "ok"
	statusError = "error"
)

type httpError struct {
	Status  int
	Message string
	Err     error
}

func (e *httpError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *httpError) Unwrap() error { return e.Err }

type chatClient interface {
	ChatCompletion(ctx context.Context, req *dashscopeapi.ChatCompletionRequest, header http.Header) (*dashscopeapi.ChatCompletion, error)
	ChatCompletionStream(ctx context.Context, req *dashscopeapi.ChatCompletionRequest, header http.Header, opts ...aggregator.Option) (*aggregator.Stream, error)
}

type compatConfig struct {
	Now                func() time.Time
	WriteJSON          func(w http.ResponseWriter, data interface{})
	WriteError         func(w http.ResponseWriter, statusCode int, code, message, requestID string)
	NewClient          func(ctx context.Context) (chatClient, error)
	AllowUnknownModels bool
	Logger             *zap.Logger
	Metrics            *Metrics
}

type compatHandler struct {
	now                func() time.Time
	writeJSON          func(w http.ResponseWriter, data interface{})
	writeError         func(w http.ResponseWriter, statusCode int, code, message, requestID string)
	newClient          func(ctx context.Context) (chatClient, error)
	allowUnknownModels bool
	logger             *zap.Logger
	metrics            *Metrics
}

func newCompatHandler(cfg compatConfig) (*compatHandler, error) {
	if cfg.WriteJSON == nil {
		return nil, fmt.Errorf("WriteJSON is required")
	}
	if cfg.WriteError == nil {
		return nil, fmt.Errorf("WriteError is required")
	}
	if cfg.NewClient == nil {
		return nil, fmt.Errorf("NewClient is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &compatHandler{
		now:                cfg.Now,
		writeJSON:          cfg.WriteJSON,
		writeError:         cfg.WriteError,
		newClient:          cfg.NewClient,
		allowUnknownModels: cfg.AllowUnknownModels,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
	}, nil
}

func (h *compatHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", "")
		return
	}

	presetModels := dashscopego.PresetModels()
	modelsList := make([]Model, 0, len(presetModels))
	now := h.now().Unix()
	for _, m := range presetModels {
		modelsList = append(modelsList, Model{
			ID:      m.ID,
			Object:  "model",
			Created: now,
			OwnedBy: "dashscope",
			Name:    m.Name,
		})
	}

	h.writeJSON(w, ModelList{
		Object: "list",
		Data:   modelsList,
	})
}

func (h *compatHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", "")
		return
	}

	var req dashscopeapi.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "", "invalid request body", "")
		return
	}

	if strings.TrimSpace(req.Model) == "" {
		h.writeError(w, http.StatusBadRequest, "", "model is required", "")
		return
	}
	if !h.allowUnknownModels && !dashscopego.IsSupportedModelID(req.Model) {
		h.writeError(w, http.StatusBadRequest, "", "unsupported model", "")
		return
	}
	if len(req.Input.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "", "input.messages is required", "")
		return
	}

	req.Model = dashscopego.NormalizeModelID(req.Model)
	req.MultiModel = dashscopego.IsMultimodalModelID(req.Model)
	// 兼容只通过 X-DashScope-SSE 头开启流式的原生调用方式
	req.Stream = req.Stream || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-DashScope-SSE")), "enable")

	client, err := h.newClient(r.Context())
	if err != nil {
		h.writeError(w, httpStatusFromError(err), "", httpMessageFromError(err), "")
		return
	}

	header := forwardHeaders(r.Header)
	if req.Stream {
		h.handleStreamResponse(w, r, client, &req, header)
		return
	}

	resp, err := client.ChatCompletion(r.Context(), &req, header)
	if err != nil {
		h.metrics.observeRequest(modeSync, statusError)
		h.writeUpstreamError(w, err)
		return
	}
	h.metrics.observeRequest(modeSync, statusOK)
	h.writeJSON(w, resp)
}

func (h *compatHandler) handleStreamResponse(
	w http.ResponseWriter,
	r *http.Request,
	client chatClient,
	req *dashscopeapi.ChatCompletionRequest,
	header http.Header,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "", "streaming not supported", "")
		return
	}

	stream, err := client.ChatCompletionStream(r.Context(), req, header, aggregator.WithEmitObserver(h.metrics.ObserveEmit))
	if err != nil {
		h.metrics.observeRequest(modeStream, statusError)
		h.writeUpstreamError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With(zap.String("model", req.Model))
	seq := 0
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			code, kind := streamErrorCode(err)
			h.metrics.observeError(kind)
			h.metrics.observeRequest(modeStream, statusError)
			if kind == errorKindCanceled {
				logger.Debug("downstream canceled", zap.Error(err))
				return
			}
			logger.Warn("stream terminated", zap.String("code", code), zap.Error(err))
			writeErrorEvent(w, seq+1, code, err.Error())
			flusher.Flush()
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			logger.Error("marshal chunk", zap.Error(err))
			continue
		}
		seq++
		fmt.Fprintf(w, "id: %d\nevent: result\ndata: %s\n\n", seq, data)
		flusher.Flush()
	}

	stats := stream.Stats()
	logger.Debug("stream finished",
		zap.Int("chunks", stats.Chunks),
		zap.Int("emitted", stats.Emitted),
		zap.Int("windows", stats.Windows),
		zap.Int("max_window", stats.MaxWindow),
	)
	h.metrics.observeRequest(modeStream, statusOK)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeUpstreamError 处理响应头尚未写出时的上游错误。
func (h *compatHandler) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		h.writeError(w, apiErr.HTTPStatus(), apiErr.Code, apiErr.Message, apiErr.RequestID)
	case errors.Is(err, backend.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "", err.Error(), "")
	case errors.Is(err, backend.ErrIdleTimeout):
		h.writeError(w, http.StatusGatewayTimeout, CodeTransportError, err.Error(), "")
	default:
		h.writeError(w, http.StatusBadGateway, CodeTransportError, err.Error(), "")
	}
}

func writeErrorEvent(w io.Writer, id int, code, message string) {
	data, _ := json.Marshal(dashscopeapi.ErrorResponse{Code: code, Message: message})
	fmt.Fprintf(w, "id: %d\nevent: error\ndata: %s\n\n", id, data)
}

// streamErrorCode 把流的终止错误映射为下游错误码和指标类别。
func streamErrorCode(err error) (code, kind string) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, context.Canceled):
		return "", errorKindCanceled
	case errors.Is(err, aggregator.ErrIncompleteToolCall):
		return CodeIncompleteToolCall, errorKindIncompleteToolCall
	case errors.Is(err, aggregator.ErrProtocolViolation):
		return CodeProtocolViolation, errorKindProtocolViolation
	case errors.As(err, &apiErr):
		if apiErr.Code == "" {
			return CodeInternalError, errorKindUpstream
		}
		return apiErr.Code, errorKindUpstream
	default:
		return CodeTransportError, errorKindTransport
	}
}

// forwardHeaders 只透传 X-DashScope-* 头，其余（尤其是 Authorization）由服务端自行设置。
func forwardHeaders(src http.Header) http.Header {
	var out http.Header
	for k, values := range src {
		if !strings.HasPrefix(strings.ToLower(k), "x-dashscope-") {
			continue
		}
		if out == nil {
			out = make(http.Header)
		}
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}

func httpStatusFromError(err error) int {
	var he *httpError
	if errors.As(err, &he) && he.Status != 0 {
		return he.Status
	}
	return http.StatusInternalServerError
}

func httpMessageFromError(err error) string {
	var he *httpError
	if errors.As(err, &he) {
		if msg := strings.TrimSpace(he.Message); msg != "" {
			return msg
		}
	}
	return err.Error()
}
