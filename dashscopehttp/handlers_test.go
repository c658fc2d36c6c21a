package dashscopehttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/backend"
	"github.com/LubyRuffy/dashscopego/dashscopeapi"
	"github.com/LubyRuffy/dashscopego/dashscopehttp"
)

func staticAuth(ctx context.Context) (string, string, error) { return "sk-test", "ws-1", nil }

func newHandlers(t *testing.T, upstream *httptest.Server, metrics *dashscopehttp.Metrics) (http.HandlerFunc, http.HandlerFunc) {
	t.Helper()
	cfg := dashscopehttp.Config{
		AuthProvider: staticAuth,
		Metrics:      metrics,
	}
	if upstream != nil {
		cfg.BaseURL = upstream.URL
		cfg.HTTPClient = upstream.Client()
	}
	modelsHandler, chatHandler, err := dashscopehttp.Handlers(cfg)
	require.NoError(t, err)
	return modelsHandler, chatHandler
}

func postChat(t *testing.T, h http.HandlerFunc, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func writeUpstreamSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for i, ev := range events {
		_, _ = fmt.Fprintf(w, "id:%d\nevent:result\ndata:%s\n\n", i+1, ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type relayEvent struct {
	Type string
	Data string
}

// parseRelayEvents 解析转发端输出的 SSE 文本。
func parseRelayEvents(t *testing.T, body string) []relayEvent {
	t.Helper()
	var events []relayEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev relayEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, ev)
	}
	return events
}

func scrapeMetrics(t *testing.T, m *dashscopehttp.Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

const (
	textEvent  = `{"request_id":"r1","output":{"choices":[{"index":0,"message":{"role":"assistant","content":"Hi"},"finish_reason":"null"}]}}`
	openEvent  = `{"request_id":"r1","output":{"choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":"}}]},"finish_reason":"null"}]}}`
	argsEvent  = `{"request_id":"r1","output":{"choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]},"finish_reason":"null"}]}}`
	closeEvent = `{"request_id":"r1","output":{"choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"tool_calls"}]},"usage":{"input_tokens":5,"output_tokens":7}}`
)

func TestModels_OK(t *testing.T) {
	modelsHandler, _ := newHandlers(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	modelsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dashscopehttp.ModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, len(dashscopego.PresetModels()))

	ids := make(map[string]struct{}, len(resp.Data))
	for _, m := range resp.Data {
		ids[m.ID] = struct{}{}
	}
	for _, m := range dashscopego.PresetModels() {
		_, ok := ids[m.ID]
		require.True(t, ok, "missing model id: %s", m.ID)
	}
}

func TestModels_MethodNotAllowed(t *testing.T) {
	modelsHandler, _ := newHandlers(t, nil, nil)

	w := httptest.NewRecorder()
	modelsHandler(w, httptest.NewRequest(http.MethodPost, "/v1/models", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlers_RequiresAuthProvider(t *testing.T) {
	_, _, err := dashscopehttp.Handlers(dashscopehttp.Config{})
	require.Error(t, err)
}

func TestChatCompletions_BadRequests(t *testing.T) {
	_, chatHandler := newHandlers(t, nil, nil)

	cases := []struct {
		name    string
		body    string
		message string
	}{
		{name: "invalid json", body: "{", message: "invalid request body"},
		{name: "missing model", body: `{"input":{"messages":[{"role":"user","content":"hi"}]}}`, message: "model is required"},
		{name: "unsupported model", body: `{"model":"gpt-4","input":{"messages":[{"role":"user","content":"hi"}]}}`, message: "unsupported model"},
		{name: "no messages", body: `{"model":"qwen-plus","input":{"messages":[]}}`, message: "input.messages is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postChat(t, chatHandler, tc.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp dashscopeapi.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Equal(t, "InvalidParameter", resp.Code)
			require.Equal(t, tc.message, resp.Message)
		})
	}
}

func TestChatCompletions_AuthUnavailable(t *testing.T) {
	_, chatHandler, err := dashscopehttp.Handlers(dashscopehttp.Config{
		AuthProvider: func(ctx context.Context) (string, string, error) {
			return "", "", errors.New("no key")
		},
	})
	require.NoError(t, err)

	w := postChat(t, chatHandler, `{"model":"qwen-plus","input":{"messages":[{"role":"user","content":"hi"}]}}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp dashscopeapi.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "auth not available", resp.Message)
}

func TestChatCompletions_Sync_OK(t *testing.T) {
	var gotAuth, gotWorkspace, gotInspection, gotPath string
	var gotReq dashscopeapi.ChatCompletionRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotWorkspace = r.Header.Get("X-DashScope-WorkSpace")
		gotInspection = r.Header.Get("X-DashScope-DataInspection")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"request_id":"r9","output":{"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]},"usage":{"input_tokens":1,"output_tokens":2}}`)
	}))
	defer upstream.Close()

	metrics := dashscopehttp.NewMetrics()
	_, chatHandler := newHandlers(t, upstream, metrics)

	header := http.Header{}
	header.Set("X-DashScope-DataInspection", "enable")
	header.Set("Authorization", "Bearer downstream")
	w := postChat(t, chatHandler, `{"model":"dashscope/qwen-plus","input":{"messages":[{"role":"user","content":"hi"}]}}`, header)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, dashscopego.DefaultCompletionsPath, gotPath)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "ws-1", gotWorkspace)
	require.Equal(t, "enable", gotInspection)
	require.Equal(t, "qwen-plus", gotReq.Model)

	var resp dashscopeapi.ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "r9", resp.ID)
	require.Len(t, resp.Output.Choices, 1)
	require.Equal(t, "hello", dashscopeapi.TextOf(resp.Output.Choices[0].Message.Content))

	require.Contains(t, scrapeMetrics(t, metrics), `dashscopego_requests_total{mode="sync",status="ok"} 1`)
}

func TestChatCompletions_Sync_UpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"InvalidParameter","message":"bad input","request_id":"r2"}`)
	}))
	defer upstream.Close()

	_, chatHandler := newHandlers(t, upstream, nil)
	w := postChat(t, chatHandler, `{"model":"qwen-plus","input":{"messages":[{"role":"user","content":"hi"}]}}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp dashscopeapi.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "InvalidParameter", resp.Code)
	require.Equal(t, "bad input", resp.Message)
	require.Equal(t, "r2", resp.RequestID)
}

func TestChatCompletions_Stream_MergesToolCall(t *testing.T) {
	var gotSSE string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSSE = r.Header.Get("X-DashScope-SSE")
		writeUpstreamSSE(w, textEvent, openEvent, argsEvent, closeEvent)
	}))
	defer upstream.Close()

	metrics := dashscopehttp.NewMetrics()
	_, chatHandler := newHandlers(t, upstream, metrics)

	header := http.Header{}
	header.Set("X-DashScope-SSE", "enable")
	w := postChat(t, chatHandler, `{"model":"qwen-plus","input":{"messages":[{"role":"user","content":"weather?"}]},"parameters":{"result_format":"message","incremental_output":true}}`, header)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "enable", gotSSE)

	events := parseRelayEvents(t, w.Body.String())
	require.Len(t, events, 3)
	require.Equal(t, "result", events[0].Type)
	require.Equal(t, "result", events[1].Type)
	require.Equal(t, "[DONE]", events[2].Data)

	var text dashscopeapi.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &text))
	require.Equal(t, "Hi", text.Text())

	var merged dashscopeapi.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &merged))
	require.Len(t, merged.Output.Choices, 1)
	choice := merged.Output.Choices[0]
	require.Equal(t, dashscopeapi.FinishReasonToolCalls, choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	require.Equal(t, "call_1", choice.Message.ToolCalls[0].ID)
	require.Equal(t, "get_weather", choice.Message.ToolCalls[0].Function.Name)
	require.Equal(t, `{"city":"Paris"}`, choice.Message.ToolCalls[0].Function.Arguments)
	require.NotNil(t, merged.Usage)
	require.Equal(t, 7, merged.Usage.OutputTokens)

	scraped := scrapeMetrics(t, metrics)
	require.Contains(t, scraped, "dashscopego_stream_chunks_total 2")
	require.Contains(t, scraped, "dashscopego_stream_windows_total 1")
	require.Contains(t, scraped, "dashscopego_stream_window_size_count 2")
	require.Contains(t, scraped, `dashscopego_requests_total{mode="stream",status="ok"} 1`)
}

func TestChatCompletions_Stream_TruncatedToolCall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUpstreamSSE(w, textEvent, openEvent, argsEvent)
	}))
	defer upstream.Close()

	metrics := dashscopehttp.NewMetrics()
	_, chatHandler := newHandlers(t, upstream, metrics)

	w := postChat(t, chatHandler, `{"model":"qwen-plus","stream":true,"input":{"messages":[{"role":"user","content":"weather?"}]},"parameters":{"incremental_output":true}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseRelayEvents(t, w.Body.String())
	require.Len(t, events, 2)
	require.Equal(t, "result", events[0].Type)
	require.Equal(t, "error", events[1].Type)
	require.NotContains(t, w.Body.String(), "[DONE]")

	var resp dashscopeapi.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &resp))
	require.Equal(t, dashscopehttp.CodeIncompleteToolCall, resp.Code)

	scraped := scrapeMetrics(t, metrics)
	require.Contains(t, scraped, `dashscopego_stream_errors_total{kind="incomplete_tool_call"} 1`)
	require.Contains(t, scraped, `dashscopego_requests_total{mode="stream",status="error"} 1`)
}

func TestChatCompletions_Stream_ProtocolViolation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUpstreamSSE(w, argsEvent)
	}))
	defer upstream.Close()

	_, chatHandler := newHandlers(t, upstream, nil)
	w := postChat(t, chatHandler, `{"model":"qwen-plus","stream":true,"input":{"messages":[{"role":"user","content":"hi"}]}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseRelayEvents(t, w.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, "error", events[0].Type)

	var resp dashscopeapi.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &resp))
	require.Equal(t, dashscopehttp.CodeProtocolViolation, resp.Code)
}

func TestChatCompletions_Stream_UpstreamRejects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"InvalidApiKey","message":"Invalid API-key provided."}`)
	}))
	defer upstream.Close()

	_, chatHandler := newHandlers(t, upstream, nil)
	w := postChat(t, chatHandler, `{"model":"qwen-plus","stream":true,"input":{"messages":[{"role":"user","content":"hi"}]}}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp dashscopeapi.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "InvalidApiKey", resp.Code)
}

// 转发端输出的是 DashScope 原生格式，backend.Client 可以直接作为下游消费。
func TestChatCompletions_Stream_ConsumedByClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUpstreamSSE(w, openEvent, argsEvent)
	}))
	defer upstream.Close()

	_, chatHandler := newHandlers(t, upstream, nil)
	relay := httptest.NewServer(chatHandler)
	defer relay.Close()

	client, err := backend.NewClient(backend.Config{
		BaseURL:         relay.URL,
		APIKey:          "sk-downstream",
		CompletionsPath: "/",
		HTTPClient:      relay.Client(),
	})
	require.NoError(t, err)

	req := dashscopeapi.NewStreamRequest("qwen-plus", []dashscopeapi.Message{
		{Role: dashscopeapi.RoleUser, Content: "weather?"},
	}, true)
	stream, err := client.ChatCompletionStream(context.Background(), req, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr), "unexpected error: %v", err)
	require.Equal(t, dashscopehttp.CodeIncompleteToolCall, apiErr.Code)
}

func TestChatCompletions_MethodNotAllowed(t *testing.T) {
	_, chatHandler := newHandlers(t, nil, nil)

	w := httptest.NewRecorder()
	chatHandler(w, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", bytes.NewReader(nil)))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
