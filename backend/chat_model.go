package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/aggregator"
	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

var _ einoModel.ToolCallingChatModel = (*ChatModel)(nil)

type ChatModelConfig struct {
	Model string
	// Client 非空时直接复用，忽略下面的连接配置。
	Client *Client

	BaseURL     string
	APIKey      string
	WorkspaceID string
	HTTPClient  *http.Client
	// IdleTimeout 为 0 时使用 dashscopego.DefaultIdleTimeout，<0 表示不限制。
	IdleTimeout time.Duration
	Logger      *zap.Logger

	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
	// Instructions 作为第一条 system 消息发送，与输入中的 system 消息合并。
	Instructions string
	// IncrementalOutput 为 nil 时流式请求默认开启增量输出。
	// 关闭后服务端每个 chunk 发送截至当前的完整文本，Stream 会把它还原为增量。
	IncrementalOutput *bool
	// EnableThinking 透传到 parameters.enable_thinking。
	EnableThinking *bool
	// MultiModel 强制走多模态接口；为 false 时按模型名判断。
	MultiModel bool
}

// ChatModel 是基于 DashScope 原生接口的 ToolCallingChatModel 实现。
// Stream 输出的每个工具调用都是完整的，不会出现 arguments 分片。
type ChatModel struct {
	config          ChatModelConfig
	client          *Client
	logger          *zap.Logger
	tools           []*schema.ToolInfo
	toolCallHandler func(*ToolCall)
}

func NewChatModel(config ChatModelConfig) (*ChatModel, error) {
	if strings.TrimSpace(config.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = dashscopego.DefaultIdleTimeout
	}
	client := config.Client
	if client == nil {
		var err error
		client, err = NewClient(Config{
			BaseURL:     config.BaseURL,
			APIKey:      config.APIKey,
			WorkspaceID: config.WorkspaceID,
			HTTPClient:  config.HTTPClient,
			IdleTimeout: config.IdleTimeout,
			Logger:      config.Logger,
		})
		if err != nil {
			return nil, err
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = client.logger
	}
	return &ChatModel{config: config, client: client, logger: logger}, nil
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	req, err := m.buildRequest(input, false, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.ChatCompletion(ctx, req, nil)
	if err != nil && thinkingEnabled(req) && IsUnsupportedThinkingError(err) {
		m.logger.Info("model rejected enable_thinking, retrying without it", zap.String("model", req.Model))
		disabled := false
		req.Parameters.EnableThinking = &disabled
		resp, err = m.client.ChatCompletion(ctx, req, nil)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Output.Choices) == 0 {
		return nil, fmt.Errorf("dashscope returned no choices (request_id=%s)", resp.ID)
	}

	choice := resp.Output.Choices[0]
	m.notifyToolCalls(choice.Message.ToolCalls)
	return buildMessage(dashscopeapi.TextOf(choice.Message.Content), dashscopeapi.TextOf(choice.Message.ReasoningContent), choice.Message.ToolCalls, choice.FinishReason, resp.Usage), nil
}

// Stream 返回的 StreamReader 被 Close 后，最迟在 closeCheckInterval 内断开上游连接；
// 取消 ctx 会立即断开。
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	req, err := m.buildRequest(input, true, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := m.client.ChatCompletionStream(ctx, req, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](64)
	go m.pump(ctx, cancel, stream, sw)
	return schema.StreamReaderWithConvert(sr, dropHeartbeat), nil
}

// closeCheckInterval 上游没有数据时，检查下游是否已关闭 StreamReader 的间隔。
const closeCheckInterval = 200 * time.Millisecond

// streamHeartbeat 只用于探测下游是否已关闭，dropHeartbeat 会把它过滤掉。
var streamHeartbeat = &schema.Message{}

func dropHeartbeat(msg *schema.Message) (*schema.Message, error) {
	if msg == streamHeartbeat {
		return nil, schema.ErrNoValue
	}
	return msg, nil
}

type recvResult struct {
	chunk *dashscopeapi.ChatCompletionChunk
	err   error
}

// pump 把归并后的 chunk 写入 sw。pipe 的关闭只能通过 Send 感知，
// 上游停顿时定期发送 streamHeartbeat，发现下游关闭后取消 ctx 释放连接。
func (m *ChatModel) pump(ctx context.Context, cancel context.CancelFunc, stream *aggregator.Stream, sw *schema.StreamWriter[*schema.Message]) {
	defer sw.Close()
	defer cancel()
	defer stream.Close()

	results := make(chan recvResult)
	go func() {
		for {
			chunk, err := stream.Recv()
			select {
			case results <- recvResult{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(closeCheckInterval)
	defer ticker.Stop()

	tracker := &deltaTracker{incremental: stream.IncrementalOutput()}
	for {
		select {
		case <-ctx.Done():
			sw.Send(nil, ctx.Err())
			return
		case <-ticker.C:
			if closed := sw.Send(streamHeartbeat, nil); closed {
				m.logger.Debug("stream reader closed, releasing upstream")
				return
			}
		case res := <-results:
			if errors.Is(res.err, io.EOF) {
				return
			}
			if res.err != nil {
				sw.Send(nil, res.err)
				return
			}
			msg := tracker.message(res.chunk)
			if msg == nil {
				continue
			}
			if len(res.chunk.Output.Choices) > 0 {
				m.notifyToolCalls(res.chunk.Output.Choices[0].Message.ToolCalls)
			}
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
	}
}

func (m *ChatModel) WithTools(tools []*schema.ToolInfo) (einoModel.ToolCallingChatModel, error) {
	if _, err := ToolsFromSchema(tools); err != nil {
		return nil, err
	}
	cloned := *m
	cloned.tools = tools
	return &cloned, nil
}

// WithToolCallHandler 每个完整的工具调用回调一次（Generate 与 Stream 均生效）。
func (m *ChatModel) WithToolCallHandler(handler func(*ToolCall)) *ChatModel {
	cloned := *m
	cloned.toolCallHandler = handler
	return &cloned
}

func (m *ChatModel) notifyToolCalls(fragments []dashscopeapi.ToolCallFragment) {
	if m.toolCallHandler == nil {
		return
	}
	for _, call := range toolCallsFromFragments(fragments) {
		m.toolCallHandler(call)
	}
}

func (m *ChatModel) buildRequest(input []*schema.Message, stream bool, opts ...einoModel.Option) (*dashscopeapi.ChatCompletionRequest, error) {
	model := m.config.Model
	options := einoModel.GetCommonOptions(&einoModel.Options{
		Temperature: m.config.Temperature,
		TopP:        m.config.TopP,
		MaxTokens:   m.config.MaxTokens,
		Stop:        m.config.Stop,
		Model:       &model,
		Tools:       m.tools,
	}, opts...)
	if options.Model != nil && strings.TrimSpace(*options.Model) != "" {
		model = *options.Model
	}
	multiModel := m.config.MultiModel || dashscopego.IsMultimodalModelID(model)

	messages, err := buildMessages(m.config.Instructions, input, multiModel)
	if err != nil {
		return nil, err
	}
	tools, err := ToolsFromSchema(options.Tools)
	if err != nil {
		return nil, err
	}
	tools, enableSearch := SplitSearchTool(tools)

	params := &dashscopeapi.Parameters{
		ResultFormat:   dashscopeapi.ResultFormatMessage,
		Temperature:    options.Temperature,
		TopP:           options.TopP,
		MaxTokens:      options.MaxTokens,
		Stop:           options.Stop,
		Tools:          tools,
		EnableThinking: m.config.EnableThinking,
	}
	if enableSearch {
		params.EnableSearch = &enableSearch
	}
	if options.ToolChoice != nil && len(tools) > 0 {
		params.ToolChoice = toolChoice(*options.ToolChoice, tools)
	}
	if stream {
		incremental := true
		if m.config.IncrementalOutput != nil {
			incremental = *m.config.IncrementalOutput
		}
		params.IncrementalOutput = &incremental
	}

	return &dashscopeapi.ChatCompletionRequest{
		Model:      dashscopego.NormalizeModelID(model),
		Input:      dashscopeapi.ChatCompletionInput{Messages: messages},
		Parameters: params,
		Stream:     stream,
		MultiModel: multiModel,
	}, nil
}

func toolChoice(choice schema.ToolChoice, tools []dashscopeapi.Tool) any {
	switch choice {
	case schema.ToolChoiceForbidden:
		return "none"
	case schema.ToolChoiceForced:
		if len(tools) == 1 {
			return map[string]any{
				"type":     dashscopeapi.ToolTypeFunction,
				"function": map[string]string{"name": tools[0].Function.Name},
			}
		}
		return "auto"
	default:
		return "auto"
	}
}

func thinkingEnabled(req *dashscopeapi.ChatCompletionRequest) bool {
	return req.Parameters != nil && req.Parameters.EnableThinking != nil && *req.Parameters.EnableThinking
}

func buildMessages(instructions string, input []*schema.Message, multiModel bool) ([]dashscopeapi.Message, error) {
	instructions = strings.TrimSpace(instructions)
	messages := make([]dashscopeapi.Message, 0, len(input)+1)

	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if msg.Content == "" {
				continue
			}
			if instructions == "" {
				instructions = msg.Content
			} else {
				instructions = instructions + "\n\n" + msg.Content
			}
		case schema.Tool:
			callID := strings.TrimSpace(msg.ToolCallID)
			output := msg.Content
			if shouldSwapToolOutput(callID, output) {
				callID, output = strings.TrimSpace(output), msg.ToolCallID
			}
			if callID == "" {
				continue
			}
			messages = append(messages, dashscopeapi.Message{
				Role:       dashscopeapi.RoleTool,
				Content:    output,
				ToolCallID: callID,
				Name:       msg.ToolName,
			})
		default:
			content := resolveMessageContent(msg)
			fragments := toolCallFragments(msg.ToolCalls)
			if content == "" && len(fragments) == 0 {
				continue
			}
			out := dashscopeapi.Message{Role: string(msg.Role), Content: content, ToolCalls: fragments}
			if multiModel {
				out.Content = []map[string]string{{"text": content}}
			}
			messages = append(messages, out)
		}
	}

	if instructions != "" {
		system := dashscopeapi.Message{Role: dashscopeapi.RoleSystem, Content: instructions}
		if multiModel {
			system.Content = []map[string]string{{"text": instructions}}
		}
		messages = append([]dashscopeapi.Message{system}, messages...)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no valid messages to send")
	}
	return messages, nil
}

func toolCallFragments(calls []schema.ToolCall) []dashscopeapi.ToolCallFragment {
	if len(calls) == 0 {
		return nil
	}
	out := make([]dashscopeapi.ToolCallFragment, 0, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			continue
		}
		index := i
		if call.Index != nil {
			index = *call.Index
		}
		out = append(out, dashscopeapi.ToolCallFragment{
			Index: index,
			ID:    strings.TrimSpace(call.ID),
			Type:  dashscopeapi.ToolTypeFunction,
			Function: dashscopeapi.FunctionFragment{
				Name:      strings.TrimSpace(call.Function.Name),
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func resolveMessageContent(msg *schema.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.UserInputMultiContent) > 0 {
		var builder strings.Builder
		for _, part := range msg.UserInputMultiContent {
			if part.Type == schema.ChatMessagePartTypeText {
				builder.WriteString(part.Text)
			}
		}
		return builder.String()
	}
	return ""
}

func shouldSwapToolOutput(callID string, output string) bool {
	return !looksLikeCallID(callID) && looksLikeCallID(output)
}

func looksLikeCallID(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > 64 {
		return false
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return false
	}
	return strings.HasPrefix(trimmed, "call_")
}

// deltaTracker 把归并后的 chunk 转换为 eino 消息。
// 非增量模式下 content 是截至当前的完整文本，需要减去上一次的内容。
type deltaTracker struct {
	incremental bool
	content     string
	reasoning   string
}

func (t *deltaTracker) message(chunk *dashscopeapi.ChatCompletionChunk) *schema.Message {
	if chunk == nil {
		return nil
	}
	if len(chunk.Output.Choices) == 0 {
		if chunk.Usage == nil {
			return nil
		}
		return buildMessage("", "", nil, dashscopeapi.FinishReasonNone, chunk.Usage)
	}
	choice := chunk.Output.Choices[0]
	content := t.delta(choice.Message.Content, &t.content)
	reasoning := t.delta(choice.Message.ReasoningContent, &t.reasoning)
	if content == "" && reasoning == "" && len(choice.Message.ToolCalls) == 0 &&
		choice.FinishReason == dashscopeapi.FinishReasonNone && chunk.Usage == nil {
		return nil
	}
	return buildMessage(content, reasoning, choice.Message.ToolCalls, choice.FinishReason, chunk.Usage)
}

func (t *deltaTracker) delta(value *string, prev *string) string {
	current := dashscopeapi.TextOf(value)
	if t.incremental || value == nil {
		return current
	}
	delta := current
	if strings.HasPrefix(current, *prev) {
		delta = current[len(*prev):]
	}
	*prev = current
	return delta
}

func buildMessage(content, reasoning string, fragments []dashscopeapi.ToolCallFragment, finish dashscopeapi.FinishReason, usage *dashscopeapi.Usage) *schema.Message {
	msg := &schema.Message{
		Role:             schema.Assistant,
		Content:          content,
		ReasoningContent: reasoning,
	}
	for _, f := range fragments {
		index := f.Index
		toolType := f.Type
		if toolType == "" {
			toolType = dashscopeapi.ToolTypeFunction
		}
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			Index: &index,
			ID:    f.ID,
			Type:  toolType,
			Function: schema.FunctionCall{
				Name:      f.Function.Name,
				Arguments: f.Function.Arguments,
			},
		})
	}
	if finish != dashscopeapi.FinishReasonNone || usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{FinishReason: string(finish)}
		if usage != nil {
			total := usage.TotalTokens
			if total == 0 {
				total = usage.InputTokens + usage.OutputTokens
			}
			msg.ResponseMeta.Usage = &schema.TokenUsage{
				PromptTokens:     usage.InputTokens,
				CompletionTokens: usage.OutputTokens,
				TotalTokens:      total,
			}
		}
	}
	return msg
}
