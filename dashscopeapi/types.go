package dashscopeapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ==================== 消息与工具 ====================

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	// ResultFormatMessage 让服务端按 choices[].message 的结构返回（工具调用必须使用该格式）。
	ResultFormatMessage = "message"

	// ToolTypeFunction 是目前唯一的工具类型。
	ToolTypeFunction = "function"
)

// Message 请求中的一条对话消息。
// Content 通常是 string；多模态接口下是 [{"text": ...}, {"image": ...}] 形式的数组。
type Message struct {
	Role       string             `json:"role"`
	Content    any                `json:"content"`
	Name       string             `json:"name,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallFragment `json:"tool_calls,omitempty"`
}

// FunctionDefinition 工具函数定义。
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool 工具声明。
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionFragment 工具调用中的函数部分。
// 流式场景下 Name 只出现在首个分片，Arguments 在每个分片中携带一段，需要按到达顺序拼接。
type FunctionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCallFragment 工具调用（流式时为分片）。
// Index 标识属于哪一个工具调用（并行工具调用时有多个），ID/Type 只出现在首个分片。
type ToolCallFragment struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionFragment `json:"function"`
}

// Opens 判断该分片是否是一个工具调用的起始分片。
func (f ToolCallFragment) Opens() bool {
	return f.ID != "" || f.Function.Name != ""
}

// ==================== 请求 ====================

// Parameters 生成参数。
type Parameters struct {
	ResultFormat      string   `json:"result_format,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	PresencePenalty   *float32 `json:"presence_penalty,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	EnableSearch      *bool    `json:"enable_search,omitempty"`
	EnableThinking    *bool    `json:"enable_thinking,omitempty"`
	// IncrementalOutput 为 true 时服务端每个 chunk 只发送增量；否则每个 chunk 是截至当前的完整快照。
	IncrementalOutput *bool  `json:"incremental_output,omitempty"`
	Tools             []Tool `json:"tools,omitempty"`
	ToolChoice        any    `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool  `json:"parallel_tool_calls,omitempty"`
}

// ChatCompletionInput 请求输入。
type ChatCompletionInput struct {
	Messages []Message `json:"messages"`
}

// ChatCompletionRequest DashScope 原生对话请求。
type ChatCompletionRequest struct {
	Model      string              `json:"model"`
	Input      ChatCompletionInput `json:"input"`
	Parameters *Parameters         `json:"parameters,omitempty"`
	Stream     bool                `json:"stream,omitempty"`
	// MultiModel 为 true 时请求走 multimodal-generation 端点，不参与序列化。
	MultiModel bool `json:"-"`
}

// IncrementalOutput 返回请求是否开启了增量输出。
func (r *ChatCompletionRequest) IncrementalOutput() bool {
	return r != nil && r.Parameters != nil && r.Parameters.IncrementalOutput != nil && *r.Parameters.IncrementalOutput
}

// NewStreamRequest 创建一个 result_format=message 的流式请求。
func NewStreamRequest(model string, messages []Message, incrementalOutput bool) *ChatCompletionRequest {
	incremental := incrementalOutput
	return &ChatCompletionRequest{
		Model:  model,
		Input:  ChatCompletionInput{Messages: messages},
		Stream: true,
		Parameters: &Parameters{
			ResultFormat:      ResultFormatMessage,
			IncrementalOutput: &incremental,
		},
	}
}

// ==================== 响应 ====================

// FinishReason 结束原因。空值表示尚未结束（服务端会发送 null 或字符串 "null"）。
type FinishReason string

const (
	FinishReasonNone          FinishReason = ""
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
)

func (f *FinishReason) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = FinishReasonNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid finish_reason: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "null" {
		s = ""
	}
	*f = FinishReason(s)
	return nil
}

func (f FinishReason) MarshalJSON() ([]byte, error) {
	if f == FinishReasonNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

// Delta 流式 chunk 中一个 choice 的增量内容；非流式响应中作为完整消息使用（见 ChoiceMessage）。
// Content 使用指针以区分空串与缺省。
type Delta struct {
	Role             string             `json:"role,omitempty"`
	Content          *string            `json:"content,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallFragment `json:"tool_calls,omitempty"`
}

// ChoiceMessage 非流式响应中的完整消息。
type ChoiceMessage = Delta

// UnmarshalJSON 兼容 content 为字符串与多模态 [{"text": ...}] 数组两种形式。
func (d *Delta) UnmarshalJSON(data []byte) error {
	type alias Delta
	var raw struct {
		alias
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Delta(raw.alias)
	d.Content = nil

	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return fmt.Errorf("invalid content: %w", err)
		}
		d.Content = &s
	case '[':
		var parts []struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(content, &parts); err != nil {
			return fmt.Errorf("invalid content parts: %w", err)
		}
		var builder strings.Builder
		hasText := false
		for _, part := range parts {
			if part.Text == nil {
				continue
			}
			hasText = true
			builder.WriteString(*part.Text)
		}
		if hasText {
			s := builder.String()
			d.Content = &s
		}
	default:
		return fmt.Errorf("unsupported content: %s", string(content))
	}
	return nil
}

// ChunkChoice 流式 chunk 中的一个 choice。
type ChunkChoice struct {
	Index        int          `json:"index"`
	Message      Delta        `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// ChunkOutput 流式 chunk 的 output。
type ChunkOutput struct {
	Choices []ChunkChoice `json:"choices"`
}

// Usage token 使用统计。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// ChatCompletionChunk 流式响应中解码出的一个 chunk。
// 上游不携带 created 时由传输层以解码时间补齐。
type ChatCompletionChunk struct {
	ID      string      `json:"request_id"`
	Created int64       `json:"created,omitempty"`
	Output  ChunkOutput `json:"output"`
	Usage   *Usage      `json:"usage,omitempty"`
}

// Text 返回第一个 choice 的文本内容（无内容时为空串）。
func (c *ChatCompletionChunk) Text() string {
	if c == nil || len(c.Output.Choices) == 0 {
		return ""
	}
	return TextOf(c.Output.Choices[0].Message.Content)
}

// Choice 非流式响应选项。
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason FinishReason  `json:"finish_reason"`
}

// ChatCompletionOutput 非流式响应的 output。
type ChatCompletionOutput struct {
	Choices []Choice `json:"choices"`
}

// ChatCompletion 非流式响应。
type ChatCompletion struct {
	ID     string               `json:"request_id"`
	Output ChatCompletionOutput `json:"output"`
	Usage  *Usage               `json:"usage,omitempty"`
}

// ErrorResponse DashScope 错误响应（HTTP 非 2xx 或 SSE event:error）。
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ==================== Embedding / Rerank ====================

// MaxEmbeddingTexts 单次 embedding 请求允许的最大文本数量。
const MaxEmbeddingTexts = 25

type EmbeddingInput struct {
	Texts []string `json:"texts"`
}

type EmbeddingParameters struct {
	TextType string `json:"text_type,omitempty"`
}

type EmbeddingRequest struct {
	Model      string               `json:"model"`
	Input      EmbeddingInput       `json:"input"`
	Parameters *EmbeddingParameters `json:"parameters,omitempty"`
}

type Embedding struct {
	TextIndex int       `json:"text_index"`
	Embedding []float64 `json:"embedding"`
}

type EmbeddingList struct {
	ID     string `json:"request_id"`
	Output struct {
		Embeddings []Embedding `json:"embeddings"`
	} `json:"output"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type RerankInput struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type RerankParameters struct {
	ReturnDocuments *bool `json:"return_documents,omitempty"`
	TopN            int   `json:"top_n,omitempty"`
}

type RerankRequest struct {
	Model      string            `json:"model"`
	Input      RerankInput       `json:"input"`
	Parameters *RerankParameters `json:"parameters,omitempty"`
}

type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       *struct {
		Text string `json:"text"`
	} `json:"document,omitempty"`
}

type RerankResponse struct {
	ID     string `json:"request_id"`
	Output struct {
		Results []RerankResult `json:"results"`
	} `json:"output"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// ==================== 辅助函数 ====================

// NewRequestID 生成本地请求 ID（用于上游未返回 request_id 的场景）。
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// TextOf 把可选文本转换为字符串，nil 视为空串。
func TextOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr 返回 s 的指针。
func StringPtr(s string) *string {
	return &s
}
