package dashscopego

import (
	"strings"
	"time"
)

const (
	// DefaultBaseURL 是 DashScope 服务的默认地址。
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultCompletionsPath 文本生成接口路径。
	DefaultCompletionsPath = "/api/v1/services/aigc/text-generation/generation"
	// MultimodalCompletionsPath 多模态生成接口路径（qwen-vl 等模型）。
	MultimodalCompletionsPath = "/api/v1/services/aigc/multimodal-generation/generation"
	// DefaultEmbeddingsPath 文本向量接口路径。
	DefaultEmbeddingsPath = "/api/v1/services/embeddings/text-embedding/text-embedding"
	// DefaultRerankPath 文本排序接口路径。
	DefaultRerankPath = "/api/v1/services/rerank/text-rerank/text-rerank"

	// DefaultChatModel 默认对话模型。
	DefaultChatModel = "qwen-plus"
	// DefaultEmbeddingModel 默认向量模型。
	DefaultEmbeddingModel = "text-embedding-v2"
	// DefaultRerankModel 默认排序模型。
	DefaultRerankModel = "gte-rerank"

	// ModelNamespace 是对外暴露的模型命名空间，/v1/models 输出的 ID 都带有该前缀。
	ModelNamespace = "dashscope/"

	// DefaultIdleTimeout 流式请求中两个 SSE 事件之间默认允许的最长间隔。
	DefaultIdleTimeout = 60 * time.Second
)

type PresetModel struct {
	ID         string
	Name       string
	Multimodal bool
}

// presetModels 第一个元素必须是 DefaultChatModel。
var presetModels = []PresetModel{
	{ID: DefaultChatModel, Name: "Qwen Plus"},
	{ID: "qwen-max", Name: "Qwen Max"},
	{ID: "qwen-turbo", Name: "Qwen Turbo"},
	{ID: "qwen-long", Name: "Qwen Long"},
	{ID: "qwen3-max", Name: "Qwen3 Max"},
	{ID: "qwen3-coder-plus", Name: "Qwen3 Coder Plus"},
	{ID: "qwq-plus", Name: "QwQ Plus"},
	{ID: "qwen-vl-plus", Name: "Qwen VL Plus", Multimodal: true},
	{ID: "qwen-vl-max", Name: "Qwen VL Max", Multimodal: true},
}

// PresetModels 返回内置的模型列表（用于 /v1/models 输出），默认模型排在第一位。
// 返回的 ID 带有 ModelNamespace。
func PresetModels() []PresetModel {
	out := make([]PresetModel, 0, len(presetModels))
	for _, m := range presetModels {
		m.ID = ModelNamespace + m.ID
		out = append(out, m)
	}
	return out
}

// NormalizeModelID 去掉 ModelNamespace 前缀，得到 DashScope 接口需要的模型名。
func NormalizeModelID(modelID string) string {
	return strings.TrimPrefix(strings.TrimSpace(modelID), ModelNamespace)
}

// IsSupportedModelID 判断是否为内置模型（支持带 namespace 的写法）。
func IsSupportedModelID(modelID string) bool {
	_, ok := lookupModel(modelID)
	return ok
}

// IsMultimodalModelID 判断模型是否需要走多模态接口。
// 未内置的模型按名称中是否含有 "-vl" 判断。
func IsMultimodalModelID(modelID string) bool {
	if m, ok := lookupModel(modelID); ok {
		return m.Multimodal
	}
	return strings.Contains(NormalizeModelID(modelID), "-vl")
}

func lookupModel(modelID string) (PresetModel, bool) {
	normalized := NormalizeModelID(modelID)
	if normalized == "" {
		return PresetModel{}, false
	}
	for _, m := range presetModels {
		if m.ID == normalized {
			return m, true
		}
	}
	return PresetModel{}, false
}
