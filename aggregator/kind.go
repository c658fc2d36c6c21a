package aggregator

import "github.com/LubyRuffy/dashscopego/dashscopeapi"

// Kind 是 chunk 在工具调用协议中的角色，只由单个 chunk 的内容决定。
type Kind int

const (
	// KindStandalone 不含工具调用分片，也不结束工具调用。
	KindStandalone Kind = iota
	// KindToolCallOpen 含有携带 id 或函数名的分片，开启一次工具调用。
	KindToolCallOpen
	// KindToolCallContinue 只含 arguments 分片。
	KindToolCallContinue
	// KindToolCallClose finish_reason 为 tool_calls，且不含开启分片。
	KindToolCallClose
	// KindToolCallOpenClose 同一个 chunk 既开启又结束工具调用。
	KindToolCallOpenClose
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindToolCallOpen:
		return "tool_call_open"
	case KindToolCallContinue:
		return "tool_call_continue"
	case KindToolCallClose:
		return "tool_call_close"
	case KindToolCallOpenClose:
		return "tool_call_open_close"
	default:
		return "unknown"
	}
}

// Classify 判断 chunk 的角色。
func Classify(chunk *dashscopeapi.ChatCompletionChunk) Kind {
	if chunk == nil {
		return KindStandalone
	}
	opens := opensToolCall(chunk)
	closes := closesToolCall(chunk)
	switch {
	case opens && closes:
		return KindToolCallOpenClose
	case opens:
		return KindToolCallOpen
	case closes:
		return KindToolCallClose
	case hasToolCallFragments(chunk):
		return KindToolCallContinue
	default:
		return KindStandalone
	}
}

func opensToolCall(chunk *dashscopeapi.ChatCompletionChunk) bool {
	for _, choice := range chunk.Output.Choices {
		for _, fragment := range choice.Message.ToolCalls {
			if fragment.Opens() {
				return true
			}
		}
	}
	return false
}

func closesToolCall(chunk *dashscopeapi.ChatCompletionChunk) bool {
	for _, choice := range chunk.Output.Choices {
		if choice.FinishReason == dashscopeapi.FinishReasonToolCalls {
			return true
		}
	}
	return false
}

func hasToolCallFragments(chunk *dashscopeapi.ChatCompletionChunk) bool {
	for _, choice := range chunk.Output.Choices {
		if len(choice.Message.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
