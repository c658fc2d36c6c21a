package backend

import "github.com/LubyRuffy/dashscopego/dashscopeapi"

// ToolCall 一次完整的工具调用，流式时在所属窗口归并完成后回调给上层。
type ToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Status    string
}

const ToolCallStatusCompleted = "completed"

func toolCallsFromFragments(fragments []dashscopeapi.ToolCallFragment) []*ToolCall {
	if len(fragments) == 0 {
		return nil
	}
	out := make([]*ToolCall, 0, len(fragments))
	for _, f := range fragments {
		if f.ID == "" && f.Function.Name == "" {
			continue
		}
		out = append(out, &ToolCall{
			Index:     f.Index,
			ID:        f.ID,
			Name:      f.Function.Name,
			Arguments: f.Function.Arguments,
			Status:    ToolCallStatusCompleted,
		})
	}
	return out
}
