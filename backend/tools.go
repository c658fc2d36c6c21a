package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

// SearchToolName 名为该值的 function tool 不会发送给模型，而是转换为 parameters.enable_search。
const SearchToolName = "web_search"

// ToolsFromSchema 把 eino ToolInfo 转换为 DashScope function tools（按名称去重）。
func ToolsFromSchema(tools []*schema.ToolInfo) ([]dashscopeapi.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]dashscopeapi.Tool, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, info := range tools {
		if info == nil {
			continue
		}
		name := strings.TrimSpace(info.Name)
		if name == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(name)]; ok {
			continue
		}
		seen[strings.ToLower(name)] = struct{}{}

		params, err := toolParameters(info)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		out = append(out, dashscopeapi.Tool{
			Type: dashscopeapi.ToolTypeFunction,
			Function: dashscopeapi.FunctionDefinition{
				Name:        name,
				Description: info.Desc,
				Parameters:  params,
			},
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func toolParameters(info *schema.ToolInfo) (map[string]any, error) {
	if info.ParamsOneOf == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	js, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build json schema: %w", err)
	}
	if js == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json schema: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to decode json schema: %w", err)
	}
	return params, nil
}

// SplitSearchTool 从 tools 中去掉联网搜索声明（type 或函数名为 web_search），
// 返回剩余的 function tools 以及是否需要开启 enable_search。
func SplitSearchTool(tools []dashscopeapi.Tool) ([]dashscopeapi.Tool, bool) {
	if len(tools) == 0 {
		return nil, false
	}
	enableSearch := false
	result := make([]dashscopeapi.Tool, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		toolType := strings.ToLower(strings.TrimSpace(tool.Type))
		name := strings.TrimSpace(tool.Function.Name)
		if toolType == SearchToolName || (toolType == dashscopeapi.ToolTypeFunction && strings.EqualFold(name, SearchToolName)) {
			enableSearch = true
			continue
		}
		if toolType != dashscopeapi.ToolTypeFunction || name == "" {
			continue
		}
		normalized := strings.ToLower(name)
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, tool)
	}
	if len(result) == 0 {
		return nil, enableSearch
	}
	return result, enableSearch
}
