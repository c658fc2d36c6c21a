package backend

import (
	"errors"
	"strings"
)

// NormalizeThinking 把外部传入的思考开关映射为 enable_thinking：
// 空值与 undefined/null 占位值返回 nil（不发送），off/false/none/0 返回 false，其余返回 true。
func NormalizeThinking(s string) *bool {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "", "undefined", "[undefined]", "null", "[null]":
		return nil
	case "off", "false", "none", "disable", "disabled", "0":
		v := false
		return &v
	default:
		v := true
		return &v
	}
}

// IsUnsupportedThinkingError 判断是否是模型不接受 enable_thinking=true 的错误
// （例如 qwen3 系列在非流式调用时要求关闭思考）。
func IsUnsupportedThinkingError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	if !strings.Contains(msg, "enable_thinking") {
		return false
	}
	return strings.Contains(msg, "must be set to false") || strings.Contains(msg, "not support")
}
