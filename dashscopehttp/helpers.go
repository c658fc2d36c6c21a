package dashscopehttp

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeError 以 DashScope 错误格式返回，code 为空时按状态码推断。
func writeError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if code == "" {
		switch statusCode {
		case http.StatusBadRequest:
			code = "InvalidParameter"
		case http.StatusUnauthorized:
			code = "InvalidApiKey"
		case http.StatusNotFound:
			code = "NotFound"
		case http.StatusMethodNotAllowed:
			code = "MethodNotAllowed"
		case http.StatusServiceUnavailable:
			code = "ServiceUnavailable"
		default:
			code = "InternalError"
		}
	}
	_ = json.NewEncoder(w).Encode(dashscopeapi.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}

func normalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	if basePath == "" {
		return "/"
	}
	return basePath
}

func joinPath(basePath, suffix string) string {
	basePath = normalizeBasePath(basePath)
	if suffix == "" {
		return basePath
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	// path.Join 会清理重复的 /，并保证结果以 / 开头
	return path.Join(basePath, suffix)
}
