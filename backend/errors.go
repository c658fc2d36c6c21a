package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMalformedPayload SSE 事件的 data 无法解码为 chunk。
	ErrMalformedPayload = errors.New("malformed stream payload")
	// ErrIdleTimeout 在 IdleTimeout 内没有收到任何 SSE 事件。
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrInvalidRequest 请求在发送前校验失败。
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError DashScope 返回的错误，来自非 2xx 响应或流中的 event:error。
// 流中的错误 StatusCode 为 0。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("dashscope error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RequestID != "" {
		b.WriteString(" [request_id=")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	return b.String()
}

// HTTPStatus 返回转发给下游时应使用的状态码。
func (e *APIError) HTTPStatus() int {
	if e.StatusCode >= http.StatusBadRequest {
		return e.StatusCode
	}
	return http.StatusBadGateway
}
