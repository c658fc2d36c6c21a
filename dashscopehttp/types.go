package dashscopehttp

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuthProvider 提供访问 DashScope 所需的认证信息。
// apiKey 用于 Authorization: Bearer <key>，workspaceID 用于 X-DashScope-WorkSpace（可为空）。
type AuthProvider func(ctx context.Context) (apiKey, workspaceID string, err error)

type Config struct {
	// BasePath 仅用于 Gin 注册路由时拼接路径，默认 "/v1"。
	BasePath string
	// BaseURL DashScope 服务地址，默认 dashscopego.DefaultBaseURL。
	BaseURL string
	// HTTPClient 可选，nil 时内部使用 &http.Client{}。
	HTTPClient *http.Client
	// AuthProvider 必填：通过回调注入 apiKey/workspaceID。
	AuthProvider AuthProvider
	// IdleTimeout 上游流两个事件之间的最长间隔，<=0 表示不限制。
	IdleTimeout time.Duration
	// AllowUnknownModels 为 true 时不校验模型是否在内置列表中。
	AllowUnknownModels bool
	// Logger 可选，nil 时不输出日志。
	Logger *zap.Logger
	// Metrics 可选，nil 时创建独立的 registry。
	Metrics *Metrics
	// MetricsPath Gin 注册 prometheus 端点的路径，默认 "/metrics"，"-" 表示不注册。
	MetricsPath string
}

// Model /v1/models 中的一项。
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Name    string `json:"name,omitempty"`
}

// ModelList /v1/models 响应。
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
