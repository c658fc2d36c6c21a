// Package dashscopehttp 提供 DashScope 原生协议的 HTTP 转发处理器。
//
// 流式请求经过 aggregator 归并后再转发，下游收到的每个 SSE 事件都是语义完整的 chunk，
// 工具调用不会被拆成多段 arguments。
//
// 该包对外只暴露：
// - net/http 形式的 handlers（models/chat.completions）
// - Gin 路由注册方法（额外注册 prometheus /metrics）
//
// 鉴权信息仅通过回调注入（AuthProvider），该包不会读取本地文件或环境变量。
//
// 使用示例：
//
//	// net/http
//	modelsH, chatH, _ := dashscopehttp.Handlers(dashscopehttp.Config{
//		AuthProvider: func(ctx context.Context) (string, string, error) {
//			return apiKey, workspaceID, nil
//		},
//	})
//	mux.HandleFunc("/v1/models", modelsH)
//	mux.HandleFunc("/v1/chat/completions", chatH)
//
//	// gin
//	_ = dashscopehttp.RegisterGinRoutes(r, dashscopehttp.Config{
//		BasePath:     "/v1",
//		AuthProvider: func(ctx context.Context) (string, string, error) { return apiKey, "", nil },
//	})
package dashscopehttp
