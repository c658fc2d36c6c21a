// Package dashscopeapi 提供 DashScope 原生 HTTP 接口（text-generation / multimodal-generation /
// embeddings / rerank）的通用数据结构与辅助函数。
//
// 该包只关注协议层：请求/响应 JSON 结构、SSE chunk 结构、错误结构以及少量构建函数。
// 传输（HTTP/SSE）在 backend 包实现，流式 chunk 的合并在 aggregator 包实现。
//
// 示例：构造一个流式请求
//
//	req := dashscopeapi.NewStreamRequest("qwen-plus", []dashscopeapi.Message{
//		{Role: dashscopeapi.RoleUser, Content: "hello"},
//	}, true)
//	_ = json.NewEncoder(w).Encode(req)
package dashscopeapi
