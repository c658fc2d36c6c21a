// Package dashscopego 提供 DashScope（阿里云百炼）对话补全服务的 Go 客户端与 HTTP 转发层。
//
// 流式调用时，模型会把一次工具调用拆成多个 SSE chunk 增量输出；本仓库在客户端把这些分片
// 重新归并为完整的 chunk，调用方不会看到被撕裂的工具调用。
//
// 该仓库主要包含以下能力：
//  1. dashscopeapi：DashScope 原生接口的请求/响应/chunk 结构
//  2. aggregator：流式 chunk 的工具调用窗口归并
//  3. backend：HTTP/SSE 客户端，以及可供 Eino/ADK 使用的 ToolCallingChatModel 实现
//  4. dashscopehttp：/v1/models、/v1/chat/completions handlers 与 gin 路由注册
package dashscopego
