// Package aggregator 把 DashScope 流式响应中的 chunk 序列重新分组为语义完整的 chunk。
//
// 模型以增量方式输出工具调用：首个分片携带 id 与函数名，后续分片只携带一段 arguments，
// 直到某个 chunk 的 finish_reason 为 tool_calls。Stream 会把这一段分片收拢成一个窗口并归并为
// 单个 chunk 再交给调用方，普通文本 chunk 则原样逐个透传，调用方因此永远不会看到被撕裂的工具调用。
//
// 使用示例：
//
//	src, _ := client.RawChatCompletionStream(ctx, req, nil)
//	s := aggregator.New(src, aggregator.WithIncrementalOutput(req.IncrementalOutput()))
//	defer s.Close()
//	for {
//		chunk, err := s.Recv()
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		if err != nil {
//			return err // *TransportError / *IncompleteToolCallError / *ProtocolViolationError
//		}
//		handle(chunk)
//	}
package aggregator
