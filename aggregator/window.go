package aggregator

type toolKey struct {
	choice int
	index  int
}

// window 缓冲一次工具调用期间的 chunk，并记录窗口内已开启的工具调用。
type window struct {
	chunks []*Chunk
	opened map[toolKey]struct{}
	order  []toolKey
}

func newWindow() *window {
	return &window{}
}

// admit 校验 chunk 中的分片后把它加入窗口。
// 续接分片必须引用本窗口内已开启的 (choice, index)。
func (w *window) admit(chunk *Chunk) error {
	for _, choice := range chunk.Output.Choices {
		for _, fragment := range choice.Message.ToolCalls {
			key := toolKey{choice: choice.Index, index: fragment.Index}
			_, known := w.opened[key]
			if fragment.Opens() {
				if !known {
					if w.opened == nil {
						w.opened = make(map[toolKey]struct{})
					}
					w.opened[key] = struct{}{}
					w.order = append(w.order, key)
				}
				continue
			}
			if !known {
				return &ProtocolViolationError{
					ChoiceIndex: choice.Index,
					ToolIndex:   fragment.Index,
					Reason:      "fragment references a tool call that was not opened in this window",
				}
			}
		}
	}
	w.chunks = append(w.chunks, chunk)
	return nil
}

func (w *window) pending() []int {
	if w == nil {
		return nil
	}
	out := make([]int, 0, len(w.order))
	for _, key := range w.order {
		out = append(out, key.index)
	}
	return out
}

func (w *window) size() int {
	if w == nil {
		return 0
	}
	return len(w.chunks)
}
