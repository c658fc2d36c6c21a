package aggregator

import (
	"strings"

	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

// Chunk 是 aggregator 输入输出的 chunk 类型。
type Chunk = dashscopeapi.ChatCompletionChunk

// Merge 把一个窗口内的 chunk 按顺序归并为一个。
//
// 单个 chunk 的窗口原样返回。多个 chunk 时：
// request_id 与 created 一起取自第一个带 request_id 的 chunk（都没有时取第一个 chunk）；每个 choice 的 content 与 reasoning_content 按顺序拼接；
// 工具调用分片按 (choice, index) 聚合，id/type/name 取首个非空值，arguments 按顺序拼接；
// finish_reason 取该 choice 最后一次出现的值；usage 取最后一个非空值。
func Merge(window []*Chunk) *Chunk {
	switch len(window) {
	case 0:
		return nil
	case 1:
		return window[0]
	}
	m := newMerger()
	for _, chunk := range window {
		m.fold(chunk)
	}
	return m.result()
}

type merger struct {
	id         string
	created    int64
	identified bool
	seen       bool
	usage      *dashscopeapi.Usage
	choices    []*choiceAcc
	byIndex    map[int]*choiceAcc
}

type choiceAcc struct {
	index        int
	role         string
	content      strings.Builder
	hasContent   bool
	reasoning    strings.Builder
	hasReasoning bool
	finish       dashscopeapi.FinishReason
	tools        []*toolAcc
	toolByIndex  map[int]*toolAcc
}

type toolAcc struct {
	fragment  dashscopeapi.ToolCallFragment
	arguments strings.Builder
}

func newMerger() *merger {
	return &merger{byIndex: make(map[int]*choiceAcc)}
}

func (m *merger) fold(chunk *Chunk) {
	if chunk == nil {
		return
	}
	// request_id 与 created 总是来自同一个 chunk
	if !m.identified && (chunk.ID != "" || !m.seen) {
		m.id, m.created = chunk.ID, chunk.Created
		m.identified = chunk.ID != ""
	}
	m.seen = true
	if chunk.Usage != nil {
		usage := *chunk.Usage
		m.usage = &usage
	}
	for _, choice := range chunk.Output.Choices {
		m.choice(choice.Index).fold(choice)
	}
}

func (m *merger) choice(index int) *choiceAcc {
	if acc, ok := m.byIndex[index]; ok {
		return acc
	}
	acc := &choiceAcc{index: index, toolByIndex: make(map[int]*toolAcc)}
	m.byIndex[index] = acc
	m.choices = append(m.choices, acc)
	return acc
}

func (c *choiceAcc) fold(choice dashscopeapi.ChunkChoice) {
	delta := choice.Message
	if c.role == "" {
		c.role = delta.Role
	}
	if delta.Content != nil {
		c.hasContent = true
		c.content.WriteString(*delta.Content)
	}
	if delta.ReasoningContent != nil {
		c.hasReasoning = true
		c.reasoning.WriteString(*delta.ReasoningContent)
	}
	for _, fragment := range delta.ToolCalls {
		tool, ok := c.toolByIndex[fragment.Index]
		if !ok {
			tool = &toolAcc{fragment: dashscopeapi.ToolCallFragment{Index: fragment.Index}}
			c.toolByIndex[fragment.Index] = tool
			c.tools = append(c.tools, tool)
		}
		if tool.fragment.ID == "" {
			tool.fragment.ID = fragment.ID
		}
		if tool.fragment.Type == "" {
			tool.fragment.Type = fragment.Type
		}
		if tool.fragment.Function.Name == "" {
			tool.fragment.Function.Name = fragment.Function.Name
		}
		tool.arguments.WriteString(fragment.Function.Arguments)
	}
	c.finish = choice.FinishReason
}

func (m *merger) result() *Chunk {
	out := &Chunk{
		ID:      m.id,
		Created: m.created,
		Usage:   m.usage,
	}
	out.Output.Choices = make([]dashscopeapi.ChunkChoice, 0, len(m.choices))
	for _, acc := range m.choices {
		choice := dashscopeapi.ChunkChoice{
			Index:        acc.index,
			FinishReason: acc.finish,
		}
		choice.Message.Role = acc.role
		if acc.hasContent {
			choice.Message.Content = dashscopeapi.StringPtr(acc.content.String())
		}
		if acc.hasReasoning {
			choice.Message.ReasoningContent = dashscopeapi.StringPtr(acc.reasoning.String())
		}
		for _, tool := range acc.tools {
			fragment := tool.fragment
			fragment.Function.Arguments = tool.arguments.String()
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, fragment)
		}
		out.Output.Choices = append(out.Output.Choices, choice)
	}
	return out
}
