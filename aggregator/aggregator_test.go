package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

type sliceSource struct {
	mu     sync.Mutex
	chunks []*Chunk
	// err 在 chunks 读完后返回，nil 表示 io.EOF。
	err    error
	closed int
}

func (s *sliceSource) Recv() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func textChunk(id, text string) *Chunk {
	return &Chunk{
		ID:      id,
		Created: 1700000000,
		Output: dashscopeapi.ChunkOutput{Choices: []dashscopeapi.ChunkChoice{{
			Message: dashscopeapi.Delta{Role: dashscopeapi.RoleAssistant, Content: dashscopeapi.StringPtr(text)},
		}}},
	}
}

func toolChunk(id string, finish dashscopeapi.FinishReason, fragments ...dashscopeapi.ToolCallFragment) *Chunk {
	return &Chunk{
		ID: id,
		Output: dashscopeapi.ChunkOutput{Choices: []dashscopeapi.ChunkChoice{{
			Message:      dashscopeapi.Delta{ToolCalls: fragments},
			FinishReason: finish,
		}}},
	}
}

func openFragment(index int, id, name, args string) dashscopeapi.ToolCallFragment {
	return dashscopeapi.ToolCallFragment{
		Index:    index,
		ID:       id,
		Type:     dashscopeapi.ToolTypeFunction,
		Function: dashscopeapi.FunctionFragment{Name: name, Arguments: args},
	}
}

func argsFragment(index int, args string) dashscopeapi.ToolCallFragment {
	return dashscopeapi.ToolCallFragment{Index: index, Function: dashscopeapi.FunctionFragment{Arguments: args}}
}

func drain(t *testing.T, s *Stream) ([]*Chunk, error) {
	t.Helper()
	var out []*Chunk
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, chunk)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		chunk *Chunk
		want  Kind
	}{
		{name: "nil", chunk: nil, want: KindStandalone},
		{name: "text", chunk: textChunk("r", "hi"), want: KindStandalone},
		{name: "stop", chunk: func() *Chunk {
			c := textChunk("r", "")
			c.Output.Choices[0].FinishReason = dashscopeapi.FinishReasonStop
			return c
		}(), want: KindStandalone},
		{name: "open by name", chunk: toolChunk("r", "", openFragment(0, "", "f", "")), want: KindToolCallOpen},
		{name: "open by id", chunk: toolChunk("r", "", openFragment(0, "call_1", "", "")), want: KindToolCallOpen},
		{name: "continue", chunk: toolChunk("r", "", argsFragment(0, "{")), want: KindToolCallContinue},
		{name: "close with args", chunk: toolChunk("r", dashscopeapi.FinishReasonToolCalls, argsFragment(0, "}")), want: KindToolCallClose},
		{name: "close bare", chunk: toolChunk("r", dashscopeapi.FinishReasonToolCalls), want: KindToolCallClose},
		{name: "open and close", chunk: toolChunk("r", dashscopeapi.FinishReasonToolCalls, openFragment(0, "call_1", "f", "{}")), want: KindToolCallOpenClose},
		{name: "no choices", chunk: &Chunk{ID: "r"}, want: KindStandalone},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.chunk))
		})
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from    state
		kind    Kind
		to      state
		act     action
		wantErr bool
	}{
		{stateIdle, KindStandalone, stateIdle, actionEmit, false},
		{stateIdle, KindToolCallOpen, stateInToolCall, actionOpen, false},
		{stateIdle, KindToolCallOpenClose, stateIdle, actionEmit, false},
		{stateIdle, KindToolCallClose, stateIdle, actionEmit, false},
		{stateIdle, KindToolCallContinue, stateIdle, actionEmit, true},
		{stateInToolCall, KindStandalone, stateInToolCall, actionAppend, false},
		{stateInToolCall, KindToolCallOpen, stateInToolCall, actionAppend, false},
		{stateInToolCall, KindToolCallContinue, stateInToolCall, actionAppend, false},
		{stateInToolCall, KindToolCallClose, stateIdle, actionClose, false},
		{stateInToolCall, KindToolCallOpenClose, stateIdle, actionClose, false},
	}
	for _, tc := range cases {
		to, act, err := transition(tc.from, tc.kind)
		name := fmt.Sprintf("%s/%s", tc.from, tc.kind)
		if tc.wantErr {
			require.Error(t, err, name)
			continue
		}
		require.NoError(t, err, name)
		require.Equal(t, tc.to, to, name)
		require.Equal(t, tc.act, act, name)
	}
}

func TestStream_PassesTextThroughUnchanged(t *testing.T) {
	t.Parallel()

	c1 := textChunk("r1", "Hel")
	c2 := textChunk("r1", "lo")
	src := &sliceSource{chunks: []*Chunk{c1, c2}}
	s := New(src)

	out, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Same(t, c1, out[0])
	require.Same(t, c2, out[1])
	require.Equal(t, "Hel", out[0].Text())
	require.Equal(t, "lo", out[1].Text())
	require.Equal(t, Stats{Chunks: 2, Emitted: 2}, s.Stats())
	require.Equal(t, 1, src.closed)
}

func TestStream_MergesSplitToolCall(t *testing.T) {
	t.Parallel()

	src := &sliceSource{chunks: []*Chunk{
		toolChunk("r1", "", openFragment(0, "call_1", "f", `{"a":`)),
		toolChunk("r2", dashscopeapi.FinishReasonToolCalls, argsFragment(0, `1}`)),
	}}
	out, err := drain(t, New(src))
	require.NoError(t, err)
	require.Len(t, out, 1)

	merged := out[0]
	require.Equal(t, "r1", merged.ID)
	require.Len(t, merged.Output.Choices, 1)
	choice := merged.Output.Choices[0]
	require.Equal(t, dashscopeapi.FinishReasonToolCalls, choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	call := choice.Message.ToolCalls[0]
	require.Equal(t, 0, call.Index)
	require.Equal(t, "call_1", call.ID)
	require.Equal(t, "f", call.Function.Name)
	require.Equal(t, `{"a":1}`, call.Function.Arguments)
}

func TestStream_MergesManyFragments(t *testing.T) {
	t.Parallel()

	parts := []string{`{"city"`, `:`, `"hang`, `zhou"`, `,"days":3`, `}`}
	chunks := []*Chunk{toolChunk("r1", "", openFragment(0, "call_w", "weather", parts[0]))}
	for _, part := range parts[1 : len(parts)-1] {
		chunks = append(chunks, toolChunk("r1", "", argsFragment(0, part)))
	}
	chunks = append(chunks, toolChunk("r1", dashscopeapi.FinishReasonToolCalls, argsFragment(0, parts[len(parts)-1])))

	var sizes []int
	s := New(&sliceSource{chunks: chunks}, WithEmitObserver(func(size int) { sizes = append(sizes, size) }))
	out, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, strings.Join(parts, ""), out[0].Output.Choices[0].Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, []int{len(parts)}, sizes)
	require.Equal(t, Stats{Chunks: len(parts), Emitted: 1, Windows: 1, MaxWindow: len(parts)}, s.Stats())
}

func TestStream_PreservesWindowOrder(t *testing.T) {
	t.Parallel()

	before := textChunk("r", "thinking")
	after := textChunk("r", "done")
	src := &sliceSource{chunks: []*Chunk{
		before,
		toolChunk("r", "", openFragment(0, "call_1", "f", `{"x"`)),
		textChunk("r", " "),
		toolChunk("r", "", argsFragment(0, `:1`)),
		toolChunk("r", dashscopeapi.FinishReasonToolCalls, argsFragment(0, `}`)),
		after,
	}}
	out, err := drain(t, New(src))
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Same(t, before, out[0])
	require.Equal(t, `{"x":1}`, out[1].Output.Choices[0].Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, " ", out[1].Text())
	require.Same(t, after, out[2])
}

func TestStream_OpenCloseChunkIsEmittedAsIs(t *testing.T) {
	t.Parallel()

	chunk := toolChunk("r", dashscopeapi.FinishReasonToolCalls, openFragment(0, "call_1", "f", `{}`))
	out, err := drain(t, New(&sliceSource{chunks: []*Chunk{chunk}}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Same(t, chunk, out[0])
}

func TestStream_BareCloseOutsideWindowIsStandalone(t *testing.T) {
	t.Parallel()

	chunk := toolChunk("r", dashscopeapi.FinishReasonToolCalls)
	out, err := drain(t, New(&sliceSource{chunks: []*Chunk{chunk}}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Same(t, chunk, out[0])
}

func TestStream_ParallelToolCallsInterleaved(t *testing.T) {
	t.Parallel()

	src := &sliceSource{chunks: []*Chunk{
		toolChunk("r", "", openFragment(0, "call_a", "a", `{"p":`)),
		toolChunk("r", "", openFragment(1, "call_b", "b", `{"q":`)),
		toolChunk("r", "", argsFragment(1, `2}`)),
		toolChunk("r", "", argsFragment(0, `1}`)),
		toolChunk("r", dashscopeapi.FinishReasonToolCalls),
	}}
	out, err := drain(t, New(src))
	require.NoError(t, err)
	require.Len(t, out, 1)

	calls := out[0].Output.Choices[0].Message.ToolCalls
	require.Len(t, calls, 2)
	require.Equal(t, "call_a", calls[0].ID)
	require.Equal(t, "a", calls[0].Function.Name)
	require.Equal(t, `{"p":1}`, calls[0].Function.Arguments)
	require.Equal(t, "call_b", calls[1].ID)
	require.Equal(t, "b", calls[1].Function.Name)
	require.Equal(t, `{"q":2}`, calls[1].Function.Arguments)
}

func TestStream_TruncatedToolCall(t *testing.T) {
	t.Parallel()

	src := &sliceSource{chunks: []*Chunk{
		toolChunk("r", "", openFragment(0, "call_1", "f", `{"a":`)),
		toolChunk("r", "", argsFragment(0, `1`)),
	}}
	s := New(src)
	chunk, err := s.Recv()
	require.Nil(t, chunk)
	require.ErrorIs(t, err, ErrIncompleteToolCall)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var incomplete *IncompleteToolCallError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []int{0}, incomplete.Pending)
	require.Equal(t, 2, incomplete.Buffered)
	require.Equal(t, 1, src.closed)

	// 错误是粘性的
	_, again := s.Recv()
	require.Same(t, err, again)
}

func TestStream_TransportErrorOutsideWindow(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	s := New(&sliceSource{chunks: []*Chunk{textChunk("r", "a")}, err: boom})

	chunk, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "a", chunk.Text())

	_, err = s.Recv()
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrIncompleteToolCall)
}

func TestStream_TimeoutInsideWindowIsIncomplete(t *testing.T) {
	t.Parallel()

	s := New(&sliceSource{
		chunks: []*Chunk{toolChunk("r", "", openFragment(0, "call_1", "f", `{`))},
		err:    context.DeadlineExceeded,
	})
	_, err := s.Recv()
	require.ErrorIs(t, err, ErrIncompleteToolCall)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var transport *TransportError
	require.False(t, errors.As(err, &transport))
}

func TestStream_CancellationDiscardsWindow(t *testing.T) {
	t.Parallel()

	s := New(&sliceSource{
		chunks: []*Chunk{toolChunk("r", "", openFragment(0, "call_1", "f", `{`))},
		err:    context.Canceled,
	})
	_, err := s.Recv()
	require.Equal(t, context.Canceled, err)
}

func TestStream_CloseStopsConsumption(t *testing.T) {
	t.Parallel()

	src := &sliceSource{chunks: []*Chunk{
		textChunk("r", "a"),
		toolChunk("r", "", openFragment(0, "call_1", "f", `{`)),
		toolChunk("r", dashscopeapi.FinishReasonToolCalls, argsFragment(0, `}`)),
	}}
	s := New(src)
	_, err := s.Recv()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, src.closed)

	chunk, err := s.Recv()
	require.Nil(t, chunk)
	require.ErrorIs(t, err, io.EOF)
}

func TestStream_ProtocolViolations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		chunks []*Chunk
	}{
		{
			name:   "continuation while idle",
			chunks: []*Chunk{toolChunk("r", "", argsFragment(0, `{`))},
		},
		{
			name:   "close for unopened index while idle",
			chunks: []*Chunk{toolChunk("r", dashscopeapi.FinishReasonToolCalls, argsFragment(0, `}`))},
		},
		{
			name: "fragment for unopened index in window",
			chunks: []*Chunk{
				toolChunk("r", "", openFragment(0, "call_1", "f", `{`)),
				toolChunk("r", "", argsFragment(1, `x`)),
			},
		},
		{
			name: "close references unopened index",
			chunks: []*Chunk{
				toolChunk("r", "", openFragment(0, "call_1", "f", `{`)),
				toolChunk("r", dashscopeapi.FinishReasonToolCalls, argsFragment(2, `}`)),
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &sliceSource{chunks: tc.chunks}
			out, err := drain(t, New(src))
			require.Empty(t, out)
			require.ErrorIs(t, err, ErrProtocolViolation)
			var violation *ProtocolViolationError
			require.ErrorAs(t, err, &violation)
			require.Equal(t, 1, src.closed)
		})
	}
}

func TestStream_IncrementalOutputFlag(t *testing.T) {
	t.Parallel()

	require.False(t, New(&sliceSource{}).IncrementalOutput())
	require.True(t, New(&sliceSource{}, WithIncrementalOutput(true)).IncrementalOutput())
}

func TestMerge_IdentityForSingleChunk(t *testing.T) {
	t.Parallel()

	chunk := textChunk("r", "only")
	require.Same(t, chunk, Merge([]*Chunk{chunk}))
	require.Nil(t, Merge(nil))
}

func TestMerge_MetadataAndContent(t *testing.T) {
	t.Parallel()

	first := toolChunk("", "", openFragment(0, "call_1", "f", `{`))
	second := textChunk("r-2", "hel")
	second.Created = 42
	second.Output.Choices[0].Message.ReasoningContent = dashscopeapi.StringPtr("think")
	third := toolChunk("r-3", dashscopeapi.FinishReasonToolCalls, argsFragment(0, `}`))
	third.Created = 99
	third.Output.Choices[0].Message.Content = dashscopeapi.StringPtr("lo")
	third.Output.Choices[0].Message.ReasoningContent = dashscopeapi.StringPtr("ing")
	third.Usage = &dashscopeapi.Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8}

	merged := Merge([]*Chunk{first, second, third})
	require.Equal(t, "r-2", merged.ID)
	require.Equal(t, int64(42), merged.Created)
	require.Equal(t, &dashscopeapi.Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8}, merged.Usage)

	choice := merged.Output.Choices[0]
	require.Equal(t, dashscopeapi.RoleAssistant, choice.Message.Role)
	require.Equal(t, "hello", dashscopeapi.TextOf(choice.Message.Content))
	require.Equal(t, "thinking", dashscopeapi.TextOf(choice.Message.ReasoningContent))
	require.Equal(t, dashscopeapi.FinishReasonToolCalls, choice.FinishReason)
	require.Equal(t, `{}`, choice.Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, dashscopeapi.ToolTypeFunction, choice.Message.ToolCalls[0].Type)

	// 输入 chunk 不被修改
	require.Equal(t, "lo", dashscopeapi.TextOf(third.Output.Choices[0].Message.Content))
	require.Equal(t, `{`, first.Output.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestMerge_IDAndCreatedFromSameChunk(t *testing.T) {
	t.Parallel()

	first := textChunk("", "a")
	first.Created = 100
	second := textChunk("r-2", "b")
	second.Created = 200

	merged := Merge([]*Chunk{first, second})
	require.Equal(t, "r-2", merged.ID)
	require.Equal(t, int64(200), merged.Created)

	third := textChunk("", "c")
	third.Created = 300
	merged = Merge([]*Chunk{first, third})
	require.Empty(t, merged.ID)
	require.Equal(t, int64(100), merged.Created)
}

func TestMerge_LastFinishReasonWins(t *testing.T) {
	t.Parallel()

	a := textChunk("r", "a")
	a.Output.Choices[0].FinishReason = dashscopeapi.FinishReasonLength
	b := textChunk("r", "b")

	merged := Merge([]*Chunk{a, b})
	require.Equal(t, dashscopeapi.FinishReasonNone, merged.Output.Choices[0].FinishReason)
	require.Equal(t, "ab", merged.Text())
}

func TestMerge_KeepsChoicesSeparate(t *testing.T) {
	t.Parallel()

	a := &Chunk{ID: "r", Output: dashscopeapi.ChunkOutput{Choices: []dashscopeapi.ChunkChoice{
		{Index: 0, Message: dashscopeapi.Delta{Content: dashscopeapi.StringPtr("x")}},
		{Index: 1, Message: dashscopeapi.Delta{Content: dashscopeapi.StringPtr("y")}},
	}}}
	b := &Chunk{ID: "r", Output: dashscopeapi.ChunkOutput{Choices: []dashscopeapi.ChunkChoice{
		{Index: 1, Message: dashscopeapi.Delta{Content: dashscopeapi.StringPtr("2")}},
		{Index: 0, Message: dashscopeapi.Delta{Content: dashscopeapi.StringPtr("1")}},
	}}}

	merged := Merge([]*Chunk{a, b})
	require.Len(t, merged.Output.Choices, 2)
	require.Equal(t, 0, merged.Output.Choices[0].Index)
	require.Equal(t, "x1", dashscopeapi.TextOf(merged.Output.Choices[0].Message.Content))
	require.Equal(t, 1, merged.Output.Choices[1].Index)
	require.Equal(t, "y2", dashscopeapi.TextOf(merged.Output.Choices[1].Message.Content))
}
