package aggregator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Source 是 aggregator 的上游：按到达顺序返回已解码的 chunk，结束时返回 io.EOF。
type Source interface {
	Recv() (*Chunk, error)
	Close() error
}

// Stats 一次流的统计信息。
type Stats struct {
	// Chunks 从上游读取的 chunk 数量。
	Chunks int
	// Emitted 输出给调用方的 chunk 数量。
	Emitted int
	// Windows 已关闭并归并的工具调用窗口数量。
	Windows int
	// MaxWindow 最大窗口包含的 chunk 数量。
	MaxWindow int
}

// Option Stream 选项。
type Option func(*Stream)

// WithIncrementalOutput 记录请求是否开启了增量输出，供下游决定如何解释 content。
func WithIncrementalOutput(incremental bool) Option {
	return func(s *Stream) {
		s.incremental = incremental
	}
}

// WithEmitObserver 每输出一个 chunk 调用一次 fn，size 为该 chunk 由多少个上游 chunk 归并而来。
func WithEmitObserver(fn func(size int)) Option {
	return func(s *Stream) {
		s.observe = fn
	}
}

// Stream 对上游 chunk 序列做工具调用窗口归并的拉取式流。
//
// Recv 只能在单个 goroutine 中调用；Close 可以在任意 goroutine 调用，之后的 Recv 返回 io.EOF。
type Stream struct {
	src         Source
	incremental bool
	observe     func(size int)

	state  state
	window *window
	err    error
	stats  Stats

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New 创建 Stream。
func New(src Source, opts ...Option) *Stream {
	s := &Stream{src: src}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// IncrementalOutput 返回创建时记录的增量输出模式。
func (s *Stream) IncrementalOutput() bool {
	return s.incremental
}

// Stats 返回当前统计信息，需与 Recv 在同一 goroutine 调用。
func (s *Stream) Stats() Stats {
	return s.stats
}

// Recv 返回下一个语义完整的 chunk。
//
// 正常结束返回 io.EOF。窗口外的上游错误包装为 *TransportError；窗口内的上游错误或 EOF
// 返回 *IncompleteToolCallError；协议违规返回 *ProtocolViolationError；context.Canceled 原样返回。
// 出错后 Stream 不再可用，后续调用返回同一个错误。
func (s *Stream) Recv() (*Chunk, error) {
	if s.closed.Load() {
		s.discard()
		return nil, io.EOF
	}
	if s.err != nil {
		return nil, s.err
	}
	for {
		chunk, err := s.src.Recv()
		if s.closed.Load() {
			s.discard()
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.fail(s.terminal(err))
		}
		if chunk == nil {
			continue
		}
		s.stats.Chunks++

		out, err := s.step(chunk)
		if err != nil {
			return nil, s.fail(err)
		}
		if out != nil {
			s.stats.Emitted++
			return out, nil
		}
	}
}

// Close 释放上游并丢弃未关闭的窗口，可重复调用。
func (s *Stream) Close() error {
	s.closed.Store(true)
	return s.closeSource()
}

func (s *Stream) step(chunk *Chunk) (*Chunk, error) {
	next, act, err := transition(s.state, Classify(chunk))
	if err != nil {
		return nil, violationOf(chunk, err)
	}

	switch act {
	case actionEmit:
		if err := newWindow().admit(chunk); err != nil {
			return nil, err
		}
		s.state = next
		s.emitted(1)
		return chunk, nil
	case actionOpen:
		w := newWindow()
		if err := w.admit(chunk); err != nil {
			return nil, err
		}
		s.window = w
		s.state = next
		return nil, nil
	case actionAppend:
		if err := s.window.admit(chunk); err != nil {
			return nil, err
		}
		return nil, nil
	case actionClose:
		if err := s.window.admit(chunk); err != nil {
			return nil, err
		}
		size := s.window.size()
		merged := Merge(s.window.chunks)
		s.window = nil
		s.state = next
		s.stats.Windows++
		if size > s.stats.MaxWindow {
			s.stats.MaxWindow = size
		}
		s.emitted(size)
		return merged, nil
	}
	return nil, nil
}

func (s *Stream) emitted(size int) {
	if s.observe != nil {
		s.observe(size)
	}
}

// terminal 把上游错误映射为对外错误。
func (s *Stream) terminal(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if s.state == stateIdle {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return &TransportError{Err: err}
	}
	cause := err
	if errors.Is(err, io.EOF) {
		cause = io.ErrUnexpectedEOF
	}
	return &IncompleteToolCallError{
		Pending:  s.window.pending(),
		Buffered: s.window.size(),
		Err:      cause,
	}
}

func (s *Stream) fail(err error) error {
	s.err = err
	s.discard()
	_ = s.closeSource()
	return err
}

func (s *Stream) discard() {
	s.window = nil
	s.state = stateIdle
}

func (s *Stream) closeSource() error {
	s.closeOnce.Do(func() {
		if s.src != nil {
			s.closeErr = s.src.Close()
		}
	})
	return s.closeErr
}

func violationOf(chunk *Chunk, err error) error {
	for _, choice := range chunk.Output.Choices {
		for _, fragment := range choice.Message.ToolCalls {
			return &ProtocolViolationError{
				ChoiceIndex: choice.Index,
				ToolIndex:   fragment.Index,
				Reason:      err.Error(),
			}
		}
	}
	return &ProtocolViolationError{Reason: err.Error()}
}
