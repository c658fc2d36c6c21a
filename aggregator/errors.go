package aggregator

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteToolCall 流在工具调用窗口未关闭时结束。
	ErrIncompleteToolCall = errors.New("incomplete tool call")
	// ErrProtocolViolation 上游发送了不符合工具调用协议的分片。
	ErrProtocolViolation = errors.New("tool call protocol violation")
)

// TransportError 在没有打开的窗口时，底层流返回了错误。
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e == nil || e.Err == nil {
		return "stream transport error"
	}
	return "stream transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IncompleteToolCallError 窗口未关闭时流已结束，缓冲的 chunk 被丢弃。
// Err 为导致结束的原因，正常 EOF 时为 io.ErrUnexpectedEOF。
type IncompleteToolCallError struct {
	// Pending 尚未关闭的工具调用 index。
	Pending []int
	// Buffered 被丢弃的 chunk 数量。
	Buffered int
	Err      error
}

func (e *IncompleteToolCallError) Error() string {
	msg := fmt.Sprintf("incomplete tool call: %d buffered chunk(s) discarded, pending tool index %v", e.Buffered, e.Pending)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncompleteToolCallError) Is(target error) bool {
	return target == ErrIncompleteToolCall
}

func (e *IncompleteToolCallError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError 分片引用了本窗口内未开启的工具调用，或在工具调用之外出现续接分片。
type ProtocolViolationError struct {
	ChoiceIndex int
	ToolIndex   int
	Reason      string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("tool call protocol violation (choice %d, tool index %d): %s", e.ChoiceIndex, e.ToolIndex, e.Reason)
}

func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}
