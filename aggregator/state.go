package aggregator

import (
	"errors"
	"fmt"
)

type state int

const (
	stateIdle state = iota
	stateInToolCall
)

func (s state) String() string {
	if s == stateInToolCall {
		return "in_tool_call"
	}
	return "idle"
}

type action int

const (
	// actionEmit 直接输出当前 chunk。
	actionEmit action = iota
	// actionOpen 以当前 chunk 开启新窗口。
	actionOpen
	// actionAppend 把当前 chunk 追加到窗口。
	actionAppend
	// actionClose 追加当前 chunk 后关闭窗口并输出归并结果。
	actionClose
)

var errContinueOutsideToolCall = errors.New("tool call fragment arrived outside of a tool call")

// transition 是窗口状态机，不做任何 I/O。
func transition(s state, k Kind) (state, action, error) {
	switch s {
	case stateIdle:
		switch k {
		case KindStandalone, KindToolCallClose, KindToolCallOpenClose:
			return stateIdle, actionEmit, nil
		case KindToolCallOpen:
			return stateInToolCall, actionOpen, nil
		case KindToolCallContinue:
			return s, actionEmit, errContinueOutsideToolCall
		}
	case stateInToolCall:
		switch k {
		case KindStandalone, KindToolCallOpen, KindToolCallContinue:
			return stateInToolCall, actionAppend, nil
		case KindToolCallClose, KindToolCallOpenClose:
			return stateIdle, actionClose, nil
		}
	}
	return s, actionEmit, fmt.Errorf("no transition from %s on %s", s, k)
}
