package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego/dashscopeapi"
)

// doneSentinel 是流结束标记，不会作为 chunk 返回。
const doneSentinel = "[DONE]"

// ChunkStream 把一个 SSE 响应体解码为 chunk 序列，实现 aggregator.Source。
//
// Recv 只能在单个 goroutine 中调用；Close 可在任意 goroutine 调用，会立即取消请求并关闭连接。
type ChunkStream struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	body   io.ReadCloser
	events *sseReader
	idle   *idleTimer
	now    func() time.Time
	logger *zap.Logger

	err         error
	received    int
	closed      atomic.Bool
	releaseOnce sync.Once
}

func newChunkStream(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, idle *idleTimer, now func() time.Time, logger *zap.Logger) *ChunkStream {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkStream{
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		events: newSSEReader(body),
		idle:   idle,
		now:    now,
		logger: logger,
	}
}

// Recv 返回下一个 chunk。收到 [DONE] 或响应体结束时返回 io.EOF。
// 解码失败、event:error、读取失败都会终止整个流，之后的调用返回同一个错误。
func (s *ChunkStream) Recv() (*dashscopeapi.ChatCompletionChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		event, err := s.events.next()
		if err != nil {
			return nil, s.fail(s.readError(err))
		}
		s.idle.reset()

		data := strings.TrimSpace(event.Data)
		if event.Type == "error" {
			return nil, s.fail(decodeStreamError(data))
		}
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return nil, s.fail(io.EOF)
		}

		chunk, err := s.decode(data)
		if err != nil {
			return nil, s.fail(err)
		}
		s.received++
		return chunk, nil
	}
}

// Close 取消请求并关闭响应体，可重复调用。
func (s *ChunkStream) Close() error {
	s.closed.Store(true)
	s.release(context.Canceled)
	return nil
}

// streamPayload 同时容纳正常 chunk 与 {"code": ..., "message": ...} 形式的错误负载。
type streamPayload struct {
	dashscopeapi.ChatCompletionChunk
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *ChunkStream) decode(data string) (*dashscopeapi.ChatCompletionChunk, error) {
	var payload streamPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Code != "" && len(payload.Output.Choices) == 0 {
		return nil, &APIError{Code: payload.Code, Message: payload.Message, RequestID: payload.ID}
	}
	chunk := payload.ChatCompletionChunk
	if chunk.Created == 0 {
		chunk.Created = s.now().Unix()
	}
	return &chunk, nil
}

func decodeStreamError(data string) error {
	var resp dashscopeapi.ErrorResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil || (resp.Code == "" && resp.Message == "") {
		return &APIError{Code: "StreamError", Message: data}
	}
	return &APIError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
}

func (s *ChunkStream) readError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if s.closed.Load() {
		return io.EOF
	}
	if cause := context.Cause(s.ctx); cause != nil {
		if errors.Is(cause, ErrIdleTimeout) {
			return ErrIdleTimeout
		}
		return cause
	}
	return fmt.Errorf("read dashscope stream: %w", err)
}

func (s *ChunkStream) fail(err error) error {
	s.err = err
	if errors.Is(err, io.EOF) {
		s.logger.Debug("dashscope stream finished", zap.Int("chunks", s.received))
	} else {
		s.logger.Warn("dashscope stream failed", zap.Int("chunks", s.received), zap.Error(err))
	}
	s.release(context.Canceled)
	return err
}

func (s *ChunkStream) release(cause error) {
	s.releaseOnce.Do(func() {
		s.idle.stop()
		if s.cancel != nil {
			s.cancel(cause)
		}
		if s.body != nil {
			_ = s.body.Close()
		}
	})
}
