package backend

import (
	"context"
	"sync"
	"time"
)

// idleTimer 在连续 timeout 时间内没有 reset 时以 ErrIdleTimeout 取消请求。
type idleTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	stopped bool
}

// newIdleTimer timeout <= 0 时返回 nil，nil 上的方法均为空操作。
func newIdleTimer(timeout time.Duration, cancel context.CancelCauseFunc) *idleTimer {
	if timeout <= 0 {
		return nil
	}
	t := &idleTimer{timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		cancel(ErrIdleTimeout)
	})
	return t
}

func (t *idleTimer) reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Reset(t.timeout)
}

func (t *idleTimer) stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
