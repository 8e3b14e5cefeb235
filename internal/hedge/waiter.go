package hedge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/betbot/hedgebot/internal/domain"
)

// ErrOutcomeTimeout 等待对冲结果超时
var ErrOutcomeTimeout = errors.New("hedge outcome wait timeout")

// OutcomeWaiter 发起腿等待对冲结果。
// 每个周期 Arm 一次，Deliver 只投递一次；不属于当前周期的结果被丢弃。
type OutcomeWaiter struct {
	mu      sync.Mutex
	orderID string
	ch      chan domain.HedgeOutcome
}

func NewOutcomeWaiter() *OutcomeWaiter {
	return &OutcomeWaiter{}
}

// Arm 为某笔成交准备单次通道，必须在发布成交事件之前调用
func (w *OutcomeWaiter) Arm(orderID string) <-chan domain.HedgeOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orderID = orderID
	w.ch = make(chan domain.HedgeOutcome, 1)
	return w.ch
}

// Disarm 放弃等待
func (w *OutcomeWaiter) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orderID = ""
	w.ch = nil
}

// Deliver 投递结果，返回是否被当前周期接收。不阻塞。
func (w *OutcomeWaiter) Deliver(o domain.HedgeOutcome) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		return false
	}
	if o.VenueOrderID != "" && w.orderID != "" && o.VenueOrderID != w.orderID {
		return false
	}
	w.ch <- o
	w.ch = nil
	w.orderID = ""
	return true
}

// Wait 在 timeout 内等待结果
func Wait(ctx context.Context, ch <-chan domain.HedgeOutcome, timeout time.Duration) (domain.HedgeOutcome, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case o := <-ch:
		return o, nil
	case <-t.C:
		return domain.HedgeOutcome{}, ErrOutcomeTimeout
	case <-ctx.Done():
		return domain.HedgeOutcome{}, ctx.Err()
	}
}
