package oms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/hedgebot/internal/domain"
)

// ErrNotConfirmed 在确认次数内没有看到订单终态
var ErrNotConfirmed = errors.New("order not confirmed")

func matches(v domain.VenueOrder, o *domain.Order) bool {
	if o.VenueOrderID != "" && v.OrderID == o.VenueOrderID {
		return true
	}
	return o.ClientIndex != 0 && v.ClientIndex == o.ClientIndex
}

// Lookup 先查挂单，不在挂单里再查已完成订单
func (m *Manager) Lookup(ctx context.Context, o *domain.Order) (domain.VenueOrder, bool, error) {
	ref := m.view(o)
	open, err := m.gw.QueryOpenOrders(ctx, m.market.Index)
	if err != nil {
		return domain.VenueOrder{}, false, fmt.Errorf("查询挂单失败: %w", err)
	}
	for _, v := range open {
		if matches(v, &ref) {
			return v, true, nil
		}
	}
	closed, err := m.gw.QueryClosedOrders(ctx, m.market.Index, m.cfg.ClosedLookupLimit)
	if err != nil {
		return domain.VenueOrder{}, false, fmt.Errorf("查询已完成订单失败: %w", err)
	}
	for _, v := range closed {
		if matches(v, &ref) {
			return v, true, nil
		}
	}
	return domain.VenueOrder{}, false, nil
}

// AwaitFill 轮询直到订单完全成交、被取消或超时。
// 部分成交后被取消时按已成交部分返回成交事件，调用方据此对冲实际数量。
func (m *Manager) AwaitFill(ctx context.Context, o *domain.Order, pollInterval time.Duration) (domain.FillEvent, error) {
	if o == nil {
		return domain.FillEvent{}, errors.New("order is nil")
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.FillTimeout)
	defer cancel()

	log.Infof("⏳ [成交] 开始轮询订单: client=%d order=%s timeout=%v", o.ClientIndex, m.view(o).VenueOrderID, m.cfg.FillTimeout)
	for {
		ev, done, err := m.pollOnce(waitCtx, o)
		if done {
			m.Release(o)
			return ev, err
		}
		if err := sleepCtx(waitCtx, pollInterval); err != nil {
			if ctx.Err() != nil {
				return domain.FillEvent{}, ctx.Err()
			}
			log.Warnf("[成交] 等待成交超时: client=%d order=%s", o.ClientIndex, m.view(o).VenueOrderID)
			return domain.FillEvent{}, ErrFillTimeout
		}
	}
}

// CheckOnce 单次查询并结算订单；推送丢失或撤单后用来确认最终成交
func (m *Manager) CheckOnce(ctx context.Context, o *domain.Order) (domain.FillEvent, bool, error) {
	ev, done, err := m.pollOnce(ctx, o)
	if done {
		m.pending.Forget(o)
		m.Release(o)
	}
	return ev, done, err
}

func (m *Manager) pollOnce(ctx context.Context, o *domain.Order) (domain.FillEvent, bool, error) {
	if err := m.EnsureAuth(ctx); err != nil {
		log.Errorf("[成交] 无法生成认证 token，跳过本次轮询: %v", err)
		return domain.FillEvent{}, false, nil
	}
	v, found, err := m.Lookup(ctx, o)
	if err != nil {
		log.Warnf("[成交] 查询订单失败: %v", err)
		return domain.FillEvent{}, false, nil
	}
	if !found {
		log.Debugf("[成交] 订单暂未出现在场所: client=%d", o.ClientIndex)
		return domain.FillEvent{}, false, nil
	}
	return m.resolve(o, v)
}

// resolve 把场所状态落到本地订单上，进入终态时返回 done=true
func (m *Manager) resolve(o *domain.Order, v domain.VenueOrder) (domain.FillEvent, bool, error) {
	if v.Status == domain.OrderStatusUnknown {
		log.Warnf("[成交] 场所返回未知状态，继续等待: order=%s", v.OrderID)
		return domain.FillEvent{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ApplyVenueState(v)

	switch {
	case v.Status == domain.OrderStatusFilled && (v.IsFullyFilled() || o.FilledSize.GreaterThanOrEqual(o.RequestedSize)):
		ev := domain.NewFillEvent(m.cfg.Leg, m.cfg.AccountIndex, o, m.now())
		log.Infof("✅ [成交] 订单完全成交: order=%s size=%s avg=%s", o.VenueOrderID, o.FilledSize, ev.AvgPrice)
		return ev, true, nil
	case v.Status == domain.OrderStatusCanceled && o.FilledSize.IsPositive():
		o.Status = domain.OrderStatusPartiallyFilled
		ev := domain.NewFillEvent(m.cfg.Leg, m.cfg.AccountIndex, o, m.now())
		log.Warnf("⚠️ [成交] 订单部分成交后被取消，按已成交部分处理: order=%s filled=%s/%s",
			o.VenueOrderID, o.FilledSize, o.RequestedSize)
		return ev, true, nil
	case v.Status == domain.OrderStatusCanceled:
		log.Warnf("[成交] 订单已取消: order=%s", o.VenueOrderID)
		return domain.FillEvent{}, true, ErrOrderCanceled
	default:
		log.Debugf("[成交] 订单状态: %s 成交 %s/%s", v.Status, v.FilledSize, v.InitialSize)
		return domain.FillEvent{}, false, nil
	}
}

// ConfirmFill 市价单确认：每隔 interval 查询一次，最多 attempts 次。
// 看到终态（成交或取消）时返回场所视图，否则返回 ErrNotConfirmed。
func (m *Manager) ConfirmFill(ctx context.Context, o *domain.Order, attempts int, interval time.Duration) (domain.VenueOrder, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err := sleepCtx(ctx, interval); err != nil {
			return domain.VenueOrder{}, err
		}
		if err := m.EnsureAuth(ctx); err != nil {
			log.Warnf("[确认] 认证失败，跳过本次确认 (%d/%d): %v", i, attempts, err)
			continue
		}
		v, found, err := m.Lookup(ctx, o)
		if err != nil {
			log.Warnf("[确认] 查询失败 (%d/%d): %v", i, attempts, err)
			continue
		}
		if !found {
			log.Debugf("[确认] 订单未出现 (%d/%d): client=%d", i, attempts, o.ClientIndex)
			continue
		}
		if v.Status == domain.OrderStatusFilled || v.Status == domain.OrderStatusCanceled {
			m.mu.Lock()
			o.ApplyVenueState(v)
			m.mu.Unlock()
			return v, nil
		}
		log.Debugf("[确认] 订单状态 %s (%d/%d)", v.Status, i, attempts)
	}
	return domain.VenueOrder{}, ErrNotConfirmed
}
