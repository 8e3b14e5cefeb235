package oms

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/domain"
)

// PendingMeta 推送模式下跟踪订单需要的最小信息
type PendingMeta struct {
	Side           domain.Side
	InitialSize    decimal.Decimal
	Price          decimal.Decimal
	IdempotencyKey string
}

// FeedResult 推送模式下订单的终态
type FeedResult struct {
	Fill domain.FillEvent
	Err  error
}

type pendingEntry struct {
	order *domain.Order
	meta  PendingMeta
	done  chan FeedResult // 容量 1，只写一次
	once  sync.Once
}

func (e *pendingEntry) resolve(r FeedResult) {
	e.once.Do(func() {
		e.done <- r
	})
}

// PendingOrders 按场所订单号（以及 client index）索引的待成交订单
type PendingOrders struct {
	mu       sync.Mutex
	byID     map[string]*pendingEntry
	byClient map[int64]*pendingEntry
}

func NewPendingOrders() *PendingOrders {
	return &PendingOrders{
		byID:     make(map[string]*pendingEntry),
		byClient: make(map[int64]*pendingEntry),
	}
}

func (p *PendingOrders) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byClient)
}

func (p *PendingOrders) add(o *domain.Order) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byClient[o.ClientIndex]; ok {
		return e
	}
	e := &pendingEntry{
		order: o,
		meta: PendingMeta{
			Side:           o.Side,
			InitialSize:    o.RequestedSize,
			IdempotencyKey: o.IdempotencyKey,
		},
		done: make(chan FeedResult, 1),
	}
	if o.RequestedPrice != nil {
		e.meta.Price = *o.RequestedPrice
	}
	p.byClient[o.ClientIndex] = e
	if o.VenueOrderID != "" {
		p.byID[o.VenueOrderID] = e
	}
	return e
}

func (p *PendingOrders) find(v domain.VenueOrder) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.OrderID != "" {
		if e, ok := p.byID[v.OrderID]; ok {
			return e
		}
	}
	if e, ok := p.byClient[v.ClientIndex]; ok {
		if v.OrderID != "" {
			p.byID[v.OrderID] = e
		}
		return e
	}
	return nil
}

func (p *PendingOrders) remove(e *pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byClient, e.order.ClientIndex)
	for id, x := range p.byID {
		if x == e {
			delete(p.byID, id)
		}
	}
}

// Forget 停止跟踪订单（撤单或超时后调用）
func (p *PendingOrders) Forget(o *domain.Order) {
	if o == nil {
		return
	}
	p.mu.Lock()
	e := p.byClient[o.ClientIndex]
	p.mu.Unlock()
	if e != nil {
		p.remove(e)
	}
}

// Meta 查询跟踪中的订单信息
func (p *PendingOrders) Meta(orderID string) (PendingMeta, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[orderID]
	if !ok {
		return PendingMeta{}, false
	}
	return e.meta, true
}

// Clear 清空所有跟踪，等待方收到 ErrOrderCanceled
func (p *PendingOrders) Clear() {
	p.mu.Lock()
	entries := make([]*pendingEntry, 0, len(p.byClient))
	for _, e := range p.byClient {
		entries = append(entries, e)
	}
	p.byClient = make(map[int64]*pendingEntry)
	p.byID = make(map[string]*pendingEntry)
	p.mu.Unlock()
	for _, e := range entries {
		e.resolve(FeedResult{Err: ErrOrderCanceled})
	}
}

// Track 推送模式：登记订单，之后由 OnFeedOrders 结算
func (m *Manager) Track(o *domain.Order) {
	if o == nil {
		return
	}
	m.pending.add(o)
}

// OnFeedOrders 处理推送的订单更新。只做内存操作，不阻塞。
// 未登记的订单（市价单或其他来源）直接忽略。返回结算的订单数。
func (m *Manager) OnFeedOrders(orders []domain.VenueOrder) int {
	resolved := 0
	for _, v := range orders {
		if v.MarketIndex != m.market.Index {
			continue
		}
		e := m.pending.find(v)
		if e == nil {
			log.Debugf("[推送] 忽略未跟踪的订单: order=%s client=%d", v.OrderID, v.ClientIndex)
			continue
		}
		ev, done, err := m.resolve(e.order, v)
		if !done {
			continue
		}
		m.pending.remove(e)
		e.resolve(FeedResult{Fill: ev, Err: err})
		resolved++
	}
	return resolved
}

// AwaitFeedFill 推送模式等待成交；超时后停止跟踪并返回 ErrFillTimeout
func (m *Manager) AwaitFeedFill(ctx context.Context, o *domain.Order) (domain.FillEvent, error) {
	e := m.pending.add(o)
	timer := time.NewTimer(m.cfg.FillTimeout)
	defer timer.Stop()

	select {
	case r := <-e.done:
		m.Release(o)
		return r.Fill, r.Err
	case <-timer.C:
		m.pending.remove(e)
		log.Warnf("[推送] 等待成交超时: client=%d order=%s", o.ClientIndex, m.view(o).VenueOrderID)
		return domain.FillEvent{}, ErrFillTimeout
	case <-ctx.Done():
		m.pending.remove(e)
		return domain.FillEvent{}, ctx.Err()
	}
}
