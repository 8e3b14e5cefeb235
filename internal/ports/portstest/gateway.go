// Package portstest 提供 ports.Gateway 的内存实现，供各包测试使用。
package portstest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
)

// MarketFill 市价单的模拟处理方式
type MarketFill int

const (
	MarketFillFull     MarketFill = iota // 立即完全成交
	MarketFillCanceled                   // 立即取消，无成交
	MarketFillSilent                     // 场所查不到订单
)

// FakeGateway 线程安全的内存交易场所
type FakeGateway struct {
	mu sync.Mutex

	Spec     domain.MarketSpec
	Bids     []decimal.Decimal
	Asks     []decimal.Decimal
	Position domain.Position
	Open     []domain.VenueOrder
	Closed   []domain.VenueOrder // 最新在前

	MarketMode MarketFill
	// FillPrice 市价单成交价，为零时用盘口第一档
	FillPrice decimal.Decimal

	Created  []ports.CreateOrderRequest
	Canceled []string

	// errOnNext 按方法名排队的错误，每次调用消费一个
	errOnNext map[string][]error

	AuthCalls   int
	ResyncCalls int
	nextID      int64
}

func NewFakeGateway(spec domain.MarketSpec) *FakeGateway {
	return &FakeGateway{
		Spec:      spec,
		errOnNext: make(map[string][]error),
		nextID:    1000,
	}
}

// FailNext 让方法 name 的下一次调用返回 err（可多次排队）
func (g *FakeGateway) FailNext(name string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errOnNext[name] = append(g.errOnNext[name], errs...)
}

func (g *FakeGateway) popErr(name string) error {
	q := g.errOnNext[name]
	if len(q) == 0 {
		return nil
	}
	g.errOnNext[name] = q[1:]
	return q[0]
}

func (g *FakeGateway) SetPosition(size string, sign int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Position = domain.Position{Size: decimal.RequireFromString(size), Sign: sign}.Normalize()
}

func (g *FakeGateway) CreatedOrders() []ports.CreateOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ports.CreateOrderRequest(nil), g.Created...)
}

func (g *FakeGateway) CanceledOrders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Canceled...)
}

// FillOpen 把挂单移到已完成列表并标记完全成交
func (g *FakeGateway) FillOpen(orderID string, price decimal.Decimal) (domain.VenueOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, o := range g.Open {
		if o.OrderID != orderID {
			continue
		}
		g.Open = append(g.Open[:i], g.Open[i+1:]...)
		o.Status = domain.OrderStatusFilled
		o.FilledSize = o.InitialSize
		o.RemainingSize = decimal.Zero
		o.FilledNotional = o.InitialSize.Mul(price)
		g.Closed = append([]domain.VenueOrder{o}, g.Closed...)
		g.applyFillLocked(o.Side, o.FilledSize)
		return o, true
	}
	return domain.VenueOrder{}, false
}

func (g *FakeGateway) applyFillLocked(side domain.Side, size decimal.Decimal) {
	signed := g.Position.Signed()
	if side == domain.SideBuy {
		signed = signed.Add(size)
	} else {
		signed = signed.Sub(size)
	}
	switch {
	case signed.IsPositive():
		g.Position.Size, g.Position.Sign = signed, 1
	case signed.IsNegative():
		g.Position.Size, g.Position.Sign = signed.Neg(), -1
	default:
		g.Position.Size, g.Position.Sign = decimal.Zero, 0
	}
}

func (g *FakeGateway) CreateOrder(ctx context.Context, req ports.CreateOrderRequest) (ports.CreateOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("CreateOrder"); err != nil {
		return ports.CreateOrderResult{}, err
	}
	g.Created = append(g.Created, req)
	g.nextID++
	id := strconv.FormatInt(g.nextID, 10)
	size := g.Spec.FromBaseAmount(req.BaseAmount)
	vo := domain.VenueOrder{
		OrderID:       id,
		ClientIndex:   req.ClientIndex,
		MarketIndex:   req.MarketIndex,
		Side:          domain.SideFromAsk(req.IsAsk),
		Price:         g.Spec.FromPriceInt(req.Price),
		InitialSize:   size,
		RemainingSize: size,
		Status:        domain.OrderStatusOpen,
		CreatedAt:     time.Now(),
	}
	if req.Kind == domain.OrderKindLimit {
		g.Open = append(g.Open, vo)
		return ports.CreateOrderResult{Code: 200, TxHash: "0x" + id, OrderID: id}, nil
	}

	switch g.MarketMode {
	case MarketFillFull:
		px := g.FillPrice
		if px.IsZero() {
			px = vo.Price
		}
		vo.Status = domain.OrderStatusFilled
		vo.FilledSize = size
		vo.RemainingSize = decimal.Zero
		vo.FilledNotional = size.Mul(px)
		g.Closed = append([]domain.VenueOrder{vo}, g.Closed...)
		g.applyFillLocked(vo.Side, size)
	case MarketFillCanceled:
		vo.Status = domain.OrderStatusCanceled
		g.Closed = append([]domain.VenueOrder{vo}, g.Closed...)
	case MarketFillSilent:
	}
	// 市价单的场所订单号要等查询才能拿到
	return ports.CreateOrderResult{Code: 200, TxHash: "0x" + id}, nil
}

func (g *FakeGateway) CancelOrder(ctx context.Context, marketIndex int, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("CancelOrder"); err != nil {
		return err
	}
	for i, o := range g.Open {
		if o.OrderID == orderID {
			g.Open = append(g.Open[:i], g.Open[i+1:]...)
			o.Status = domain.OrderStatusCanceled
			g.Closed = append([]domain.VenueOrder{o}, g.Closed...)
			g.Canceled = append(g.Canceled, orderID)
			return nil
		}
	}
	return errors.New("order not found: " + orderID)
}

func (g *FakeGateway) QueryOpenOrders(ctx context.Context, marketIndex int) ([]domain.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("QueryOpenOrders"); err != nil {
		return nil, err
	}
	return append([]domain.VenueOrder(nil), g.Open...), nil
}

func (g *FakeGateway) QueryClosedOrders(ctx context.Context, marketIndex int, limit int) ([]domain.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("QueryClosedOrders"); err != nil {
		return nil, err
	}
	out := g.Closed
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.VenueOrder(nil), out...), nil
}

func (g *FakeGateway) QueryPosition(ctx context.Context, marketIndex int) (domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("QueryPosition"); err != nil {
		return domain.Position{}, err
	}
	return g.Position, nil
}

func (g *FakeGateway) OrderBookLevel(ctx context.Context, marketIndex int, side domain.Side, depth int) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("OrderBookLevel"); err != nil {
		return decimal.Zero, err
	}
	levels := g.Bids
	if side == domain.SideSell {
		levels = g.Asks
	}
	if depth < 1 || depth > len(levels) {
		return decimal.Zero, errors.New("depth out of range")
	}
	return levels[depth-1], nil
}

func (g *FakeGateway) MarketSpec(ctx context.Context, symbol string) (domain.MarketSpec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popErr("MarketSpec"); err != nil {
		return domain.MarketSpec{}, err
	}
	return g.Spec, nil
}

func (g *FakeGateway) RefreshAuth(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AuthCalls++
	if err := g.popErr("RefreshAuth"); err != nil {
		return "", err
	}
	return "token", nil
}

func (g *FakeGateway) ResyncNonce(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ResyncCalls++
	return g.popErr("ResyncNonce")
}

var _ ports.Gateway = (*FakeGateway)(nil)
