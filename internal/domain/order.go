package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向（对冲腿永远取反，不区分开仓/平仓）
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// IsAsk 卖单在场所侧表示为 ask
func (s Side) IsAsk() bool {
	return s == SideSell
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SideFromAsk 由场所的 is_ask 字段还原方向
func SideFromAsk(isAsk bool) Side {
	if isAsk {
		return SideSell
	}
	return SideBuy
}

// OrderKind 订单类型
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// TimeInForce 订单有效期
type TimeInForce string

const (
	TimeInForceGTT TimeInForce = "gtt" // 限价单：到期前有效
	TimeInForceIOC TimeInForce = "ioc" // 市价单：立即成交或取消
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"          // 已提交，等待场所确认
	OrderStatusOpen            OrderStatus = "open"             // 挂单中
	OrderStatusPartiallyFilled OrderStatus = "partially_filled" // 部分成交
	OrderStatusFilled          OrderStatus = "filled"           // 完全成交
	OrderStatusCanceled        OrderStatus = "canceled"         // 已取消
	OrderStatusUnknown         OrderStatus = "unknown"          // 场所返回无法识别的状态
)

// IsFinal 终态不会再迁移
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusUnknown:
		return true
	default:
		return false
	}
}

// Order 订单领域模型。
// 只由创建它的腿修改，进入终态后丢弃。
type Order struct {
	IdempotencyKey string          // 本地生成的幂等键
	ClientIndex    int64           // 场所侧 client_order_index（由幂等键派生）
	VenueOrderID   string          // 场所订单 ID，确认后才有
	Market         string          // 市场符号
	MarketIndex    int             // 场所市场编号
	Side           Side            // 方向
	Kind           OrderKind       // limit / market
	RequestedSize  decimal.Decimal // 请求数量
	RequestedPrice *decimal.Decimal
	Status         OrderStatus
	FilledSize     decimal.Decimal
	FilledNotional decimal.Decimal
	CreatedAt      time.Time
}

// Age 订单挂出时长
func (o *Order) Age(now time.Time) time.Duration {
	if o == nil || o.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(o.CreatedAt)
}

// IsFullyFilled 完全成交：状态为 filled 且成交量等于请求量
func (o *Order) IsFullyFilled() bool {
	if o == nil {
		return false
	}
	return o.Status == OrderStatusFilled && o.FilledSize.GreaterThanOrEqual(o.RequestedSize)
}

// AvgPrice 成交均价 = 成交额 / 成交量，保留 2 位小数
func (o *Order) AvgPrice() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return AvgPrice(o.FilledNotional, o.FilledSize)
}

// AvgPrice 成交额/成交量，成交量为 0 时返回 0
func AvgPrice(notional, size decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}
	return notional.Div(size).Round(2)
}

// ApplyVenueState 用场所查询到的状态覆盖本地订单。
// 终态不会被非终态覆盖。
func (o *Order) ApplyVenueState(v VenueOrder) {
	if o == nil {
		return
	}
	if o.Status.IsFinal() && !v.Status.IsFinal() {
		return
	}
	if v.OrderID != "" {
		o.VenueOrderID = v.OrderID
	}
	o.Status = v.Status
	o.FilledSize = v.FilledSize
	o.FilledNotional = v.FilledNotional
}

// VenueOrder 场所返回的订单视图（查询接口和推送共用）
type VenueOrder struct {
	OrderID        string
	ClientIndex    int64
	MarketIndex    int
	Side           Side
	Price          decimal.Decimal
	InitialSize    decimal.Decimal
	RemainingSize  decimal.Decimal
	FilledSize     decimal.Decimal
	FilledNotional decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
}

// IsFullyFilled 场所侧完全成交判定：filled 且成交量等于初始量
func (v VenueOrder) IsFullyFilled() bool {
	return v.Status == OrderStatusFilled && v.FilledSize.Equal(v.InitialSize)
}
