package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent 一条终态成交通知，由发起腿在完全成交后发布一次。
// 订阅方至少收到一次，需按 VenueOrderID 去重。
type FillEvent struct {
	Leg            string          `json:"leg"`
	Market         string          `json:"market"`
	MarketIndex    int             `json:"market_index"`
	AccountIndex   int64           `json:"account_index"`
	VenueOrderID   string          `json:"order_index"`
	FilledSize     decimal.Decimal `json:"filled_base_amount"`
	FilledNotional decimal.Decimal `json:"filled_quote_amount"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Side           Side            `json:"side"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewFillEvent 从完全成交的订单构造成交事件
func NewFillEvent(leg string, accountIndex int64, o *Order, now time.Time) FillEvent {
	return FillEvent{
		Leg:            leg,
		Market:         o.Market,
		MarketIndex:    o.MarketIndex,
		AccountIndex:   accountIndex,
		VenueOrderID:   o.VenueOrderID,
		FilledSize:     o.FilledSize,
		FilledNotional: o.FilledNotional,
		AvgPrice:       o.AvgPrice(),
		Side:           o.Side,
		Timestamp:      now,
	}
}

// CloseAllSignal 要求对端腿自行清仓
type CloseAllSignal struct {
	Market      string    `json:"market"`
	MarketIndex int       `json:"market_index"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HedgeStatus 对冲结果
type HedgeStatus string

const (
	HedgeSuccess HedgeStatus = "success"
	HedgeFailed  HedgeStatus = "failed"
)

// HedgeOutcome 对冲腿回报给发起腿的结果
type HedgeOutcome struct {
	Status       HedgeStatus `json:"status"`
	Leg          string      `json:"leg"`
	Market       string      `json:"market"`
	VenueOrderID string      `json:"order_index,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (o HedgeOutcome) Succeeded() bool {
	return o.Status == HedgeSuccess
}
