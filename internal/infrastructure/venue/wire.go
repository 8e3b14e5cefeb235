package venue

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/domain"
)

// Order 场所返回的订单（REST 与推送共用）
type Order struct {
	OrderIndex          int64           `json:"order_index"`
	ClientOrderIndex    int64           `json:"client_order_index"`
	MarketIndex         int             `json:"market_index"`
	IsAsk               bool            `json:"is_ask"`
	Price               decimal.Decimal `json:"price"`
	InitialBaseAmount   decimal.Decimal `json:"initial_base_amount"`
	RemainingBaseAmount decimal.Decimal `json:"remaining_base_amount"`
	FilledBaseAmount    decimal.Decimal `json:"filled_base_amount"`
	FilledQuoteAmount   decimal.Decimal `json:"filled_quote_amount"`
	Status              string          `json:"status"`
	Timestamp           int64           `json:"timestamp"`
}

// ParseStatus 场所状态字符串转领域状态。所有 canceled-* 变体都视为取消。
func ParseStatus(s string, filled decimal.Decimal) domain.OrderStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "filled":
		return domain.OrderStatusFilled
	case strings.HasPrefix(s, "canceled"), strings.HasPrefix(s, "cancelled"):
		return domain.OrderStatusCanceled
	case s == "open", s == "in-progress":
		if filled.IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusOpen
	case s == "pending":
		return domain.OrderStatusPending
	default:
		return domain.OrderStatusUnknown
	}
}

func (o Order) ToVenueOrder() domain.VenueOrder {
	var created time.Time
	switch {
	case o.Timestamp > 1e12:
		created = time.UnixMilli(o.Timestamp)
	case o.Timestamp > 0:
		created = time.Unix(o.Timestamp, 0)
	}
	return domain.VenueOrder{
		OrderID:        strconv.FormatInt(o.OrderIndex, 10),
		ClientIndex:    o.ClientOrderIndex,
		MarketIndex:    o.MarketIndex,
		Side:           domain.SideFromAsk(o.IsAsk),
		Price:          o.Price,
		InitialSize:    o.InitialBaseAmount,
		RemainingSize:  o.RemainingBaseAmount,
		FilledSize:     o.FilledBaseAmount,
		FilledNotional: o.FilledQuoteAmount,
		Status:         ParseStatus(o.Status, o.FilledBaseAmount),
		CreatedAt:      created,
	}
}

func toVenueOrders(in []Order) []domain.VenueOrder {
	out := make([]domain.VenueOrder, 0, len(in))
	for _, o := range in {
		out = append(out, o.ToVenueOrder())
	}
	return out
}

type baseResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ordersResponse struct {
	baseResponse
	Orders []Order `json:"orders"`
}

type bookLevel struct {
	Price               decimal.Decimal `json:"price"`
	RemainingBaseAmount decimal.Decimal `json:"remaining_base_amount"`
}

type bookResponse struct {
	baseResponse
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

type marketInfo struct {
	Symbol                 string `json:"symbol"`
	MarketID               int    `json:"market_id"`
	Status                 string `json:"status"`
	SupportedSizeDecimals  int32  `json:"supported_size_decimals"`
	SupportedPriceDecimals int32  `json:"supported_price_decimals"`
}

type marketsResponse struct {
	baseResponse
	OrderBooks []marketInfo `json:"order_books"`
}

type accountPosition struct {
	MarketID int             `json:"market_id"`
	Symbol   string          `json:"symbol"`
	Sign     int             `json:"sign"`
	Position decimal.Decimal `json:"position"`
}

type account struct {
	Index            int64             `json:"index"`
	AvailableBalance decimal.Decimal   `json:"available_balance"`
	Positions        []accountPosition `json:"positions"`
}

type accountResponse struct {
	baseResponse
	Accounts []account `json:"accounts"`
}

type nonceResponse struct {
	baseResponse
	Nonce int64 `json:"nonce"`
}

type sendTxRequest struct {
	TxType int    `json:"tx_type"`
	TxInfo string `json:"tx_info"`
}

type sendTxResponse struct {
	baseResponse
	TxHash string `json:"tx_hash"`
}
