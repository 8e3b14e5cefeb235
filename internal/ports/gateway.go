package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/domain"
)

// 交易所网关能力。签名和场所专有的请求构造都在这些接口之后，核心逻辑只调用接口。

type OrderCreator interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, marketIndex int, orderID string) error
}

type OrderQuerier interface {
	QueryOpenOrders(ctx context.Context, marketIndex int) ([]domain.VenueOrder, error)
	QueryClosedOrders(ctx context.Context, marketIndex int, limit int) ([]domain.VenueOrder, error)
}

type PositionQuerier interface {
	QueryPosition(ctx context.Context, marketIndex int) (domain.Position, error)
}

type OrderBookReader interface {
	// OrderBookLevel 返回指定方向盘口第 depth 档（从 1 开始）的价格
	OrderBookLevel(ctx context.Context, marketIndex int, side domain.Side, depth int) (decimal.Decimal, error)
}

type MarketResolver interface {
	MarketSpec(ctx context.Context, symbol string) (domain.MarketSpec, error)
}

type SessionManager interface {
	RefreshAuth(ctx context.Context) (string, error)
	ResyncNonce(ctx context.Context) error
}

// Gateway 单条腿对场所的全部依赖
type Gateway interface {
	OrderCreator
	OrderCanceler
	OrderQuerier
	PositionQuerier
	OrderBookReader
	MarketResolver
	SessionManager
}

// CreateOrderRequest 数量和价格都是已按市场精度换算好的定点整数
type CreateOrderRequest struct {
	MarketIndex    int
	IdempotencyKey string
	ClientIndex    int64
	BaseAmount     int64
	Price          int64
	IsAsk          bool
	Kind           domain.OrderKind
	TimeInForce    domain.TimeInForce
	ReduceOnly     bool
}

type CreateOrderResult struct {
	Code    int
	Message string
	TxHash  string
	// 场所回报订单之前 OrderID 可能为空
	OrderID string
}

// VenueError 场所返回的非成功响应
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error code=%d: %s", e.Code, e.Message)
}

// CodeInvalidNonce 签名 nonce 过期时场所返回的错误码
const CodeInvalidNonce = 21104

var (
	// ErrAuthUnavailable 本轮拿不到鉴权 token
	ErrAuthUnavailable = errors.New("auth token unavailable")
	// ErrRateLimited 429 限流
	ErrRateLimited = errors.New("rate limited")
)

// IsNonceConflict 判断 err 是否为签名 nonce 冲突
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) && ve.Code == CodeInvalidNonce {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid nonce")
}
