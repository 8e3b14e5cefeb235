// Package venue 场所 REST 网关：下单、撤单、查询订单与持仓、盘口、市场元数据、认证与 nonce。
package venue

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
	"github.com/betbot/hedgebot/pkg/ratelimit"
	sdkhttp "github.com/betbot/hedgebot/pkg/sdk/http"
)

var log = logrus.WithField("component", "venue")

const (
	pathOrderBooks     = "/api/v1/orderBooks"
	pathOrderBookDepth = "/api/v1/orderBookOrders"
	pathActiveOrders   = "/api/v1/accountActiveOrders"
	pathInactiveOrders = "/api/v1/accountInactiveOrders"
	pathAccount        = "/api/v1/account"
	pathNextNonce      = "/api/v1/nextNonce"
	pathSendTx         = "/api/v1/sendTx"

	codeOK = 200

	// 限价单默认有效期
	gttExpiry = 28 * 24 * time.Hour
)

// Config 单个账户的网关配置
type Config struct {
	BaseURL      string
	AccountIndex int64
	APIKeyIndex  int
	RateLimitRPS float64
	RateBurst    int
	Timeout      time.Duration
	// AuthTTL 认证令牌有效期，剩余不足 1/10 时刷新
	AuthTTL time.Duration
	// MarketRetries 市场元数据遇到 429 时的最多尝试次数
	MarketRetries int
}

// Client 实现 ports.Gateway
type Client struct {
	http   *sdkhttp.Client
	signer Signer
	cfg    Config

	nonceMu   sync.Mutex
	nonce     int64
	nonceInit bool

	authMu    sync.Mutex
	authToken string
	authExp   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ ports.Gateway = (*Client)(nil)

func NewClient(cfg Config, signer Signer) *Client {
	if cfg.AuthTTL <= 0 {
		cfg.AuthTTL = 10 * time.Minute
	}
	if cfg.MarketRetries <= 0 {
		cfg.MarketRetries = 5
	}
	var limiter ratelimit.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.RateLimitRPS, cfg.RateBurst)
	}
	return &Client{
		http: sdkhttp.NewClient(cfg.BaseURL, sdkhttp.Options{
			Timeout:    cfg.Timeout,
			RetryCount: 2,
			Limiter:    limiter,
		}),
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// get 发送 GET 请求；429 映射为 ports.ErrRateLimited，业务码非 200 映射为 VenueError
func (c *Client) get(ctx context.Context, path string, params map[string]any, out any, code func() baseResponse) error {
	err := c.http.Do(ctx, http.MethodGet, path, &sdkhttp.RequestOptions{Params: params}, out)
	if err != nil {
		return mapHTTPError(err)
	}
	if code != nil {
		if br := code(); br.Code != 0 && br.Code != codeOK {
			return &ports.VenueError{Code: br.Code, Message: br.Message}
		}
	}
	return nil
}

func mapHTTPError(err error) error {
	if sdkhttp.IsStatus(err, http.StatusTooManyRequests) {
		return errors.Wrap(ports.ErrRateLimited, err.Error())
	}
	var se *sdkhttp.StatusError
	if errors.As(err, &se) {
		// 场所在 4xx 响应体里也会带业务码
		var br baseResponse
		if jsonErr := json.Unmarshal([]byte(se.Body), &br); jsonErr == nil && br.Code != 0 {
			return &ports.VenueError{Code: br.Code, Message: br.Message}
		}
	}
	return err
}

// ---------- 市场 ----------

// MarketSpec 按符号解析市场；429 时按 min(2^n, 30)s 退避
func (c *Client) MarketSpec(ctx context.Context, symbol string) (domain.MarketSpec, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var lastErr error
	for attempt := 0; attempt < c.cfg.MarketRetries; attempt++ {
		var resp marketsResponse
		err := c.get(ctx, pathOrderBooks, nil, &resp, func() baseResponse { return resp.baseResponse })
		if err == nil {
			for _, m := range resp.OrderBooks {
				if strings.EqualFold(m.Symbol, symbol) {
					spec := domain.MarketSpec{
						Symbol:        symbol,
						Index:         m.MarketID,
						SizeDecimals:  m.SupportedSizeDecimals,
						PriceDecimals: m.SupportedPriceDecimals,
					}
					log.Infof("[市场] %s -> index=%d size_decimals=%d price_decimals=%d",
						symbol, spec.Index, spec.SizeDecimals, spec.PriceDecimals)
					return spec, nil
				}
			}
			return domain.MarketSpec{}, errors.Errorf("market %s not found", symbol)
		}
		lastErr = err
		if !errors.Is(err, ports.ErrRateLimited) {
			return domain.MarketSpec{}, err
		}
		wait := time.Duration(math.Min(math.Pow(2, float64(attempt)), 30)) * time.Second
		log.Warnf("[市场] 触发限流，%v 后重试 (%d/%d)", wait, attempt+1, c.cfg.MarketRetries)
		if err := c.sleep(ctx, wait); err != nil {
			return domain.MarketSpec{}, err
		}
	}
	return domain.MarketSpec{}, errors.Wrapf(lastErr, "resolve market %s", symbol)
}

// OrderBookLevel 买方向读买盘，卖方向读卖盘；depth 从 1 开始
func (c *Client) OrderBookLevel(ctx context.Context, marketIndex int, side domain.Side, depth int) (decimal.Decimal, error) {
	if depth <= 0 {
		depth = 1
	}
	var resp bookResponse
	params := map[string]any{"market_id": marketIndex, "limit": depth}
	if err := c.get(ctx, pathOrderBookDepth, params, &resp, func() baseResponse { return resp.baseResponse }); err != nil {
		return decimal.Zero, err
	}
	levels := resp.Bids
	if side == domain.SideSell {
		levels = resp.Asks
	}
	if len(levels) < depth {
		return decimal.Zero, errors.Errorf("order book too shallow: side=%s want depth %d, have %d", side, depth, len(levels))
	}
	return levels[depth-1].Price, nil
}

// ---------- 认证与 nonce ----------

// RefreshAuth 返回有效的认证令牌，临近过期时重新签发
func (c *Client) RefreshAuth(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	now := c.now()
	if c.authToken != "" && c.authExp.Sub(now) > c.cfg.AuthTTL/10 {
		return c.authToken, nil
	}
	exp := now.Add(c.cfg.AuthTTL)
	tok, err := c.signer.AuthToken(ctx, c.cfg.AccountIndex, c.cfg.APIKeyIndex, exp)
	if err != nil {
		return "", errors.Wrap(ports.ErrAuthUnavailable, err.Error())
	}
	c.authToken, c.authExp = tok, exp
	return tok, nil
}

// ResyncNonce 从场所重新拉取下一个 nonce
func (c *Client) ResyncNonce(ctx context.Context) error {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.fetchNonceLocked(ctx)
}

func (c *Client) fetchNonceLocked(ctx context.Context) error {
	var resp nonceResponse
	params := map[string]any{"account_index": c.cfg.AccountIndex, "api_key_index": c.cfg.APIKeyIndex}
	if err := c.get(ctx, pathNextNonce, params, &resp, func() baseResponse { return resp.baseResponse }); err != nil {
		c.nonceInit = false
		return errors.Wrap(err, "fetch nonce")
	}
	c.nonce = resp.Nonce
	c.nonceInit = true
	log.Debugf("[nonce] 已同步: account=%d nonce=%d", c.cfg.AccountIndex, c.nonce)
	return nil
}

func (c *Client) nextNonce(ctx context.Context) (int64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if !c.nonceInit {
		if err := c.fetchNonceLocked(ctx); err != nil {
			return 0, err
		}
	}
	n := c.nonce
	c.nonce++
	return n, nil
}

// ---------- 交易 ----------

func (c *Client) sendTx(ctx context.Context, tx SignedTx) (sendTxResponse, error) {
	var resp sendTxResponse
	err := c.http.Do(ctx, http.MethodPost, pathSendTx, &sdkhttp.RequestOptions{
		Data: sendTxRequest{TxType: tx.TxType, TxInfo: tx.TxInfo},
	}, &resp)
	if err != nil {
		return resp, mapHTTPError(err)
	}
	return resp, nil
}

// CreateOrder 签名并提交订单。业务码通过结果返回，由调用方判定。
func (c *Client) CreateOrder(ctx context.Context, req ports.CreateOrderRequest) (ports.CreateOrderResult, error) {
	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return ports.CreateOrderResult{}, err
	}
	tx := CreateOrderTx{
		AccountIndex:     c.cfg.AccountIndex,
		APIKeyIndex:      c.cfg.APIKeyIndex,
		Nonce:            nonce,
		MarketIndex:      req.MarketIndex,
		ClientOrderIndex: req.ClientIndex,
		BaseAmount:       req.BaseAmount,
		Price:            req.Price,
		IsAsk:            req.IsAsk,
		OrderType:        string(req.Kind),
		TimeInForce:      string(req.TimeInForce),
		ReduceOnly:       req.ReduceOnly,
	}
	if req.TimeInForce == domain.TimeInForceGTT {
		tx.OrderExpiry = c.now().Add(gttExpiry).UnixMilli()
	}
	signed, err := c.signer.SignCreateOrder(ctx, tx)
	if err != nil {
		return ports.CreateOrderResult{}, err
	}
	resp, err := c.sendTx(ctx, signed)
	if err != nil {
		return ports.CreateOrderResult{}, err
	}
	// 订单号由场所分配，需通过查询按 client_order_index 取得
	return ports.CreateOrderResult{Code: resp.Code, Message: resp.Message, TxHash: resp.TxHash}, nil
}

// CancelOrder 撤销单个订单
func (c *Client) CancelOrder(ctx context.Context, marketIndex int, orderID string) error {
	idx, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid order id %q", orderID)
	}
	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return err
	}
	signed, err := c.signer.SignCancelOrder(ctx, CancelOrderTx{
		AccountIndex: c.cfg.AccountIndex,
		APIKeyIndex:  c.cfg.APIKeyIndex,
		Nonce:        nonce,
		MarketIndex:  marketIndex,
		OrderIndex:   idx,
	})
	if err != nil {
		return err
	}
	resp, err := c.sendTx(ctx, signed)
	if err != nil {
		return err
	}
	if resp.Code != 0 && resp.Code != codeOK {
		return &ports.VenueError{Code: resp.Code, Message: resp.Message}
	}
	return nil
}

// ---------- 查询 ----------

func (c *Client) QueryOpenOrders(ctx context.Context, marketIndex int) ([]domain.VenueOrder, error) {
	auth, err := c.RefreshAuth(ctx)
	if err != nil {
		return nil, err
	}
	var resp ordersResponse
	params := map[string]any{"account_index": c.cfg.AccountIndex, "market_id": marketIndex, "auth": auth}
	if err := c.get(ctx, pathActiveOrders, params, &resp, func() baseResponse { return resp.baseResponse }); err != nil {
		return nil, err
	}
	return toVenueOrders(resp.Orders), nil
}

// QueryClosedOrders 最近的已结束订单，新的在前
func (c *Client) QueryClosedOrders(ctx context.Context, marketIndex int, limit int) ([]domain.VenueOrder, error) {
	auth, err := c.RefreshAuth(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	var resp ordersResponse
	params := map[string]any{"account_index": c.cfg.AccountIndex, "market_id": marketIndex, "limit": limit, "auth": auth}
	if err := c.get(ctx, pathInactiveOrders, params, &resp, func() baseResponse { return resp.baseResponse }); err != nil {
		return nil, err
	}
	return toVenueOrders(resp.Orders), nil
}

// QueryPosition 账户在某市场的持仓；无记录视为空仓
func (c *Client) QueryPosition(ctx context.Context, marketIndex int) (domain.Position, error) {
	var resp accountResponse
	params := map[string]any{"by": "index", "value": strconv.FormatInt(c.cfg.AccountIndex, 10)}
	if err := c.get(ctx, pathAccount, params, &resp, func() baseResponse { return resp.baseResponse }); err != nil {
		return domain.Position{}, err
	}
	if len(resp.Accounts) == 0 {
		return domain.Position{}, errors.Errorf("account %d not found", c.cfg.AccountIndex)
	}
	acc := resp.Accounts[0]
	pos := domain.Position{AvailableBalance: acc.AvailableBalance}
	for _, p := range acc.Positions {
		if p.MarketID == marketIndex {
			pos.Size = p.Position.Abs()
			pos.Sign = p.Sign
			break
		}
	}
	return pos.Normalize(), nil
}
