package venue

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	sdkhttp "github.com/betbot/hedgebot/pkg/sdk/http"
)

// SignedTx 已签名交易，原样提交到 sendTx
type SignedTx struct {
	TxType int    `json:"tx_type"`
	TxInfo string `json:"tx_info"`
}

// CreateOrderTx 下单签名参数（定点整数）
type CreateOrderTx struct {
	AccountIndex     int64  `json:"account_index"`
	APIKeyIndex      int    `json:"api_key_index"`
	Nonce            int64  `json:"nonce"`
	MarketIndex      int    `json:"market_index"`
	ClientOrderIndex int64  `json:"client_order_index"`
	BaseAmount       int64  `json:"base_amount"`
	Price            int64  `json:"price"`
	IsAsk            bool   `json:"is_ask"`
	OrderType        string `json:"order_type"`
	TimeInForce      string `json:"time_in_force"`
	ReduceOnly       bool   `json:"reduce_only"`
	OrderExpiry      int64  `json:"order_expiry"`
}

// CancelOrderTx 撤单签名参数
type CancelOrderTx struct {
	AccountIndex int64 `json:"account_index"`
	APIKeyIndex  int   `json:"api_key_index"`
	Nonce        int64 `json:"nonce"`
	MarketIndex  int   `json:"market_index"`
	OrderIndex   int64 `json:"order_index"`
}

// Signer 交易签名与认证令牌。签名本身在进程外完成。
type Signer interface {
	SignCreateOrder(ctx context.Context, tx CreateOrderTx) (SignedTx, error)
	SignCancelOrder(ctx context.Context, tx CancelOrderTx) (SignedTx, error)
	AuthToken(ctx context.Context, accountIndex int64, apiKeyIndex int, deadline time.Time) (string, error)
}

// RemoteSigner 通过 HTTP 调用独立的签名服务
type RemoteSigner struct {
	client *sdkhttp.Client
	token  string
}

func NewRemoteSigner(baseURL, token string, timeout time.Duration) *RemoteSigner {
	return &RemoteSigner{
		client: sdkhttp.NewClient(baseURL, sdkhttp.Options{Timeout: timeout}),
		token:  token,
	}
}

func (s *RemoteSigner) headers() map[string]string {
	if s.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func (s *RemoteSigner) sign(ctx context.Context, endpoint string, body any) (SignedTx, error) {
	var out SignedTx
	err := s.client.Do(ctx, http.MethodPost, endpoint, &sdkhttp.RequestOptions{Headers: s.headers(), Data: body}, &out)
	if err != nil {
		return SignedTx{}, errors.Wrap(err, "signer")
	}
	if out.TxInfo == "" {
		return SignedTx{}, errors.Errorf("signer %s: empty tx_info", endpoint)
	}
	return out, nil
}

func (s *RemoteSigner) SignCreateOrder(ctx context.Context, tx CreateOrderTx) (SignedTx, error) {
	return s.sign(ctx, "/sign/create_order", tx)
}

func (s *RemoteSigner) SignCancelOrder(ctx context.Context, tx CancelOrderTx) (SignedTx, error) {
	return s.sign(ctx, "/sign/cancel_order", tx)
}

func (s *RemoteSigner) AuthToken(ctx context.Context, accountIndex int64, apiKeyIndex int, deadline time.Time) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]any{
		"account_index": accountIndex,
		"api_key_index": apiKeyIndex,
		"deadline":      deadline.Unix(),
	}
	err := s.client.Do(ctx, http.MethodPost, "/sign/auth_token", &sdkhttp.RequestOptions{Headers: s.headers(), Data: body}, &out)
	if err != nil {
		return "", errors.Wrap(err, "signer auth token")
	}
	if out.Token == "" {
		return "", errors.New("signer returned empty auth token")
	}
	return out.Token, nil
}
