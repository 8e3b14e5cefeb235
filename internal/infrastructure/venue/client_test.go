package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
)

type fakeSigner struct {
	mu      sync.Mutex
	creates []CreateOrderTx
	cancels []CancelOrderTx
	tokens  int
}

func (s *fakeSigner) SignCreateOrder(_ context.Context, tx CreateOrderTx) (SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, tx)
	b, _ := json.Marshal(tx)
	return SignedTx{TxType: 14, TxInfo: string(b)}, nil
}

func (s *fakeSigner) SignCancelOrder(_ context.Context, tx CancelOrderTx) (SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, tx)
	b, _ := json.Marshal(tx)
	return SignedTx{TxType: 15, TxInfo: string(b)}, nil
}

func (s *fakeSigner) AuthToken(_ context.Context, _ int64, _ int, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens++
	return "tok", nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *fakeSigner) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	signer := &fakeSigner{}
	c := NewClient(Config{BaseURL: srv.URL, AccountIndex: 11, APIKeyIndex: 2, Timeout: 2 * time.Second}, signer)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c, signer
}

func TestMarketSpec_BacksOffOnRateLimit(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc(pathOrderBooks, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": 429, "message": "too many requests"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200,
			"order_books": []map[string]any{
				{"symbol": "ETH", "market_id": 0, "supported_size_decimals": 4, "supported_price_decimals": 2},
				{"symbol": "BTC", "market_id": 1, "supported_size_decimals": 5, "supported_price_decimals": 1},
			},
		})
	})
	c, _ := newTestClient(t, mux)
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error { waits = append(waits, d); return nil }

	spec, err := c.MarketSpec(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketSpec{Symbol: "BTC", Index: 1, SizeDecimals: 5, PriceDecimals: 1}, spec)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestMarketSpec_GivesUpAfterRetries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathOrderBooks, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": 429})
	})
	c, _ := newTestClient(t, mux)
	_, err := c.MarketSpec(context.Background(), "BTC")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrRateLimited)
}

func TestOrderBookLevel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathOrderBookDepth, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("market_id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200,
			"bids": []map[string]any{{"price": "109450.0"}, {"price": "109449.9"}},
			"asks": []map[string]any{{"price": "109450.1"}, {"price": "109450.2"}},
		})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	px, err := c.OrderBookLevel(ctx, 1, domain.SideBuy, 2)
	require.NoError(t, err)
	assert.Equal(t, "109449.9", px.String())

	px, err = c.OrderBookLevel(ctx, 1, domain.SideSell, 1)
	require.NoError(t, err)
	assert.Equal(t, "109450.1", px.String())

	_, err = c.OrderBookLevel(ctx, 1, domain.SideSell, 5)
	assert.Error(t, err)
}

func TestCreateOrder_NonceSequenceAndResync(t *testing.T) {
	var nonceCalls int32
	var sent []sendTxRequest
	mux := http.NewServeMux()
	mux.HandleFunc(pathNextNonce, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&nonceCalls, 1)
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "nonce": 100 * n})
	})
	mux.HandleFunc(pathSendTx, func(w http.ResponseWriter, r *http.Request) {
		var req sendTxRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sent = append(sent, req)
		if len(sent) == 2 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": ports.CodeInvalidNonce, "message": "invalid nonce"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "tx_hash": "0xabc"})
	})
	c, signer := newTestClient(t, mux)
	ctx := context.Background()
	req := ports.CreateOrderRequest{
		MarketIndex: 1, ClientIndex: 77, BaseAmount: 20, Price: 1094500,
		Kind: domain.OrderKindLimit, TimeInForce: domain.TimeInForceGTT,
	}

	res, err := c.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Code)
	assert.Equal(t, "0xabc", res.TxHash)

	_, err = c.CreateOrder(ctx, req)
	require.Error(t, err)
	assert.True(t, ports.IsNonceConflict(err))

	require.NoError(t, c.ResyncNonce(ctx))
	_, err = c.CreateOrder(ctx, req)
	require.NoError(t, err)

	require.Len(t, signer.creates, 3)
	assert.EqualValues(t, 100, signer.creates[0].Nonce)
	assert.EqualValues(t, 101, signer.creates[1].Nonce)
	assert.EqualValues(t, 200, signer.creates[2].Nonce)
	assert.EqualValues(t, 11, signer.creates[0].AccountIndex)
	assert.EqualValues(t, 77, signer.creates[0].ClientOrderIndex)
	assert.Positive(t, signer.creates[0].OrderExpiry)
	assert.Len(t, sent, 3)
}

func TestQueryOrders_ParsesStatusesAndCachesAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathActiveOrders, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("auth"))
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "orders": []map[string]any{{
			"order_index": 5001, "client_order_index": 77, "market_index": 1, "is_ask": false,
			"price": "109450.0", "initial_base_amount": "0.0002", "remaining_base_amount": "0.0001",
			"filled_base_amount": "0.0001", "filled_quote_amount": "10.945", "status": "open", "timestamp": 1700000000,
		}}})
	})
	mux.HandleFunc(pathInactiveOrders, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "orders": []map[string]any{
			{"order_index": 5002, "client_order_index": 78, "market_index": 1, "is_ask": true, "status": "canceled-expired"},
			{"order_index": 5003, "client_order_index": 79, "market_index": 1, "is_ask": true, "status": "filled",
				"initial_base_amount": "0.0002", "filled_base_amount": "0.0002", "filled_quote_amount": "21.89"},
		}})
	})
	c, signer := newTestClient(t, mux)
	ctx := context.Background()

	open, err := c.QueryOpenOrders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "5001", open[0].OrderID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, open[0].Status)
	assert.Equal(t, domain.SideBuy, open[0].Side)
	assert.Equal(t, time.Unix(1700000000, 0), open[0].CreatedAt)

	closed, err := c.QueryClosedOrders(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, domain.OrderStatusCanceled, closed[0].Status)
	assert.Equal(t, domain.OrderStatusFilled, closed[1].Status)
	assert.True(t, closed[1].IsFullyFilled())
	assert.Equal(t, domain.SideSell, closed[1].Side)

	assert.Equal(t, 1, signer.tokens)
}

func TestQueryPosition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathAccount, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "11", r.URL.Query().Get("value"))
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "accounts": []map[string]any{{
			"index": 11, "available_balance": "1500.5",
			"positions": []map[string]any{
				{"market_id": 0, "sign": 1, "position": "3.1"},
				{"market_id": 1, "sign": -1, "position": "0.0002"},
			},
		}}})
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	pos, err := c.QueryPosition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, -1, pos.Sign)
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.0002")))
	assert.True(t, pos.AvailableBalance.Equal(decimal.RequireFromString("1500.5")))

	pos, err = c.QueryPosition(ctx, 7)
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())
}

func TestCancelOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathNextNonce, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "nonce": 9})
	})
	mux.HandleFunc(pathSendTx, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 200})
	})
	c, signer := newTestClient(t, mux)

	require.NoError(t, c.CancelOrder(context.Background(), 1, "5001"))
	require.Len(t, signer.cancels, 1)
	assert.EqualValues(t, 5001, signer.cancels[0].OrderIndex)
	assert.Error(t, c.CancelOrder(context.Background(), 1, "not-a-number"))
}
