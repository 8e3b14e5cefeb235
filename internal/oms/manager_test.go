package oms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
	"github.com/betbot/hedgebot/internal/ports/portstest"
)

var btc = domain.MarketSpec{Symbol: "BTC", Index: 1, SizeDecimals: 5, PriceDecimals: 1}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) (*Manager, *portstest.FakeGateway) {
	t.Helper()
	gw := portstest.NewFakeGateway(btc)
	gw.Bids = []decimal.Decimal{d("109450.0"), d("109449.9")}
	gw.Asks = []decimal.Decimal{d("109450.1"), d("109450.2")}
	m := New(gw, btc, Config{
		Leg:             "account_a",
		AccountIndex:    11,
		NonceBackoff:    time.Millisecond,
		AuthBackoff:     time.Millisecond,
		BookBackoffBase: time.Millisecond,
		FillTimeout:     500 * time.Millisecond,
	})
	return m, gw
}

func TestPlaceLimit_UsesDepthAndFixedPoint(t *testing.T) {
	m, gw := newTestManager(t)

	o, err := m.PlaceLimit(context.Background(), domain.SideBuy, d("0.00020"), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.NotEmpty(t, o.IdempotencyKey)
	assert.NotEmpty(t, o.VenueOrderID)

	created := gw.CreatedOrders()
	require.Len(t, created, 1)
	assert.EqualValues(t, 20, created[0].BaseAmount)
	assert.EqualValues(t, 1094499, created[0].Price)
	assert.False(t, created[0].IsAsk)
	assert.Equal(t, domain.TimeInForceGTT, created[0].TimeInForce)
	assert.Same(t, o, m.Active())
}

func TestPlaceLimit_AtMostOneOutstanding(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()

	_, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)

	// 本地已有挂单
	_, err = m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	assert.ErrorIs(t, err, ErrSkipped)

	// 本地释放后，场所侧仍有挂单
	m.Release(m.Active())
	_, err = m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Len(t, gw.CreatedOrders(), 1)
}

func TestPlaceLimit_NonceConflictResyncsAndRetries(t *testing.T) {
	m, gw := newTestManager(t)
	nonceErr := &ports.VenueError{Code: ports.CodeInvalidNonce, Message: "invalid nonce"}
	gw.FailNext("CreateOrder", nonceErr, errors.New("Invalid Nonce: expected 5"))

	o, err := m.PlaceLimit(context.Background(), domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 2, gw.ResyncCalls)
	assert.Len(t, gw.CreatedOrders(), 1)
}

func TestPlaceLimit_NonceExhaustedAndOtherErrorsNotRetried(t *testing.T) {
	m, gw := newTestManager(t)
	nonceErr := errors.New("invalid nonce")
	gw.FailNext("CreateOrder", nonceErr, nonceErr, nonceErr)

	_, err := m.PlaceLimit(context.Background(), domain.SideBuy, d("0.0002"), 1)
	assert.ErrorIs(t, err, ErrNonceExhausted)
	assert.Equal(t, 3, gw.ResyncCalls)
	assert.Nil(t, m.Active())

	gw.FailNext("CreateOrder", &ports.VenueError{Code: 21701, Message: "not enough margin"})
	_, err = m.PlaceLimit(context.Background(), domain.SideBuy, d("0.0002"), 1)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 3, gw.ResyncCalls, "非 nonce 错误不应重同步")
}

func TestPlaceLimit_BookRetries(t *testing.T) {
	m, gw := newTestManager(t)
	gw.FailNext("OrderBookLevel", errors.New("429"), errors.New("timeout"))

	_, err := m.PlaceLimit(context.Background(), domain.SideSell, d("0.0002"), 1)
	require.NoError(t, err)
	assert.True(t, gw.CreatedOrders()[0].IsAsk)
	assert.EqualValues(t, 1094501, gw.CreatedOrders()[0].Price)

	gw.FailNext("OrderBookLevel", errors.New("a"), errors.New("b"), errors.New("c"))
	m.Release(m.Active())
	gw.Open = nil
	_, err = m.PlaceLimit(context.Background(), domain.SideSell, d("0.0002"), 1)
	assert.Error(t, err)
}

func TestAwaitFill_PollsUntilFilled(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)

	// 前三次认证失败：跳过一轮轮询，不影响结果
	gw.FailNext("RefreshAuth", errors.New("a"), errors.New("b"), errors.New("c"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		gw.FillOpen(o.VenueOrderID, d("109450.0"))
	}()

	ev, err := m.AwaitFill(ctx, o, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "account_a", ev.Leg)
	assert.Equal(t, domain.SideBuy, ev.Side)
	assert.True(t, ev.FilledSize.Equal(d("0.0002")))
	assert.True(t, ev.AvgPrice.Equal(d("109450")))
	assert.Equal(t, o.VenueOrderID, ev.VenueOrderID)
	assert.Nil(t, m.Active())
}

func TestAwaitFill_CanceledAndTimeout(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	require.NoError(t, gw.CancelOrder(ctx, btc.Index, o.VenueOrderID))

	_, err = m.AwaitFill(ctx, o, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrOrderCanceled)

	m.cfg.FillTimeout = 30 * time.Millisecond
	o2, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	_, err = m.AwaitFill(ctx, o2, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrFillTimeout)
}

func TestAwaitFill_PartialThenCanceledReportsFilledPart(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0004"), 1)
	require.NoError(t, err)

	gw.Open = nil
	gw.Closed = []domain.VenueOrder{{
		OrderID: o.VenueOrderID, ClientIndex: o.ClientIndex, MarketIndex: btc.Index, Side: domain.SideBuy,
		InitialSize: d("0.0004"), FilledSize: d("0.0001"), FilledNotional: d("10.945"),
		Status: domain.OrderStatusCanceled,
	}}
	ev, err := m.AwaitFill(ctx, o, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ev.FilledSize.Equal(d("0.0001")))
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
}

func TestFeed_ResolvesTrackedIgnoresOthers(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	m.Track(o)
	meta, ok := m.Pending().Meta(o.VenueOrderID)
	require.True(t, ok)
	assert.True(t, meta.InitialSize.Equal(d("0.0002")))

	// 未跟踪的市价单推送被忽略
	n := m.OnFeedOrders([]domain.VenueOrder{{OrderID: "999", MarketIndex: btc.Index, Status: domain.OrderStatusFilled}})
	assert.Zero(t, n)

	go func() {
		time.Sleep(10 * time.Millisecond)
		fill := domain.VenueOrder{
			OrderID: o.VenueOrderID, ClientIndex: o.ClientIndex, MarketIndex: btc.Index, Side: domain.SideBuy,
			InitialSize: d("0.0002"), FilledSize: d("0.0002"), FilledNotional: d("21.89"), Status: domain.OrderStatusFilled,
		}
		m.OnFeedOrders([]domain.VenueOrder{fill})
		// 重复推送不会再次结算
		m.OnFeedOrders([]domain.VenueOrder{fill})
	}()

	ev, err := m.AwaitFeedFill(ctx, o)
	require.NoError(t, err)
	assert.True(t, ev.AvgPrice.Equal(d("109450")))
	assert.Zero(t, m.Pending().Len())
}

func TestFeed_TimeoutForgetsOrder(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.FillTimeout = 20 * time.Millisecond
	o, err := m.PlaceLimit(context.Background(), domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)

	_, err = m.AwaitFeedFill(context.Background(), o)
	assert.ErrorIs(t, err, ErrFillTimeout)
	assert.Zero(t, m.Pending().Len())
}

func TestCancelIfStale(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)

	assert.False(t, m.CancelIfStale(ctx, o, time.Hour))

	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	gw.FailNext("CancelOrder", errors.New("venue busy"))
	assert.False(t, m.CancelIfStale(ctx, o, time.Hour), "撤单失败只记录")

	assert.True(t, m.CancelIfStale(ctx, o, time.Hour))
	assert.Equal(t, domain.OrderStatusCanceled, o.Status)
	assert.Equal(t, []string{o.VenueOrderID}, gw.CanceledOrders())
	assert.Nil(t, m.Active())
}

func TestPlaceMarket_AndConfirm(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	gw.FillPrice = d("109400.0")

	o, err := m.PlaceMarket(ctx, MarketOrder{
		Side: domain.SideSell, Size: d("0.0002"), RefPrice: d("109450.0"), Slippage: domain.DefaultSlippage,
	})
	require.NoError(t, err)
	req := gw.CreatedOrders()[0]
	assert.True(t, req.IsAsk)
	assert.Equal(t, domain.TimeInForceIOC, req.TimeInForce)
	assert.EqualValues(t, 1039775, req.Price)

	v, err := m.ConfirmFill(ctx, o, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, v.Status)
	assert.NotEmpty(t, o.VenueOrderID)

	gw.MarketMode = portstest.MarketFillSilent
	o2, err := m.PlaceMarket(ctx, MarketOrder{Side: domain.SideBuy, Size: d("0.0002"), RefPrice: d("109450.0"), Slippage: domain.DefaultSlippage})
	require.NoError(t, err)
	_, err = m.ConfirmFill(ctx, o2, 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestCancelAll(t *testing.T) {
	m, gw := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	m.Track(o)

	n, err := m.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, m.Active())
	assert.Zero(t, m.Pending().Len())
	assert.Empty(t, gw.Open)
}

func TestCancelAll_WhileAwaitingFill(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.FillTimeout = 2 * time.Second
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.AwaitFill(ctx, o, time.Millisecond)
		done <- err
	}()

	// 强平和审计在别的 goroutine 上同时读写
	for i := 0; i < 5; i++ {
		_, _ = m.CancelAll(ctx)
		_ = m.Snapshot(o)
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOrderCanceled)
	case <-time.After(time.Second):
		t.Fatal("AwaitFill 没有看到撤单")
	}
	assert.Equal(t, domain.OrderStatusCanceled, m.Snapshot(o).Status)
	assert.Nil(t, m.Active())
}

func TestCancelAll_ReleasesFeedWaiter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	o, err := m.PlaceLimit(ctx, domain.SideBuy, d("0.0002"), 1)
	require.NoError(t, err)
	m.Track(o)

	done := make(chan error, 1)
	go func() {
		_, err := m.AwaitFeedFill(ctx, o)
		done <- err
	}()
	go m.OnFeedOrders([]domain.VenueOrder{{
		OrderID: o.VenueOrderID, ClientIndex: o.ClientIndex, MarketIndex: btc.Index, Status: domain.OrderStatusOpen,
	}})
	time.Sleep(20 * time.Millisecond)
	_, err = m.CancelAll(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOrderCanceled)
	case <-time.After(time.Second):
		t.Fatal("推送等待方没有被释放")
	}
}
