package hedge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/oms"
	"github.com/betbot/hedgebot/internal/ports/portstest"
	"github.com/betbot/hedgebot/pkg/statestore"
)

var btc = domain.MarketSpec{Symbol: "BTC", Index: 1, SizeDecimals: 5, PriceDecimals: 1}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorded struct {
	out      domain.HedgeOutcome
	attempts int
}

type fakeRecorder struct{ items []recorded }

func (r *fakeRecorder) RecordHedge(_ context.Context, _ domain.FillEvent, out domain.HedgeOutcome, attempts int) {
	r.items = append(r.items, recorded{out, attempts})
}

func newExecutor(t *testing.T) (*Executor, *portstest.FakeGateway, *statestore.Store, *fakeRecorder) {
	t.Helper()
	gw := portstest.NewFakeGateway(btc)
	m := oms.New(gw, btc, oms.Config{
		Leg:          "account_b",
		NonceBackoff: time.Millisecond,
		AuthBackoff:  time.Millisecond,
	})
	store, err := statestore.Open(statestore.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec := &fakeRecorder{}
	e := NewExecutor(m, Config{
		Leg:             "account_b",
		RetryInterval:   time.Millisecond,
		ConfirmAttempts: 2,
		ConfirmInterval: time.Millisecond,
	}, store, rec)
	return e, gw, store, rec
}

func fill(id string, side domain.Side) domain.FillEvent {
	return domain.FillEvent{
		Leg:          "account_a",
		Market:       "BTC",
		MarketIndex:  1,
		VenueOrderID: id,
		FilledSize:   d("0.0002"),
		AvgPrice:     d("109450.0"),
		Side:         side,
		Timestamp:    time.Now(),
	}
}

func TestOnCounterpartyFill_BuyIsHedgedWithSellWithinSlippage(t *testing.T) {
	e, gw, _, rec := newExecutor(t)
	gw.FillPrice = d("109440.0")

	out, err := e.OnCounterpartyFill(context.Background(), fill("9001", domain.SideBuy))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "9001", out.VenueOrderID)
	assert.Equal(t, "account_b", out.Leg)

	created := gw.CreatedOrders()
	require.Len(t, created, 1)
	assert.True(t, created[0].IsAsk)
	assert.EqualValues(t, 20, created[0].BaseAmount)
	// 109450 * 0.95
	assert.EqualValues(t, 1039775, created[0].Price)
	assert.Equal(t, domain.TimeInForceIOC, created[0].TimeInForce)

	pos := gw.Position
	assert.Equal(t, -1, pos.Sign)
	assert.True(t, pos.Size.Equal(d("0.0002")))

	require.Len(t, rec.items, 1)
	assert.Equal(t, 1, rec.items[0].attempts)
}

func TestOnCounterpartyFill_SellIsHedgedWithBuy(t *testing.T) {
	e, gw, _, _ := newExecutor(t)

	out, err := e.OnCounterpartyFill(context.Background(), fill("9002", domain.SideSell))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	created := gw.CreatedOrders()
	require.Len(t, created, 1)
	assert.False(t, created[0].IsAsk)
	assert.EqualValues(t, 1149225, created[0].Price)
}

func TestOnCounterpartyFill_DuplicateDeliveryHedgesOnce(t *testing.T) {
	e, gw, store, _ := newExecutor(t)
	ctx := context.Background()

	_, err := e.OnCounterpartyFill(ctx, fill("9003", domain.SideBuy))
	require.NoError(t, err)
	_, err = e.OnCounterpartyFill(ctx, fill("9003", domain.SideBuy))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, gw.CreatedOrders(), 1)

	// 重启后的新实例仍通过持久化去重识别
	e2 := NewExecutor(e.runner, e.cfg, store, nil)
	_, err = e2.OnCounterpartyFill(ctx, fill("9003", domain.SideBuy))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, gw.CreatedOrders(), 1)
}

func TestOnCounterpartyFill_ExhaustedAttemptsReportFailure(t *testing.T) {
	e, gw, _, rec := newExecutor(t)
	gw.MarketMode = portstest.MarketFillCanceled

	out, err := e.OnCounterpartyFill(context.Background(), fill("9004", domain.SideBuy))
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, domain.HedgeFailed, out.Status)
	assert.Contains(t, out.Reason, "3 attempts")
	assert.Len(t, gw.CreatedOrders(), 3)
	require.Len(t, rec.items, 1)
	assert.Equal(t, 3, rec.items[0].attempts)
}

func TestOnCounterpartyFill_RecoversOnLaterAttempt(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	gw.FailNext("CreateOrder", assert.AnError)

	out, err := e.OnCounterpartyFill(context.Background(), fill("9005", domain.SideBuy))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Len(t, gw.CreatedOrders(), 1)
}

func TestOnCounterpartyFill_InvalidEventFailsWithoutOrder(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	ev := fill("9006", domain.Side("hold"))

	out, err := e.OnCounterpartyFill(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeFailed, out.Status)
	assert.Empty(t, gw.CreatedOrders())
}

// slowRunner 确认阶段耗时固定，记录确认时 ctx 是否已被取消
type slowRunner struct {
	confirmDelay time.Duration
	placed       atomic.Int32
	canceledSeen atomic.Bool
}

func (r *slowRunner) Market() domain.MarketSpec { return btc }

func (r *slowRunner) PlaceMarket(_ context.Context, mo oms.MarketOrder) (*domain.Order, error) {
	r.placed.Add(1)
	return &domain.Order{VenueOrderID: "h1", Side: mo.Side, RequestedSize: mo.Size, Status: domain.OrderStatusOpen}, nil
}

func (r *slowRunner) ConfirmFill(ctx context.Context, o *domain.Order, _ int, _ time.Duration) (domain.VenueOrder, error) {
	select {
	case <-ctx.Done():
		r.canceledSeen.Store(true)
		return domain.VenueOrder{}, ctx.Err()
	case <-time.After(r.confirmDelay):
	}
	return domain.VenueOrder{OrderID: o.VenueOrderID, Status: domain.OrderStatusFilled, FilledSize: o.RequestedSize}, nil
}

func TestOnCounterpartyFill_StopDoesNotAbandonSubmittedHedge(t *testing.T) {
	runner := &slowRunner{confirmDelay: 80 * time.Millisecond}
	e := NewExecutor(runner, Config{Leg: "account_b", RetryInterval: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	out, err := e.OnCounterpartyFill(ctx, fill("9101", domain.SideBuy))
	require.NoError(t, err)
	assert.True(t, out.Succeeded(), out.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.False(t, runner.canceledSeen.Load())
	assert.EqualValues(t, 1, runner.placed.Load())
}

func TestOnCounterpartyFill_StopSkipsFurtherAttempts(t *testing.T) {
	e, gw, _, _ := newExecutor(t)
	gw.MarketMode = portstest.MarketFillSilent
	e.cfg.ConfirmAttempts = 5
	e.cfg.ConfirmInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	out, err := e.OnCounterpartyFill(ctx, fill("9102", domain.SideBuy))
	require.NoError(t, err)
	// 确认轮询跑满，之后不再发起新的尝试
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, gw.CreatedOrders(), 1)
	assert.Equal(t, domain.HedgeFailed, out.Status)
	assert.Contains(t, out.Reason, "order not confirmed")
}

var btcCoarse = domain.MarketSpec{Symbol: "BTC", Index: 1, SizeDecimals: 4, PriceDecimals: 1}

func newCoarseExecutor(t *testing.T) (*Executor, *portstest.FakeGateway) {
	t.Helper()
	gw := portstest.NewFakeGateway(btcCoarse)
	m := oms.New(gw, btcCoarse, oms.Config{Leg: "account_b", NonceBackoff: time.Millisecond, AuthBackoff: time.Millisecond})
	e := NewExecutor(m, Config{Leg: "account_b", RetryInterval: time.Millisecond, ConfirmAttempts: 2, ConfirmInterval: time.Millisecond}, nil, nil)
	return e, gw
}

func TestOnCounterpartyFill_SubPrecisionRemainderCountsAsDone(t *testing.T) {
	e, gw := newCoarseExecutor(t)
	ev := fill("9103", domain.SideBuy)
	ev.FilledSize = d("0.00025")

	out, err := e.OnCounterpartyFill(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, out.Succeeded(), out.Reason)
	created := gw.CreatedOrders()
	require.Len(t, created, 1)
	assert.EqualValues(t, 2, created[0].BaseAmount)
}

func TestOnCounterpartyFill_FillBelowPrecisionFails(t *testing.T) {
	e, gw := newCoarseExecutor(t)
	ev := fill("9104", domain.SideBuy)
	ev.FilledSize = d("0.00005")

	out, err := e.OnCounterpartyFill(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeFailed, out.Status)
	assert.Contains(t, out.Reason, "precision")
	assert.Empty(t, gw.CreatedOrders())
}

func TestOutcomeWaiter(t *testing.T) {
	w := NewOutcomeWaiter()
	ctx := context.Background()

	assert.False(t, w.Deliver(domain.HedgeOutcome{VenueOrderID: "1"}), "未 Arm 时丢弃")

	ch := w.Arm("7")
	assert.False(t, w.Deliver(domain.HedgeOutcome{VenueOrderID: "6"}), "其他订单的结果丢弃")
	assert.True(t, w.Deliver(domain.HedgeOutcome{VenueOrderID: "7", Status: domain.HedgeSuccess}))
	assert.False(t, w.Deliver(domain.HedgeOutcome{VenueOrderID: "7"}), "只投递一次")

	out, err := Wait(ctx, ch, time.Second)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())

	ch = w.Arm("8")
	_, err = Wait(ctx, ch, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrOutcomeTimeout)
}
