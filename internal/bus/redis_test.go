package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hedgebot/internal/domain"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBus(context.Background(), RedisConfig{Addr: mr.Addr(), DialTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNewRedisBus_Errors(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisConfig{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisBus(context.Background(), RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx := context.Background()
	proto := NewProtocol("account_a", "account_b")

	got := make(chan LegMessage, 4)
	sub, err := b.Subscribe(ctx, proto.FillChannel(), func(channel string, payload []byte) {
		assert.Equal(t, proto.FillChannel(), channel)
		msg, err := DecodeLegMessage(payload)
		if assert.NoError(t, err) {
			got <- msg
		}
	})
	require.NoError(t, err)

	ev := domain.FillEvent{
		Leg:          "account_a",
		Market:       "BTC",
		MarketIndex:  1,
		VenueOrderID: "281474976710657",
		FilledSize:   decimal.RequireFromString("0.0002"),
		AvgPrice:     decimal.RequireFromString("109450"),
		Side:         domain.SideBuy,
		Timestamp:    time.Unix(1761290287, 0),
	}
	raw, err := EncodeFill(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, proto.FillChannel(), raw))
	// 别的频道不应送达
	require.NoError(t, b.Publish(ctx, proto.OutcomeChannel(), []byte(`{"status":"success"}`)))

	select {
	case msg := <-got:
		require.NotNil(t, msg.Fill)
		assert.Equal(t, ev.VenueOrderID, msg.Fill.VenueOrderID)
		assert.True(t, msg.Fill.FilledSize.Equal(ev.FilledSize))
		assert.True(t, msg.Fill.Timestamp.Equal(ev.Timestamp))
	case <-time.After(2 * time.Second):
		t.Fatal("未收到成交消息")
	}

	raw, err = EncodeCloseAll(domain.CloseAllSignal{Market: "BTC", MarketIndex: 1, Timestamp: time.Unix(1761290290, 0)})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, proto.FillChannel(), raw))
	select {
	case msg := <-got:
		require.NotNil(t, msg.CloseAll)
		assert.Equal(t, "BTC", msg.CloseAll.Market)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到清仓信号")
	}

	require.NoError(t, sub.Close())
	// 重复关闭是安全的
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(ctx, proto.FillChannel(), raw))
	select {
	case msg := <-got:
		t.Fatalf("取消订阅后仍收到消息: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_HandlerPanicKeepsSubscription(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx := context.Background()

	got := make(chan string, 2)
	_, err := b.Subscribe(ctx, "ch", func(_ string, payload []byte) {
		if string(payload) == "boom" {
			panic("boom")
		}
		got <- string(payload)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ch", []byte("boom")))
	require.NoError(t, b.Publish(ctx, "ch", []byte("ok")))
	select {
	case p := <-got:
		assert.Equal(t, "ok", p)
	case <-time.After(2 * time.Second):
		t.Fatal("panic 之后订阅应继续工作")
	}
}

func TestRedisBus_Hash(t *testing.T) {
	b, mr := newTestRedisBus(t)
	ctx := context.Background()

	_, ok, err := b.HGet(ctx, "k", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := b.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, b.HSet(ctx, "k", "a", []byte("1")))
	require.NoError(t, b.HSet(ctx, "k", "b", []byte("2")))
	require.NoError(t, b.HSet(ctx, "k", "a", []byte("3")))

	v, ok, err := b.HGet(ctx, "k", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", string(v))
	assert.Equal(t, "2", mr.HGet("k", "b"))

	all, err = b.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("3"), "b": []byte("2")}, all)
}

func TestPositionStore_OverRedis(t *testing.T) {
	b, mr := newTestRedisBus(t)
	ctx := context.Background()
	proto := NewProtocol("account_4", "account_5")
	store := NewPositionStore(b, proto)
	key := proto.PositionsKey("BTC")

	// 对端进程写入的快照
	mr.HSet(key, "account_5", `{"account_name": "account_5", "account_index": 280460, "size": 0.0002, `+
		`"sign": -1, "direction": "short", "timestamp": 1761290287, "market": "BTC", "available_balance": "24.1"}`)

	t0 := time.Unix(1761290290, 0)
	w, err := store.Update(ctx, domain.NewPositionSnapshot("account_4", 280459, "BTC",
		domain.Position{Size: decimal.RequireFromString("0.0002"), Sign: 1, AvailableBalance: decimal.RequireFromString("25.631906")}, t0))
	require.NoError(t, err)
	assert.True(t, w.Timestamp.Equal(t0))

	stored := mr.HGet(key, "account_4")
	assert.JSONEq(t, `{"account_name":"account_4","account_index":280459,"size":0.0002,"sign":1,`+
		`"direction":"long","timestamp":1761290290,"market":"BTC","available_balance":"25.631906"}`, stored)

	a, bb, okA, okB, err := store.Pair(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, int64(280459), a.AccountIndex)
	assert.Equal(t, -1, bb.Sign)
	assert.True(t, bb.AvailableBalance.Equal(decimal.RequireFromString("24.1")))
	assert.True(t, domain.Evaluate(a, bb, domain.DefaultEpsilon, t0).OK)

	// 仓位不变，时间戳保留
	w, err = store.Update(ctx, domain.NewPositionSnapshot("account_4", 280459, "BTC", a.Position(), t0.Add(10*time.Second)))
	require.NoError(t, err)
	assert.True(t, w.Timestamp.Equal(t0))
}
