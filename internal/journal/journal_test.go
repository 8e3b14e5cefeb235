package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hedgebot/internal/domain"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordOrder_Upserts(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	px := decimal.RequireFromString("109450.0")
	o := &domain.Order{
		IdempotencyKey: "k1",
		ClientIndex:    42,
		Market:         "BTC",
		Side:           domain.SideBuy,
		Kind:           domain.OrderKindLimit,
		RequestedSize:  decimal.RequireFromString("0.0002"),
		RequestedPrice: &px,
		Status:         domain.OrderStatusOpen,
		CreatedAt:      time.Now(),
	}
	j.RecordOrder(ctx, "account_a", o)

	o.Status = domain.OrderStatusFilled
	o.VenueOrderID = "5001"
	o.FilledSize = o.RequestedSize
	o.FilledNotional = decimal.RequireFromString("21.89")
	j.RecordOrder(ctx, "account_a", o)

	n, err := j.CountOrders(ctx, domain.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = j.CountOrders(ctx, domain.OrderStatusOpen)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecent_MergesAllKinds(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Now()

	ev := domain.FillEvent{Leg: "account_a", Market: "BTC", VenueOrderID: "5001", Side: domain.SideBuy,
		FilledSize: decimal.RequireFromString("0.0002"), AvgPrice: decimal.RequireFromString("109450")}
	j.RecordHedge(ctx, ev, domain.HedgeOutcome{Status: domain.HedgeSuccess, Leg: "account_b", Timestamp: base.Add(-time.Minute)}, 1)
	j.RecordOutcome(ctx, "account_a", domain.HedgeOutcome{Status: domain.HedgeFailed, Market: "BTC", VenueOrderID: "5002", Reason: "exhausted"})
	j.RecordFlatten(ctx, "account_a", "BTC", "one leg flat", "ok")
	j.RecordAnomaly(ctx, "account_a", "BTC", "unexpected short position")

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	kinds := map[string]bool{}
	for _, e := range entries {
		kinds[e.Kind] = true
	}
	assert.Equal(t, map[string]bool{"hedge": true, "outcome": true, "flatten": true, "anomaly": true}, kinds)
	// 对冲记录时间最早，排在最后
	assert.Equal(t, "hedge", entries[3].Kind)
	assert.Contains(t, entries[3].Detail, "success 5001")
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.RecordFlatten(context.Background(), "a", "BTC", "r", "ok")
	j.RecordAnomaly(context.Background(), "a", "BTC", "x")
	assert.NoError(t, j.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
