// Package flatten 紧急平仓：撤掉本腿所有挂单，用只减仓市价单平掉本腿仓位，必要时通知对端腿。
package flatten

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/bus"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/metrics"
	"github.com/betbot/hedgebot/internal/oms"
)

var log = logrus.WithField("component", "flattener")

// OrderOps 撤单与市价单（*oms.Manager）
type OrderOps interface {
	CancelAll(ctx context.Context) (int, error)
	PlaceMarket(ctx context.Context, mo oms.MarketOrder) (*domain.Order, error)
	ConfirmFill(ctx context.Context, o *domain.Order, attempts int, interval time.Duration) (domain.VenueOrder, error)
}

// Venue 仓位与盘口读取
type Venue interface {
	QueryPosition(ctx context.Context, marketIndex int) (domain.Position, error)
	OrderBookLevel(ctx context.Context, marketIndex int, side domain.Side, depth int) (decimal.Decimal, error)
}

// PeerReader 读取对端腿的共享快照
type PeerReader interface {
	Get(ctx context.Context, market, account string) (domain.PositionSnapshot, bool, error)
}

// Publisher 发布 close_all
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Recorder 审计记录，可为 nil
type Recorder interface {
	RecordFlatten(ctx context.Context, leg, market, reason, result string)
}

// Config 平仓参数
type Config struct {
	Account string
	Market  domain.MarketSpec
	// Peer 对端账户名；为空表示本腿不负责通知对端
	Peer            string
	CloseAllChannel string
	Slippage        decimal.Decimal
	RefDepth        int
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

func (c *Config) withDefaults() {
	if !c.Slippage.IsPositive() {
		c.Slippage = domain.DefaultSlippage
	}
	if c.RefDepth <= 0 {
		c.RefDepth = 5
	}
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = 5
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 3 * time.Second
	}
}

// Result 一次本腿平仓的结果
type Result struct {
	Before   domain.Position
	Canceled int
	Side     domain.Side
	Filled   decimal.Decimal
	After    *domain.Position
	Skipped  bool
}

type Flattener struct {
	ops   OrderOps
	venue Venue
	peers PeerReader
	pub   Publisher
	rec   Recorder
	cfg   Config

	// 同一时刻只允许一次平仓
	mu sync.Mutex

	now func() time.Time
}

func New(ops OrderOps, venue Venue, peers PeerReader, pub Publisher, rec Recorder, cfg Config) *Flattener {
	cfg.withDefaults()
	return &Flattener{ops: ops, venue: venue, peers: peers, pub: pub, rec: rec, cfg: cfg, now: time.Now}
}

// Flatten 发起腿的强平入口：平掉本腿非零仓位；对端有仓位（或无法确认）时发布 close_all。
// 失败只记录，不自动重试。
func (f *Flattener) Flatten(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	own, err := f.venue.QueryPosition(ctx, f.cfg.Market.Index)
	if err != nil {
		f.record(ctx, reason, "sample failed: "+err.Error())
		return fmt.Errorf("采样本腿仓位失败: %w", err)
	}
	own = own.Normalize()
	peerOpen := f.peerNeedsClose(ctx)

	if own.IsFlat() && !peerOpen {
		log.Infof("[平仓] 两腿均无仓位，无需处理: %s", reason)
		f.record(ctx, reason, "noop")
		return nil
	}

	log.Errorf("🚨 [平仓] 开始强平: reason=%s own=%s(%d) peer_open=%v", reason, own.Size, own.Sign, peerOpen)
	var firstErr error
	if !own.IsFlat() {
		res, err := f.closeLocked(ctx, own)
		if err != nil {
			firstErr = err
			log.Errorf("❌ [平仓] 本腿平仓失败: %v", err)
		} else {
			log.Infof("✅ [平仓] 本腿已平仓: %s %s canceled=%d", res.Side, res.Filled, res.Canceled)
		}
	}
	if peerOpen {
		if err := f.publishCloseAll(ctx, reason); err != nil {
			log.Errorf("❌ [平仓] 发布 close_all 失败: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	result := "ok"
	if firstErr != nil {
		result = firstErr.Error()
	}
	f.record(ctx, reason, result)
	return firstErr
}

// peerNeedsClose 对端快照非零，或读不到时返回 true
func (f *Flattener) peerNeedsClose(ctx context.Context) bool {
	if f.cfg.Peer == "" || f.peers == nil || f.pub == nil {
		return false
	}
	snap, ok, err := f.peers.Get(ctx, f.cfg.Market.Symbol, f.cfg.Peer)
	if err != nil || !ok {
		log.Warnf("[平仓] 无法读取对端快照，按有仓位处理: ok=%v err=%v", ok, err)
		return true
	}
	return !snap.IsFlat()
}

func (f *Flattener) publishCloseAll(ctx context.Context, reason string) error {
	payload, err := bus.EncodeCloseAll(domain.CloseAllSignal{
		Market:      f.cfg.Market.Symbol,
		MarketIndex: f.cfg.Market.Index,
		Reason:      reason,
		Timestamp:   f.now(),
	})
	if err != nil {
		return err
	}
	if err := f.pub.Publish(ctx, f.cfg.CloseAllChannel, payload); err != nil {
		return err
	}
	log.Warnf("📣 [平仓] 已通知对端清仓: channel=%s", f.cfg.CloseAllChannel)
	return nil
}

// HandleCloseAll 对冲腿收到 close_all 后平掉自己的仓位
func (f *Flattener) HandleCloseAll(ctx context.Context, sig domain.CloseAllSignal) error {
	if sig.MarketIndex != f.cfg.Market.Index {
		log.Warnf("[平仓] 忽略其他市场的 close_all: market=%s index=%d", sig.Market, sig.MarketIndex)
		return nil
	}
	_, err := f.CloseOwn(ctx, "close_all: "+sig.Reason)
	return err
}

// CloseOwn 只处理本腿：撤单，平仓，再采样确认
func (f *Flattener) CloseOwn(ctx context.Context, reason string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	own, err := f.venue.QueryPosition(ctx, f.cfg.Market.Index)
	if err != nil {
		f.record(ctx, reason, "sample failed: "+err.Error())
		return Result{}, fmt.Errorf("采样本腿仓位失败: %w", err)
	}
	own = own.Normalize()
	if own.IsFlat() {
		// 仍然撤掉残留挂单
		n, _ := f.ops.CancelAll(ctx)
		log.Infof("[平仓] 本腿无仓位: %s (撤单 %d)", reason, n)
		f.record(ctx, reason, "noop")
		return Result{Before: own, Canceled: n, Skipped: true}, nil
	}
	res, err := f.closeLocked(ctx, own)
	result := "ok"
	if err != nil {
		result = err.Error()
		log.Errorf("❌ [平仓] 本腿平仓失败: %v", err)
	}
	f.record(ctx, reason, result)
	return res, err
}

// closeLocked 撤单后按精确仓位下只减仓市价单；参考价取吃单方向第 RefDepth 档
func (f *Flattener) closeLocked(ctx context.Context, own domain.Position) (Result, error) {
	res := Result{Before: own}
	side, ok := domain.CloseSide(own.Sign)
	if !ok {
		res.Skipped = true
		return res, nil
	}
	res.Side = side

	n, err := f.ops.CancelAll(ctx)
	res.Canceled = n
	if err != nil {
		log.Warnf("[平仓] 撤单未全部成功，继续平仓: %v", err)
	}

	ref, err := f.refPrice(ctx, side)
	if err != nil {
		return res, fmt.Errorf("读取参考价失败: %w", err)
	}
	o, err := f.ops.PlaceMarket(ctx, oms.MarketOrder{
		Side:       side,
		Size:       own.Size,
		RefPrice:   ref,
		Slippage:   f.cfg.Slippage,
		ReduceOnly: true,
	})
	if err != nil {
		return res, fmt.Errorf("平仓下单失败: %w", err)
	}
	v, err := f.ops.ConfirmFill(ctx, o, f.cfg.ConfirmAttempts, f.cfg.ConfirmInterval)
	if err != nil {
		return res, fmt.Errorf("平仓单未确认: %w", err)
	}
	res.Filled = v.FilledSize

	if after, err := f.venue.QueryPosition(ctx, f.cfg.Market.Index); err == nil {
		after = after.Normalize()
		res.After = &after
		if !after.IsFlat() {
			return res, fmt.Errorf("平仓后仍有残余仓位: %s(%d)", after.Size, after.Sign)
		}
	}
	if v.Status != domain.OrderStatusFilled {
		return res, fmt.Errorf("平仓单状态 %s，成交 %s/%s", v.Status, v.FilledSize, own.Size)
	}
	return res, nil
}

func (f *Flattener) refPrice(ctx context.Context, side domain.Side) (decimal.Decimal, error) {
	// 卖出平多看买盘，买入平空看卖盘
	book := side.Opposite()
	px, err := f.venue.OrderBookLevel(ctx, f.cfg.Market.Index, book, f.cfg.RefDepth)
	if err == nil && px.IsPositive() {
		return px, nil
	}
	if f.cfg.RefDepth > 1 {
		log.Warnf("[平仓] 第 %d 档不可用，退回第 1 档: %v", f.cfg.RefDepth, err)
		return f.venue.OrderBookLevel(ctx, f.cfg.Market.Index, book, 1)
	}
	return px, err
}

func (f *Flattener) record(ctx context.Context, reason, result string) {
	switch result {
	case "noop":
	case "ok":
		metrics.Flattens.Add(1)
	default:
		metrics.FlattenFailures.Add(1)
	}
	if f.rec != nil {
		f.rec.RecordFlatten(ctx, f.cfg.Account, f.cfg.Market.Symbol, reason, result)
	}
}
