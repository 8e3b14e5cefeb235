package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/oms"
)

var log = logrus.WithField("component", "hedge_executor")

// OrderRunner 对冲腿下市价单并确认成交（*oms.Manager）
type OrderRunner interface {
	Market() domain.MarketSpec
	PlaceMarket(ctx context.Context, mo oms.MarketOrder) (*domain.Order, error)
	ConfirmFill(ctx context.Context, o *domain.Order, attempts int, interval time.Duration) (domain.VenueOrder, error)
}

// Deduper 跨重启的去重存储（Badger）
type Deduper interface {
	SetIfAbsent(key string, val []byte, ttl time.Duration) (bool, error)
}

// Recorder 审计记录，可为 nil
type Recorder interface {
	RecordHedge(ctx context.Context, ev domain.FillEvent, out domain.HedgeOutcome, attempts int)
}

// Config 对冲执行参数
type Config struct {
	Leg             string
	RetryTimes      int
	RetryInterval   time.Duration
	ConfirmAttempts int
	ConfirmInterval time.Duration
	Slippage        decimal.Decimal
	DedupTTL        time.Duration
	// SubmitGrace 单次尝试在确认轮询之外留给下单（含 nonce 重试）的时间
	SubmitGrace time.Duration
}

func (c *Config) withDefaults() {
	if c.RetryTimes <= 0 {
		c.RetryTimes = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = 5
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 3 * time.Second
	}
	if !c.Slippage.IsPositive() {
		c.Slippage = domain.DefaultSlippage
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 7 * 24 * time.Hour
	}
	if c.SubmitGrace <= 0 {
		c.SubmitGrace = 15 * time.Second
	}
}

// attemptTimeout 一次尝试（下单加确认）的上限
func (c Config) attemptTimeout() time.Duration {
	return time.Duration(c.ConfirmAttempts)*c.ConfirmInterval + c.SubmitGrace
}

// ErrDuplicate 同一成交已经对冲过或正在对冲
var ErrDuplicate = errors.New("duplicate fill event")

// Executor 收到对端成交后在本腿下反向市价单
type Executor struct {
	runner OrderRunner
	cfg    Config
	dedup  Deduper
	rec    Recorder

	mu   sync.Mutex
	seen map[string]struct{}

	now func() time.Time
}

func NewExecutor(runner OrderRunner, cfg Config, dedup Deduper, rec Recorder) *Executor {
	cfg.withDefaults()
	return &Executor{
		runner: runner,
		cfg:    cfg,
		dedup:  dedup,
		rec:    rec,
		seen:   make(map[string]struct{}),
		now:    time.Now,
	}
}

// claim 按场所订单号占位，重复投递返回 false
func (e *Executor) claim(ev domain.FillEvent) bool {
	key := ev.Leg + ":" + ev.VenueOrderID
	e.mu.Lock()
	if _, ok := e.seen[key]; ok {
		e.mu.Unlock()
		return false
	}
	e.seen[key] = struct{}{}
	e.mu.Unlock()

	if e.dedup == nil {
		return true
	}
	ok, err := e.dedup.SetIfAbsent("hedged:"+key, []byte(e.now().UTC().Format(time.RFC3339)), e.cfg.DedupTTL)
	if err != nil {
		// 本进程内的去重仍然有效
		log.Warnf("[对冲] 去重存储写入失败: %v", err)
		return true
	}
	return ok
}

// OnCounterpartyFill 对一条成交事件执行对冲，返回应回报给发起腿的结果。
// 重复事件返回 ErrDuplicate，不下单。
func (e *Executor) OnCounterpartyFill(ctx context.Context, ev domain.FillEvent) (domain.HedgeOutcome, error) {
	if !ev.Side.Valid() || !ev.FilledSize.IsPositive() || !ev.AvgPrice.IsPositive() {
		out := e.outcome(ev, domain.HedgeFailed, fmt.Sprintf("invalid fill event: side=%s size=%s avg=%s", ev.Side, ev.FilledSize, ev.AvgPrice))
		log.Errorf("❌ [对冲] 成交事件非法: %s", out.Reason)
		return out, nil
	}
	if !e.claim(ev) {
		log.Warnf("[对冲] 重复成交事件，忽略: leg=%s order=%s", ev.Leg, ev.VenueOrderID)
		return domain.HedgeOutcome{}, ErrDuplicate
	}

	side := ev.Side.Opposite()
	log.Infof("🛡️ [对冲] 收到成交: %s %s %s @ %s -> 本腿 %s (is_ask=%v)",
		ev.Leg, ev.Side, ev.FilledSize, ev.AvgPrice, side, side.IsAsk())

	// 已提交的市价单要等确认结束，停止信号只在两次尝试之间生效
	work := context.WithoutCancel(ctx)
	decimals := e.runner.Market().SizeDecimals

	remaining := ev.FilledSize
	attempts := 0
	var lastReason string
	for attempt := 1; attempt <= e.cfg.RetryTimes; attempt++ {
		if ctx.Err() != nil {
			if lastReason == "" {
				lastReason = ctx.Err().Error()
			} else {
				lastReason += "; stopped: " + ctx.Err().Error()
			}
			break
		}
		size := remaining.Truncate(decimals)
		if !size.IsPositive() {
			if attempts == 0 {
				lastReason = fmt.Sprintf("fill size %s below hedge leg precision (decimals=%d)", remaining, decimals)
				break
			}
			log.Warnf("[对冲] 剩余 %s 低于本腿最小精度，视为完成", remaining)
			return e.succeed(work, ev, attempts), nil
		}
		attempts = attempt
		actx, cancel := context.WithTimeout(work, e.cfg.attemptTimeout())
		filled, err := e.attempt(actx, side, size, ev.AvgPrice)
		cancel()
		remaining = remaining.Sub(filled)
		if !remaining.Truncate(decimals).IsPositive() {
			if remaining.IsPositive() {
				log.Warnf("[对冲] 剩余 %s 低于本腿最小精度，视为完成", remaining)
			}
			return e.succeed(work, ev, attempts), nil
		}
		if err != nil {
			lastReason = err.Error()
		} else {
			lastReason = fmt.Sprintf("partial hedge, remaining %s", remaining)
		}
		log.Warnf("[对冲] 第 %d/%d 次尝试失败: %s", attempt, e.cfg.RetryTimes, lastReason)
		if attempt < e.cfg.RetryTimes {
			t := time.NewTimer(e.cfg.RetryInterval)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}

	out := e.outcome(ev, domain.HedgeFailed, fmt.Sprintf("hedge exhausted after %d attempts: %s", attempts, lastReason))
	log.Errorf("❌ [对冲] 对冲失败，发起腿需暂停: order=%s remaining=%s reason=%s", ev.VenueOrderID, remaining, lastReason)
	e.record(work, ev, out, attempts)
	return out, nil
}

func (e *Executor) succeed(ctx context.Context, ev domain.FillEvent, attempts int) domain.HedgeOutcome {
	out := e.outcome(ev, domain.HedgeSuccess, "")
	log.Infof("✅ [对冲] 对冲完成: order=%s size=%s attempts=%d", ev.VenueOrderID, ev.FilledSize, attempts)
	e.record(ctx, ev, out, attempts)
	return out
}

// attempt 一次完整尝试：下单并确认，返回本次成交数量
func (e *Executor) attempt(ctx context.Context, side domain.Side, size, refPrice decimal.Decimal) (decimal.Decimal, error) {
	o, err := e.runner.PlaceMarket(ctx, oms.MarketOrder{
		Side:     side,
		Size:     size,
		RefPrice: refPrice,
		Slippage: e.cfg.Slippage,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("下单失败: %w", err)
	}
	v, err := e.runner.ConfirmFill(ctx, o, e.cfg.ConfirmAttempts, e.cfg.ConfirmInterval)
	if err != nil {
		return decimal.Zero, fmt.Errorf("确认失败: %w", err)
	}
	switch v.Status {
	case domain.OrderStatusFilled:
		return v.FilledSize, nil
	case domain.OrderStatusCanceled:
		return v.FilledSize, fmt.Errorf("市价单被取消: order=%s filled=%s", v.OrderID, v.FilledSize)
	default:
		return decimal.Zero, fmt.Errorf("市价单状态异常: %s", v.Status)
	}
}

func (e *Executor) outcome(ev domain.FillEvent, st domain.HedgeStatus, reason string) domain.HedgeOutcome {
	return domain.HedgeOutcome{
		Status:       st,
		Leg:          e.cfg.Leg,
		Market:       ev.Market,
		VenueOrderID: ev.VenueOrderID,
		Reason:       reason,
		Timestamp:    e.now(),
	}
}

func (e *Executor) record(ctx context.Context, ev domain.FillEvent, out domain.HedgeOutcome, attempts int) {
	if e.rec != nil {
		e.rec.RecordHedge(ctx, ev, out, attempts)
	}
}
