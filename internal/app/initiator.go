// Package app 把订单管理、对冲、对账、强平和推送组装成一条腿的运行时。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/bus"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/hedge"
	"github.com/betbot/hedgebot/internal/journal"
	"github.com/betbot/hedgebot/internal/metrics"
	"github.com/betbot/hedgebot/internal/oms"
	"github.com/betbot/hedgebot/internal/ports"
	"github.com/betbot/hedgebot/internal/risk"
)

var log = logrus.WithField("component", "app")

// ErrHedgeFailed 对冲腿回报失败，本腿已暂停
var ErrHedgeFailed = errors.New("hedge failed")

// InitiatorConfig 发起腿主循环参数
type InitiatorConfig struct {
	Leg      string
	Side     domain.Side
	Quantity decimal.Decimal
	Depth    int

	PollInterval     time.Duration
	MaxOrderAge      time.Duration
	StepBackoff      time.Duration // 本轮失败后的等待
	CycleRest        time.Duration // 本轮成功后的休息
	HedgeWaitTimeout time.Duration
	UseFeed          bool

	PublishRetries int
	PublishBackoff time.Duration
}

func (c *InitiatorConfig) withDefaults() {
	if !c.Side.Valid() {
		c.Side = domain.SideBuy
	}
	if c.Depth <= 0 {
		c.Depth = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StepBackoff <= 0 {
		c.StepBackoff = 5 * time.Second
	}
	if c.CycleRest <= 0 {
		c.CycleRest = 2 * time.Second
	}
	if c.HedgeWaitTimeout <= 0 {
		c.HedgeWaitTimeout = 60 * time.Second
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = time.Second
	}
}

// Initiator 发起腿：挂限价单，等成交，发布成交事件，等对冲结果，然后下一轮
type Initiator struct {
	oms     *oms.Manager
	guard   *risk.PauseGuard
	bus     ports.Bus
	proto   bus.Protocol
	journal *journal.Journal
	state   *LegState
	cfg     InitiatorConfig

	waiter *hedge.OutcomeWaiter
	// 超时之后才到的失败结果，下一轮开始前处理
	lateFailures chan domain.HedgeOutcome
	wake         chan struct{}
}

func NewInitiator(m *oms.Manager, guard *risk.PauseGuard, b ports.Bus, proto bus.Protocol, j *journal.Journal, state *LegState, cfg InitiatorConfig) *Initiator {
	cfg.withDefaults()
	if state == nil {
		state = &LegState{}
	}
	return &Initiator{
		oms:          m,
		guard:        guard,
		bus:          b,
		proto:        proto,
		journal:      j,
		state:        state,
		cfg:          cfg,
		waiter:       hedge.NewOutcomeWaiter(),
		lateFailures: make(chan domain.HedgeOutcome, 8),
		wake:         make(chan struct{}, 1),
	}
}

// Subscribe 订阅对冲结果频道。回调只做内存操作。
func (in *Initiator) Subscribe(ctx context.Context) (ports.Subscription, error) {
	return in.bus.Subscribe(ctx, in.proto.OutcomeChannel(), func(_ string, payload []byte) {
		out, err := bus.DecodeOutcome(payload)
		if err != nil {
			log.Warnf("[对冲] 无法解析对冲结果: %v", err)
			return
		}
		market := in.oms.Market().Symbol
		if out.Market != "" && out.Market != market {
			return
		}
		if in.waiter.Deliver(out) {
			return
		}
		if out.Succeeded() {
			log.Infof("[对冲] 收到迟到的成功结果: order=%s", out.VenueOrderID)
			return
		}
		select {
		case in.lateFailures <- out:
		default:
			// 队列满说明已经有待处理的失败，本腿一定会暂停
			log.Errorf("[对冲] 迟到失败结果队列已满: order=%s", out.VenueOrderID)
		}
	})
}

// Wake 立即开始下一轮（例如人工解除暂停后）
func (in *Initiator) Wake() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Run 主循环，直到 ctx 取消
func (in *Initiator) Run(ctx context.Context) {
	in.state.running.Store(true)
	defer in.state.running.Store(false)

	log.Infof("🚀 [主循环] 发起腿启动: leg=%s market=%s side=%s qty=%s depth=%d feed=%v",
		in.cfg.Leg, in.oms.Market().Symbol, in.cfg.Side, in.cfg.Quantity, in.cfg.Depth, in.cfg.UseFeed)

	pausedLogged := false
	for {
		if ctx.Err() != nil {
			return
		}
		in.drainLateFailures(ctx)

		err := in.safeCycle(ctx)
		in.state.setErr(err)
		wait := in.cfg.CycleRest
		switch {
		case err == nil:
			pausedLogged = false
		case ctx.Err() != nil:
			return
		case errors.Is(err, risk.ErrTradingPaused):
			if !pausedLogged {
				st := in.guard.State()
				log.Warnf("⏸️ [主循环] 本腿已暂停，等待人工解除: reason=%s since=%s", st.Reason, st.Since.Format(time.RFC3339))
				pausedLogged = true
			}
			wait = in.cfg.StepBackoff
		case errors.Is(err, oms.ErrSkipped):
			log.Debugf("[主循环] 本轮跳过: %v", err)
			wait = in.cfg.StepBackoff
		default:
			log.Warnf("[主循环] 本轮失败，%v 后重试: %v", in.cfg.StepBackoff, err)
			wait = in.cfg.StepBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-in.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (in *Initiator) drainLateFailures(ctx context.Context) {
	for {
		select {
		case out := <-in.lateFailures:
			in.journal.RecordOutcome(ctx, in.cfg.Leg, out)
			in.state.hedgesFailed.Add(1)
			in.guard.Pause(fmt.Sprintf("late hedge failure: order=%s reason=%s", out.VenueOrderID, out.Reason))
		default:
			return
		}
	}
}

func (in *Initiator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ [主循环] 本轮 panic: %v", r)
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return in.RunCycle(ctx)
}

// RunCycle 执行一轮：挂单 → 等成交 → 发布成交 → 等对冲结果
func (in *Initiator) RunCycle(ctx context.Context) error {
	if err := in.guard.AllowTrading(); err != nil {
		return err
	}
	n := in.state.cycles.Add(1)
	log.Infof("==== [主循环] 第 %d 轮 ====", n)

	order, err := in.oms.PlaceLimit(ctx, in.cfg.Side, in.cfg.Quantity, in.cfg.Depth)
	switch {
	case errors.Is(err, oms.ErrSkipped):
		active := in.oms.Active()
		if active == nil {
			return err
		}
		if in.oms.CancelIfStale(ctx, active, in.cfg.MaxOrderAge) {
			in.journal.RecordOrder(ctx, in.cfg.Leg, in.oms.Snapshot(active))
			return err
		}
		log.Infof("[主循环] 继续等待未完成订单: client=%d order=%s", active.ClientIndex, in.oms.Snapshot(active).VenueOrderID)
		order = active
	case err != nil:
		return fmt.Errorf("挂单失败: %w", err)
	}
	in.journal.RecordOrder(ctx, in.cfg.Leg, in.oms.Snapshot(order))

	ev, err := in.awaitFill(ctx, order)
	in.journal.RecordOrder(ctx, in.cfg.Leg, in.oms.Snapshot(order))
	if err != nil {
		return err
	}
	in.state.markFill(ev.Timestamp)

	ch := in.waiter.Arm(ev.VenueOrderID)
	if err := in.publishFill(ctx, ev); err != nil {
		in.waiter.Disarm()
		// 成交没有送到对冲腿，本腿处于单边敞口
		in.guard.Pause("fill publish failed: " + err.Error())
		return fmt.Errorf("发布成交事件失败: %w", err)
	}

	out, err := hedge.Wait(ctx, ch, in.cfg.HedgeWaitTimeout)
	if err != nil {
		in.waiter.Disarm()
		if errors.Is(err, hedge.ErrOutcomeTimeout) {
			in.state.timeouts.Add(1)
			metrics.HedgeTimeouts.Add(1)
			log.Warnf("⏰ [对冲] %v 内未收到对冲结果: order=%s，交给对账处理", in.cfg.HedgeWaitTimeout, ev.VenueOrderID)
		}
		return err
	}
	in.journal.RecordOutcome(ctx, in.cfg.Leg, out)
	if !out.Succeeded() {
		in.state.hedgesFailed.Add(1)
		in.guard.Pause(fmt.Sprintf("hedge failed: order=%s reason=%s", out.VenueOrderID, out.Reason))
		return fmt.Errorf("%w: %s", ErrHedgeFailed, out.Reason)
	}
	in.state.hedgesOK.Add(1)
	log.Infof("✅ [主循环] 本轮完成: order=%s size=%s avg=%s", ev.VenueOrderID, ev.FilledSize, ev.AvgPrice)
	return nil
}

// awaitFill 等待成交；超时后撤单并再查一次，部分成交照样返回成交事件
func (in *Initiator) awaitFill(ctx context.Context, o *domain.Order) (domain.FillEvent, error) {
	var (
		ev  domain.FillEvent
		err error
	)
	if in.cfg.UseFeed {
		in.oms.Track(o)
		ev, err = in.oms.AwaitFeedFill(ctx, o)
	} else {
		ev, err = in.oms.AwaitFill(ctx, o, in.cfg.PollInterval)
	}
	if !errors.Is(err, oms.ErrFillTimeout) {
		return ev, err
	}

	in.state.timeouts.Add(1)
	if cerr := in.oms.Cancel(ctx, o); cerr != nil {
		log.Warnf("[撤单] 超时订单撤单失败: client=%d err=%v", o.ClientIndex, cerr)
	}
	late, done, cerr := in.oms.CheckOnce(ctx, o)
	if done && cerr == nil {
		log.Warnf("[成交] 超时撤单后发现成交: order=%s size=%s", late.VenueOrderID, late.FilledSize)
		return late, nil
	}
	return domain.FillEvent{}, err
}

func (in *Initiator) publishFill(ctx context.Context, ev domain.FillEvent) error {
	payload, err := bus.EncodeFill(ev)
	if err != nil {
		return err
	}
	if err := publishWithRetry(ctx, in.bus, in.proto.FillChannel(), payload, in.cfg.PublishRetries, in.cfg.PublishBackoff); err != nil {
		return err
	}
	metrics.FillsPublished.Add(1)
	log.Infof("📤 [对冲] 成交事件已发布: channel=%s order=%s %s %s @ %s",
		in.proto.FillChannel(), ev.VenueOrderID, ev.Side, ev.FilledSize, ev.AvgPrice)
	return nil
}

func publishWithRetry(ctx context.Context, b ports.Bus, channel string, payload []byte, attempts int, backoff time.Duration) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = b.Publish(ctx, channel, payload); err == nil {
			return nil
		}
		log.Warnf("[总线] 发布失败 (%d/%d): channel=%s err=%v", i, attempts, channel, err)
		if i == attempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
