package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/betbot/hedgebot/internal/bus"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/flatten"
	"github.com/betbot/hedgebot/internal/hedge"
	"github.com/betbot/hedgebot/internal/metrics"
	"github.com/betbot/hedgebot/internal/ports"
)

// HedgerConfig 对冲腿参数
type HedgerConfig struct {
	Leg            string
	Inbox          int
	PublishRetries int
	PublishBackoff time.Duration
}

func (c *HedgerConfig) withDefaults() {
	if c.Inbox <= 0 {
		c.Inbox = 256
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = time.Second
	}
}

func (c HedgerConfig) publishTimeout() time.Duration {
	return time.Duration(c.PublishRetries)*c.PublishBackoff + 5*time.Second
}

// Hedger 对冲腿：消费发起腿的成交事件和 close_all 信号
type Hedger struct {
	exec   *hedge.Executor
	flat   *flatten.Flattener
	bus    ports.Bus
	proto  bus.Protocol
	market domain.MarketSpec
	state  *LegState
	cfg    HedgerConfig

	inbox   chan bus.LegMessage
	dropped atomic.Int64
}

func NewHedger(exec *hedge.Executor, flat *flatten.Flattener, b ports.Bus, proto bus.Protocol, market domain.MarketSpec, state *LegState, cfg HedgerConfig) *Hedger {
	cfg.withDefaults()
	if state == nil {
		state = &LegState{}
	}
	return &Hedger{
		exec:   exec,
		flat:   flat,
		bus:    b,
		proto:  proto,
		market: market,
		state:  state,
		cfg:    cfg,
		inbox:  make(chan bus.LegMessage, cfg.Inbox),
	}
}

// Subscribe 订阅成交频道，消息解析后放入队列，由 Run 处理
func (h *Hedger) Subscribe(ctx context.Context) (ports.Subscription, error) {
	return h.bus.Subscribe(ctx, h.proto.FillChannel(), func(_ string, payload []byte) {
		msg, err := bus.DecodeLegMessage(payload)
		if err != nil {
			log.Warnf("[对冲] 丢弃无法解析的消息: %v", err)
			return
		}
		select {
		case h.inbox <- msg:
		default:
			h.dropped.Add(1)
			log.Errorf("❌ [对冲] 消息队列已满，丢弃消息: fill=%v close_all=%v", msg.Fill != nil, msg.CloseAll != nil)
		}
	})
}

// Dropped 因队列满而丢弃的消息数
func (h *Hedger) Dropped() int64 { return h.dropped.Load() }

func (h *Hedger) Run(ctx context.Context) {
	h.state.running.Store(true)
	defer h.state.running.Store(false)
	log.Infof("🚀 [主循环] 对冲腿启动: leg=%s market=%s channel=%s", h.cfg.Leg, h.market.Symbol, h.proto.FillChannel())

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbox:
			err := h.safeHandle(ctx, msg)
			h.state.setErr(err)
			if err != nil && ctx.Err() == nil {
				log.Warnf("[对冲] 处理消息失败: %v", err)
			}
		}
	}
}

func (h *Hedger) safeHandle(ctx context.Context, msg bus.LegMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ [对冲] 处理消息 panic: %v", r)
			err = fmt.Errorf("handle panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

// Handle 处理一条消息：close_all 交给强平，成交事件执行对冲并回报结果
func (h *Hedger) Handle(ctx context.Context, msg bus.LegMessage) error {
	switch {
	case msg.CloseAll != nil:
		log.Warnf("📥 [平仓] 收到 close_all: market=%s reason=%s", msg.CloseAll.Market, msg.CloseAll.Reason)
		if h.flat == nil {
			return errors.New("未配置强平器")
		}
		return h.flat.HandleCloseAll(ctx, *msg.CloseAll)
	case msg.Fill != nil:
		return h.hedge(ctx, *msg.Fill)
	default:
		return nil
	}
}

func (h *Hedger) hedge(ctx context.Context, ev domain.FillEvent) error {
	if ev.MarketIndex != h.market.Index {
		log.Debugf("[对冲] 忽略其他市场的成交: market=%s index=%d", ev.Market, ev.MarketIndex)
		return nil
	}
	h.state.cycles.Add(1)
	h.state.markFill(ev.Timestamp)

	out, err := h.exec.OnCounterpartyFill(ctx, ev)
	if errors.Is(err, hedge.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	if out.Succeeded() {
		h.state.hedgesOK.Add(1)
		metrics.HedgesOK.Add(1)
	} else {
		h.state.hedgesFailed.Add(1)
		metrics.HedgesFailed.Add(1)
	}

	payload, err := bus.EncodeOutcome(out)
	if err != nil {
		return err
	}
	// 停止过程中完成的对冲也要回报
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.publishTimeout())
	defer cancel()
	if err := publishWithRetry(pctx, h.bus, h.proto.OutcomeChannel(), payload, h.cfg.PublishRetries, h.cfg.PublishBackoff); err != nil {
		// 发起腿会等待超时，仓位由对账兜底
		return fmt.Errorf("发布对冲结果失败: %w", err)
	}
	log.Infof("📤 [对冲] 结果已回报: order=%s status=%s", out.VenueOrderID, out.Status)
	return nil
}
