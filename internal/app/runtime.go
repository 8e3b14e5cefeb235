package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/hedgebot/internal/bus"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/flatten"
	"github.com/betbot/hedgebot/internal/hedge"
	wsfeed "github.com/betbot/hedgebot/internal/infrastructure/websocket"
	"github.com/betbot/hedgebot/internal/journal"
	"github.com/betbot/hedgebot/internal/oms"
	"github.com/betbot/hedgebot/internal/ports"
	"github.com/betbot/hedgebot/internal/reconcile"
	"github.com/betbot/hedgebot/internal/risk"
	"github.com/betbot/hedgebot/pkg/config"
	"github.com/betbot/hedgebot/pkg/statestore"
	"github.com/betbot/hedgebot/pkg/syncgroup"
)

// Leg 进程所扮演的腿
type Leg string

const (
	LegA Leg = "a" // 发起腿：挂限价单
	LegB Leg = "b" // 对冲腿：市价单对冲
)

func ParseLeg(s string) (Leg, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return LegA, nil
	case "b":
		return LegB, nil
	default:
		return "", fmt.Errorf("未知的腿: %q (只能是 a 或 b)", s)
	}
}

// BuildOptions 组装一条腿所需的外部依赖
type BuildOptions struct {
	Cfg      *config.Config
	Leg      Leg
	Market   string
	Side     domain.Side // 发起腿方向，默认 buy
	Quantity decimal.Decimal
	Depth    int

	Gateway ports.Gateway
	Bus     ports.Bus
	Store   *statestore.Store // 可为 nil（只在内存中保存暂停与去重状态）
	Journal *journal.Journal  // 可为 nil
	Feed    *wsfeed.Feed      // 可为 nil；为 nil 且启用推送时按配置创建
}

// Runtime 一条腿的全部组件与后台任务
type Runtime struct {
	leg     Leg
	account config.AccountConfig
	peer    config.AccountConfig
	market  domain.MarketSpec

	oms        *oms.Manager
	guard      *risk.PauseGuard
	state      *LegState
	positions  *bus.PositionStore
	reconciler *reconcile.Reconciler
	flattener  *flatten.Flattener
	feed       *wsfeed.Feed
	journal    *journal.Journal

	initiator *Initiator
	hedger    *Hedger

	group  *syncgroup.SyncGroup
	subs   []ports.Subscription
	cancel context.CancelFunc
}

// Status 控制接口展示的运行状态
type Status struct {
	Leg       Leg              `json:"leg"`
	Account   string           `json:"account"`
	Market    string           `json:"market"`
	State     LegStateSnapshot `json:"state"`
	Pause     risk.PauseState  `json:"pause"`
	Reconcile reconcile.Status `json:"reconcile"`
	Feed      *wsfeed.Status   `json:"feed,omitempty"`
	Tasks     []string         `json:"tasks"`
	Dropped   int64            `json:"dropped_messages,omitempty"`
}

// Build 解析市场并组装组件，不启动任何任务
func Build(ctx context.Context, opts BuildOptions) (*Runtime, error) {
	if opts.Cfg == nil {
		return nil, errors.New("缺少配置")
	}
	if opts.Gateway == nil || opts.Bus == nil {
		return nil, errors.New("缺少交易场所或消息总线")
	}
	cfg := opts.Cfg

	spec, err := opts.Gateway.MarketSpec(ctx, opts.Market)
	if err != nil {
		return nil, fmt.Errorf("解析市场 %s 失败: %w", opts.Market, err)
	}

	r := &Runtime{
		leg:     opts.Leg,
		market:  spec,
		state:   &LegState{},
		journal: opts.Journal,
		group:   syncgroup.New(),
	}
	switch opts.Leg {
	case LegA:
		r.account, r.peer = cfg.Accounts.A, cfg.Accounts.B
	case LegB:
		r.account, r.peer = cfg.Accounts.B, cfg.Accounts.A
	default:
		return nil, fmt.Errorf("未知的腿: %q", opts.Leg)
	}

	proto := bus.NewProtocol(cfg.Accounts.A.Name, cfg.Accounts.B.Name)
	r.positions = bus.NewPositionStore(opts.Bus, proto)
	r.oms = oms.New(opts.Gateway, spec, oms.Config{
		Leg:          r.account.Name,
		AccountIndex: r.account.Index,
		NonceRetries: cfg.Orders.NonceRetries,
		NonceBackoff: cfg.Orders.NonceBackoff,
		AuthRetries:  cfg.Orders.AuthRetries,
		AuthBackoff:  cfg.Orders.AuthBackoff,
		FillTimeout:  cfg.Orders.FillTimeout,
	})

	var persister risk.Persister
	var dedup hedge.Deduper
	if opts.Store != nil {
		persister = opts.Store
		dedup = opts.Store
	}
	r.guard = risk.NewPauseGuard(persister, r.account.Name)

	side := opts.Side
	if !side.Valid() {
		side = domain.SideBuy
	}

	flatCfg := flatten.Config{
		Account:         r.account.Name,
		Market:          spec,
		Slippage:        cfg.SlippageDecimal(),
		ConfirmAttempts: cfg.Hedge.ConfirmAttempts,
		ConfirmInterval: cfg.Hedge.ConfirmInterval,
	}
	if opts.Leg == LegA {
		// 只有发起腿能向对端发 close_all
		flatCfg.Peer = r.peer.Name
		flatCfg.CloseAllChannel = proto.FillChannel()
	}
	r.flattener = flatten.New(r.oms, opts.Gateway, r.positions, opts.Bus, opts.Journal, flatCfg)

	recCfg := reconcile.Config{
		Account:           r.account.Name,
		AccountIndex:      r.account.Index,
		IsLegA:            opts.Leg == LegA,
		Market:            spec,
		Interval:          cfg.Reconcile.Interval,
		ForceCloseTimeout: cfg.Reconcile.ForceCloseTimeout,
		Epsilon:           cfg.EpsilonDecimal(),
		ExpectedSign:      sideSign(side),
	}
	var recFlat reconcile.Flattener
	if opts.Leg == LegA {
		recFlat = r.flattener
	} else {
		recCfg.ExpectedSign = -recCfg.ExpectedSign
	}
	r.reconciler = reconcile.New(opts.Gateway, r.positions, recFlat, opts.Journal, recCfg)

	switch opts.Leg {
	case LegA:
		if !opts.Quantity.IsPositive() {
			return nil, fmt.Errorf("下单数量必须为正: %s", opts.Quantity)
		}
		r.initiator = NewInitiator(r.oms, r.guard, opts.Bus, proto, opts.Journal, r.state, InitiatorConfig{
			Leg:              r.account.Name,
			Side:             side,
			Quantity:         opts.Quantity,
			Depth:            opts.Depth,
			PollInterval:     cfg.Orders.PollInterval,
			MaxOrderAge:      cfg.Orders.MaxOrderAge,
			StepBackoff:      cfg.Orders.StepBackoff,
			CycleRest:        cfg.Orders.CycleRest,
			HedgeWaitTimeout: cfg.Orders.HedgeWaitTimeout,
			UseFeed:          cfg.Orders.UseFeed,
		})
	case LegB:
		exec := hedge.NewExecutor(r.oms, hedge.Config{
			Leg:             r.account.Name,
			RetryTimes:      cfg.Hedge.RetryTimes,
			RetryInterval:   cfg.Hedge.RetryInterval,
			ConfirmAttempts: cfg.Hedge.ConfirmAttempts,
			ConfirmInterval: cfg.Hedge.ConfirmInterval,
			Slippage:        cfg.SlippageDecimal(),
		}, dedup, opts.Journal)
		r.hedger = NewHedger(exec, r.flattener, opts.Bus, proto, spec, r.state, HedgerConfig{Leg: r.account.Name})
	}

	r.feed = opts.Feed
	if r.feed == nil && cfg.Orders.UseFeed && cfg.Venue.WSURL != "" {
		gw := opts.Gateway
		r.feed = wsfeed.NewFeed(wsfeed.Config{
			URL:               cfg.Venue.WSURL,
			AccountIndex:      r.account.Index,
			HeartbeatInterval: cfg.Feed.HeartbeatInterval,
			StaleAfter:        cfg.Feed.StaleAfter,
			Backoff:           wsfeed.Backoff{Base: cfg.Feed.BackoffBase, Max: cfg.Feed.BackoffMax},
			StableAfter:       cfg.Feed.StableAfter,
		}, func(ctx context.Context) (string, error) { return gw.RefreshAuth(ctx) })
	}

	log.Infof("🧩 [启动] 组件就绪: leg=%s account=%s(%d) market=%s(index=%d size_dec=%d price_dec=%d)",
		opts.Leg, r.account.Name, r.account.Index, spec.Symbol, spec.Index, spec.SizeDecimals, spec.PriceDecimals)
	return r, nil
}

func sideSign(s domain.Side) int {
	if s == domain.SideSell {
		return -1
	}
	return 1
}

func (r *Runtime) Market() domain.MarketSpec { return r.market }

func (r *Runtime) Leg() Leg { return r.leg }

// Start 清理残留挂单、订阅总线并启动后台任务
func (r *Runtime) Start(ctx context.Context) error {
	if r.cancel != nil {
		return errors.New("runtime already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if n, err := r.oms.CancelAll(ctx); err != nil {
		log.Warnf("[启动] 清理残留挂单失败: %v", err)
	} else if n > 0 {
		log.Infof("[启动] 已清理 %d 个残留挂单", n)
	}

	var sub ports.Subscription
	var err error
	switch r.leg {
	case LegA:
		sub, err = r.initiator.Subscribe(ctx)
		if err == nil {
			r.group.Add("initiator", r.initiator.Run)
		}
	case LegB:
		sub, err = r.hedger.Subscribe(ctx)
		if err == nil {
			r.group.Add("hedger", r.hedger.Run)
		}
	}
	if err != nil {
		cancel()
		return fmt.Errorf("订阅消息总线失败: %w", err)
	}
	r.subs = append(r.subs, sub)

	r.group.Add("reconciler", r.reconciler.Run)
	if r.feed != nil {
		r.group.Add("feed", r.feed.Run)
		r.group.Add("feed_pump", r.pumpFeed)
	}
	r.group.Run(ctx)
	return nil
}

// pumpFeed 把推送的订单更新交给订单管理
func (r *Runtime) pumpFeed(ctx context.Context) {
	updates := r.feed.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.oms.OnFeedOrders(u.Orders)
		}
	}
}

// Stop 停止任务并撤掉本腿挂单；ctx 限制等待时间
func (r *Runtime) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	for _, s := range r.subs {
		_ = s.Close()
	}
	r.subs = nil

	waitErr := r.group.WaitContext(ctx)
	if waitErr != nil {
		log.Warnf("[关闭] 等待后台任务超时，仍在运行: %v", r.group.Running())
	}

	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if n, err := r.oms.CancelAll(cleanupCtx); err != nil {
		log.Warnf("[关闭] 撤单失败: %v", err)
		return err
	} else if n > 0 {
		log.Infof("[关闭] 已撤 %d 个挂单", n)
	}
	return waitErr
}

func (r *Runtime) Status() Status {
	st := Status{
		Leg:       r.leg,
		Account:   r.account.Name,
		Market:    r.market.Symbol,
		State:     r.state.Snapshot(),
		Pause:     r.guard.State(),
		Reconcile: r.reconciler.Status(),
		Tasks:     r.group.Running(),
	}
	if r.feed != nil {
		fs := r.feed.Status()
		st.Feed = &fs
	}
	if r.hedger != nil {
		st.Dropped = r.hedger.Dropped()
	}
	return st
}

// Positions 两腿在共享存储中的快照
func (r *Runtime) Positions(ctx context.Context) (map[string]domain.PositionSnapshot, error) {
	return r.positions.GetAll(ctx, r.market.Symbol)
}

// ClearPause 人工解除暂停，返回之前是否处于暂停
func (r *Runtime) ClearPause(by string) bool {
	cleared := r.guard.Clear(by)
	if cleared && r.initiator != nil {
		r.initiator.Wake()
	}
	return cleared
}

// Flatten 人工强平：发起腿走完整流程（含通知对端），对冲腿只平自己
func (r *Runtime) Flatten(ctx context.Context, reason string) error {
	if r.leg == LegA {
		return r.flattener.Flatten(ctx, reason)
	}
	_, err := r.flattener.CloseOwn(ctx, reason)
	return err
}

// Recent 最近的审计记录
func (r *Runtime) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	if r.journal == nil {
		return nil, nil
	}
	return r.journal.Recent(ctx, limit)
}

// CancelOpenOrders 运行时还没组装起来时的兜底撤单，只依赖网关
func CancelOpenOrders(ctx context.Context, gw ports.Gateway, market string) (int, error) {
	spec, err := gw.MarketSpec(ctx, market)
	if err != nil {
		return 0, fmt.Errorf("解析市场 %s 失败: %w", market, err)
	}
	return oms.New(gw, spec, oms.Config{}).CancelAll(ctx)
}
