package oms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
)

var log = logrus.WithField("component", "oms")

var (
	// ErrSkipped 本腿在该市场已有挂单，本次不下单
	ErrSkipped = errors.New("skipped: order already outstanding")
	// ErrFillTimeout 等待成交超时
	ErrFillTimeout = errors.New("fill wait timeout")
	// ErrOrderCanceled 订单在成交前被取消
	ErrOrderCanceled = errors.New("order canceled")
	// ErrNonceExhausted nonce 冲突重试耗尽
	ErrNonceExhausted = errors.New("nonce conflict retries exhausted")
	// ErrRejected 场所返回非成功码
	ErrRejected = errors.New("order rejected")
)

// Config 订单生命周期参数
type Config struct {
	Leg          string
	AccountIndex int64

	NonceRetries int           // nonce 冲突最多尝试次数
	NonceBackoff time.Duration // 固定间隔
	AuthRetries  int
	AuthBackoff  time.Duration

	BookRetries     int
	BookBackoffBase time.Duration // 退避 min(base*2^n, 10*base)

	ClosedLookupLimit int
	FillTimeout       time.Duration
}

func (c *Config) withDefaults() {
	if c.NonceRetries <= 0 {
		c.NonceRetries = 3
	}
	if c.NonceBackoff <= 0 {
		c.NonceBackoff = time.Second
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = 3
	}
	if c.AuthBackoff <= 0 {
		c.AuthBackoff = 500 * time.Millisecond
	}
	if c.BookRetries <= 0 {
		c.BookRetries = 3
	}
	if c.BookBackoffBase <= 0 {
		c.BookBackoffBase = time.Second
	}
	if c.ClosedLookupLimit <= 0 {
		c.ClosedLookupLimit = 10
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 300 * time.Second
	}
}

// Manager 一条腿在一个市场上的订单生命周期管理。
// 同一时刻最多一个未完成的限价单。
// 订单提交之后的状态读写都在 mu 下进行（轮询、推送、撤单可能在不同 goroutine）。
type Manager struct {
	gw     ports.Gateway
	cfg    Config
	market domain.MarketSpec

	mu     sync.Mutex
	active *domain.Order

	pending *PendingOrders

	clientSeq atomic.Int64
	now       func() time.Time
}

func New(gw ports.Gateway, market domain.MarketSpec, cfg Config) *Manager {
	cfg.withDefaults()
	m := &Manager{
		gw:      gw,
		cfg:     cfg,
		market:  market,
		pending: NewPendingOrders(),
		now:     time.Now,
	}
	m.clientSeq.Store(time.Now().UnixMilli())
	return m
}

func (m *Manager) Market() domain.MarketSpec { return m.market }

func (m *Manager) Pending() *PendingOrders { return m.pending }

// Active 当前未完成的限价单
func (m *Manager) Active() *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot 订单当前状态的副本，供日志和审计在锁外读取
func (m *Manager) Snapshot(o *domain.Order) *domain.Order {
	if o == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	return &cp
}

func (m *Manager) view(o *domain.Order) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *o
}

// Release 限价单进入终态后释放占位
func (m *Manager) Release(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == o {
		m.active = nil
	}
}

func (m *Manager) newOrder(side domain.Side, kind domain.OrderKind, size decimal.Decimal, price *decimal.Decimal) *domain.Order {
	return &domain.Order{
		IdempotencyKey: uuid.NewString(),
		ClientIndex:    m.clientSeq.Add(1),
		Market:         m.market.Symbol,
		MarketIndex:    m.market.Index,
		Side:           side,
		Kind:           kind,
		RequestedSize:  size,
		RequestedPrice: price,
		Status:         domain.OrderStatusPending,
		CreatedAt:      m.now(),
	}
}

// PlaceLimit 按盘口第 depth 档价格挂限价单。
// 本地或场所侧已有挂单时返回 ErrSkipped。
func (m *Manager) PlaceLimit(ctx context.Context, side domain.Side, size decimal.Decimal, depth int) (*domain.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("方向非法: %q", side)
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("数量必须为正: %s", size)
	}

	m.mu.Lock()
	if m.active != nil && !m.active.Status.IsFinal() {
		m.mu.Unlock()
		return nil, ErrSkipped
	}
	m.mu.Unlock()

	if err := m.EnsureAuth(ctx); err != nil {
		return nil, err
	}
	open, err := m.gw.QueryOpenOrders(ctx, m.market.Index)
	if err != nil {
		return nil, fmt.Errorf("查询挂单失败: %w", err)
	}
	if len(open) > 0 {
		log.Infof("[下单] %s 已有 %d 个挂单，跳过", m.market.Symbol, len(open))
		return nil, ErrSkipped
	}

	price, err := m.bookPrice(ctx, side, depth)
	if err != nil {
		return nil, err
	}
	baseAmount, err := m.market.ToBaseAmount(size)
	if err != nil {
		return nil, err
	}
	priceInt, err := m.market.ToPriceInt(price)
	if err != nil {
		return nil, err
	}

	order := m.newOrder(side, domain.OrderKindLimit, m.market.FromBaseAmount(baseAmount), &price)
	req := ports.CreateOrderRequest{
		MarketIndex:    m.market.Index,
		IdempotencyKey: order.IdempotencyKey,
		ClientIndex:    order.ClientIndex,
		BaseAmount:     baseAmount,
		Price:          priceInt,
		IsAsk:          side.IsAsk(),
		Kind:           domain.OrderKindLimit,
		TimeInForce:    domain.TimeInForceGTT,
	}
	if err := m.submit(ctx, order, req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = order
	m.mu.Unlock()
	log.Infof("📝 [下单] 限价单已提交: %s %s size=%s price=%s depth=%d client=%d",
		m.market.Symbol, side, order.RequestedSize, price, depth, order.ClientIndex)
	return order, nil
}

// MarketOrder 市价单参数
type MarketOrder struct {
	Side       domain.Side
	Size       decimal.Decimal
	RefPrice   decimal.Decimal // 参考价（成交均价或盘口价）
	Slippage   decimal.Decimal
	ReduceOnly bool
}

// PlaceMarket 提交带滑点保护的 IOC 市价单
func (m *Manager) PlaceMarket(ctx context.Context, mo MarketOrder) (*domain.Order, error) {
	if !mo.Side.Valid() {
		return nil, fmt.Errorf("方向非法: %q", mo.Side)
	}
	if !mo.Size.IsPositive() || !mo.RefPrice.IsPositive() {
		return nil, fmt.Errorf("市价单参数非法: size=%s ref=%s", mo.Size, mo.RefPrice)
	}
	worst := domain.SlippagePrice(mo.Side, mo.RefPrice, mo.Slippage)
	baseAmount, err := m.market.ToBaseAmount(mo.Size)
	if err != nil {
		return nil, err
	}
	priceInt, err := m.market.ToPriceInt(worst)
	if err != nil {
		return nil, err
	}

	order := m.newOrder(mo.Side, domain.OrderKindMarket, m.market.FromBaseAmount(baseAmount), nil)
	req := ports.CreateOrderRequest{
		MarketIndex:    m.market.Index,
		IdempotencyKey: order.IdempotencyKey,
		ClientIndex:    order.ClientIndex,
		BaseAmount:     baseAmount,
		Price:          priceInt,
		IsAsk:          mo.Side.IsAsk(),
		Kind:           domain.OrderKindMarket,
		TimeInForce:    domain.TimeInForceIOC,
		ReduceOnly:     mo.ReduceOnly,
	}
	if err := m.submit(ctx, order, req); err != nil {
		return nil, err
	}
	log.Infof("📝 [下单] 市价单已提交: %s %s size=%s ref=%s worst=%s reduce_only=%v client=%d",
		m.market.Symbol, mo.Side, order.RequestedSize, mo.RefPrice, worst, mo.ReduceOnly, order.ClientIndex)
	return order, nil
}

// submit 提交订单；nonce 冲突时强制重同步后固定间隔重试，其他错误直接返回
func (m *Manager) submit(ctx context.Context, order *domain.Order, req ports.CreateOrderRequest) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.NonceRetries; attempt++ {
		res, err := m.gw.CreateOrder(ctx, req)
		if err == nil && res.Code != 0 && res.Code != 200 {
			err = &ports.VenueError{Code: res.Code, Message: res.Message}
		}
		if err == nil {
			order.Status = domain.OrderStatusOpen
			order.VenueOrderID = res.OrderID
			return nil
		}
		if !ports.IsNonceConflict(err) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}

		lastErr = err
		log.Warnf("[下单] nonce 冲突，重同步后重试 (%d/%d): %v", attempt, m.cfg.NonceRetries, err)
		if rerr := m.gw.ResyncNonce(ctx); rerr != nil {
			log.Warnf("[下单] nonce 重同步失败: %v", rerr)
		}
		if attempt < m.cfg.NonceRetries {
			if err := sleepCtx(ctx, m.cfg.NonceBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrNonceExhausted, lastErr)
}

// bookPrice 读取盘口价，失败按 min(base*2^n, 10*base) 退避重试
func (m *Manager) bookPrice(ctx context.Context, side domain.Side, depth int) (decimal.Decimal, error) {
	if depth < 1 {
		depth = 1
	}
	var lastErr error
	for attempt := 0; attempt < m.cfg.BookRetries; attempt++ {
		p, err := m.gw.OrderBookLevel(ctx, m.market.Index, side, depth)
		if err == nil && p.IsPositive() {
			return p, nil
		}
		if err == nil {
			err = fmt.Errorf("盘口第 %d 档价格无效: %s", depth, p)
		}
		lastErr = err
		if attempt+1 < m.cfg.BookRetries {
			wait := m.cfg.BookBackoffBase << attempt
			if max := 10 * m.cfg.BookBackoffBase; wait > max {
				wait = max
			}
			log.Warnf("[盘口] 读取失败 (%d/%d)，%v 后重试: %v", attempt+1, m.cfg.BookRetries, wait, err)
			if err := sleepCtx(ctx, wait); err != nil {
				return decimal.Zero, err
			}
		}
	}
	return decimal.Zero, fmt.Errorf("读取盘口价格失败: %w", lastErr)
}

// EnsureAuth 生成认证 token，最多重试 AuthRetries 次；失败返回 ports.ErrAuthUnavailable
func (m *Manager) EnsureAuth(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.AuthRetries; attempt++ {
		_, err := m.gw.RefreshAuth(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warnf("[认证] 生成 token 失败 (%d/%d): %v", attempt, m.cfg.AuthRetries, lastErr)
		if attempt < m.cfg.AuthRetries {
			if err := sleepCtx(ctx, m.cfg.AuthBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ports.ErrAuthUnavailable, lastErr)
}

// CancelIfStale 挂单超过 maxAge 则撤单；撤单失败只记录日志
func (m *Manager) CancelIfStale(ctx context.Context, order *domain.Order, maxAge time.Duration) bool {
	if order == nil || maxAge <= 0 {
		return false
	}
	cur := m.view(order)
	if cur.Status.IsFinal() {
		return false
	}
	age := cur.Age(m.now())
	if age <= maxAge {
		return false
	}
	if err := m.Cancel(ctx, order); err != nil {
		log.Errorf("[撤单] 超时订单撤单失败: client=%d age=%v err=%v", order.ClientIndex, age, err)
		return false
	}
	log.Infof("🗑️ [撤单] 超时订单已撤: order=%s age=%v", m.view(order).VenueOrderID, age)
	return true
}

// Cancel 撤销单个订单；还没有场所订单号时先查询一次
func (m *Manager) Cancel(ctx context.Context, order *domain.Order) error {
	if order == nil {
		return nil
	}
	cur := m.view(order)
	if cur.Status.IsFinal() {
		return nil
	}
	if cur.VenueOrderID == "" {
		if v, ok, err := m.Lookup(ctx, order); err == nil && ok {
			m.mu.Lock()
			order.ApplyVenueState(v)
			m.mu.Unlock()
		}
		cur = m.view(order)
		if cur.Status.IsFinal() {
			return nil
		}
	}
	if cur.VenueOrderID == "" {
		return fmt.Errorf("订单未拿到场所订单号: client=%d", order.ClientIndex)
	}
	if err := m.gw.CancelOrder(ctx, m.market.Index, cur.VenueOrderID); err != nil {
		return err
	}
	m.mu.Lock()
	if !order.Status.IsFinal() {
		order.Status = domain.OrderStatusCanceled
	}
	m.mu.Unlock()
	m.pending.Forget(order)
	m.Release(order)
	return nil
}

// CancelAll 撤掉本市场所有挂单，返回成功撤单数
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	if err := m.EnsureAuth(ctx); err != nil {
		return 0, err
	}
	open, err := m.gw.QueryOpenOrders(ctx, m.market.Index)
	if err != nil {
		return 0, fmt.Errorf("查询挂单失败: %w", err)
	}
	var firstErr error
	n := 0
	for _, o := range open {
		if err := m.gw.CancelOrder(ctx, m.market.Index, o.OrderID); err != nil {
			log.Errorf("[撤单] 撤单失败: order=%s err=%v", o.OrderID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	// 只释放占位，不改订单本身：等待方会从场所查询或推送里看到取消
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.pending.Clear()
	if n > 0 {
		log.Infof("🗑️ [撤单] %s 已撤 %d 个挂单", m.market.Symbol, n)
	}
	return n, firstErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
