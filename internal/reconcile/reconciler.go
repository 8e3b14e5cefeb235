// Package reconcile 周期性采样本腿仓位、写入共享快照并检查两腿是否互相抵消。
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/metrics"
)

var log = logrus.WithField("component", "reconciler")

// PositionSampler 从场所读取本腿仓位
type PositionSampler interface {
	QueryPosition(ctx context.Context, marketIndex int) (domain.Position, error)
}

// SnapshotStore 共享仓位快照（bus.PositionStore）
type SnapshotStore interface {
	Update(ctx context.Context, snap domain.PositionSnapshot) (domain.PositionSnapshot, error)
	Pair(ctx context.Context, market string) (a, b domain.PositionSnapshot, okA, okB bool, err error)
}

// Flattener 持续背离时的处理
type Flattener interface {
	Flatten(ctx context.Context, reason string) error
}

// AnomalyRecorder 审计记录，可为 nil
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, leg, market, detail string)
}

// Config 对账参数
type Config struct {
	// Account 本腿账户名（快照字段名），IsLegA 决定写入哪一侧
	Account      string
	AccountIndex int64
	IsLegA       bool
	Market       domain.MarketSpec

	Interval          time.Duration
	ForceCloseTimeout time.Duration
	Epsilon           decimal.Decimal

	// ExpectedSign 单向腿仓位应有的符号，0 表示不检查
	ExpectedSign int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ForceCloseTimeout <= 0 {
		c.ForceCloseTimeout = 30 * time.Second
	}
	if !c.Epsilon.IsPositive() {
		c.Epsilon = domain.DefaultEpsilon
	}
}

// Status 最近一次对账结果
type Status struct {
	Own       domain.PositionSnapshot  `json:"own"`
	Peer      *domain.PositionSnapshot `json:"peer,omitempty"`
	OK        bool                     `json:"ok"`
	Reason    string                   `json:"reason"`
	AgeSec    float64                  `json:"age_sec"`
	Anomaly   string                   `json:"anomaly,omitempty"`
	Flattens  int                      `json:"flattens"`
	LastCheck time.Time                `json:"last_check"`
	LastError string                   `json:"last_error,omitempty"`
}

// episodeKey 一次持续背离由两腿快照时间戳标识
type episodeKey struct {
	a, b time.Time
}

// Reconciler 每条腿一个。只有配置了 Flattener 的腿会触发强平。
type Reconciler struct {
	sampler PositionSampler
	store   SnapshotStore
	flat    Flattener
	rec     AnomalyRecorder
	cfg     Config

	mu      sync.RWMutex
	status  Status
	fired   bool
	firedAt episodeKey
	// retryAt 强平失败后，同一段背离在此时刻之后可以再次触发
	retryAt time.Time

	now func() time.Time
}

func New(sampler PositionSampler, store SnapshotStore, flat Flattener, rec AnomalyRecorder, cfg Config) *Reconciler {
	cfg.withDefaults()
	return &Reconciler{
		sampler: sampler,
		store:   store,
		flat:    flat,
		rec:     rec,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	if s.Peer != nil {
		p := *s.Peer
		s.Peer = &p
	}
	return s
}

// Run 按间隔对账直到 ctx 取消；单次失败只记录
func (r *Reconciler) Run(ctx context.Context) {
	log.Infof("🔁 [对账] 启动: account=%s market=%s interval=%v force_close=%v",
		r.cfg.Account, r.cfg.Market.Symbol, r.cfg.Interval, r.cfg.ForceCloseTimeout)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("[对账] 本轮失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick 执行一轮：采样、写快照、读两腿、判定、必要时强平
func (r *Reconciler) Tick(ctx context.Context) (st Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("对账 panic: %v", p)
		}
		metrics.ReconcileRuns.Add(1)
		if err != nil {
			metrics.ReconcileErrors.Add(1)
		}
		r.mu.Lock()
		r.status.LastCheck = r.now()
		if err != nil {
			r.status.LastError = err.Error()
		} else {
			r.status.LastError = ""
		}
		st = r.status
		r.mu.Unlock()
	}()

	pos, err := r.sampler.QueryPosition(ctx, r.cfg.Market.Index)
	if err != nil {
		return st, fmt.Errorf("采样仓位失败: %w", err)
	}
	now := r.now()
	snap := domain.NewPositionSnapshot(r.cfg.Account, r.cfg.AccountIndex, r.cfg.Market.Symbol, pos, now)
	own, err := r.store.Update(ctx, snap)
	if err != nil {
		return st, err
	}
	r.checkAnomaly(ctx, own)

	a, b, okA, okB, err := r.store.Pair(ctx, r.cfg.Market.Symbol)
	if err != nil {
		return st, fmt.Errorf("读取快照失败: %w", err)
	}
	// 自己刚写入的以本地为准
	if r.cfg.IsLegA {
		a, okA = own, true
	} else {
		b, okB = own, true
	}
	peer, peerOK := b, okB
	if !r.cfg.IsLegA {
		peer, peerOK = a, okA
	}

	r.mu.Lock()
	r.status.Own = own
	if peerOK {
		r.status.Peer = &peer
	} else {
		r.status.Peer = nil
	}
	r.mu.Unlock()

	if !peerOK {
		log.Debugf("[对账] 对端快照缺失，跳过判定")
		r.setVerdict(domain.Verdict{OK: false, Reason: "peer snapshot missing"})
		return st, nil
	}

	v := domain.Evaluate(a, b, r.cfg.Epsilon, now)
	r.setVerdict(v)
	if v.OK {
		r.rearm()
		log.Debugf("[对账] 仓位匹配: A=%s(%d) B=%s(%d)", a.Size, a.Sign, b.Size, b.Sign)
		return st, nil
	}

	if !v.IsPersistent(r.cfg.ForceCloseTimeout) {
		log.Warnf("⚠️ [对账] 仓位不匹配 %v: %s", v.Age.Round(time.Second), v.Reason)
		return st, nil
	}

	key := episodeKey{a: a.Timestamp, b: b.Timestamp}
	if !r.shouldFire(key, now) {
		log.Debugf("[对账] 本次背离已处理过，等待状态变化: %s", v.Reason)
		return st, nil
	}
	metrics.Divergences.Add(1)
	if r.flat == nil {
		log.Errorf("❌ [对账] 持续背离 %v: %s（本腿不负责强平）", v.Age.Round(time.Second), v.Reason)
		return st, nil
	}
	log.Errorf("🚨 [对账] 持续背离 %v，触发强平: %s", v.Age.Round(time.Second), v.Reason)
	r.mu.Lock()
	r.status.Flattens++
	r.mu.Unlock()
	if ferr := r.flat.Flatten(ctx, v.Reason); ferr != nil {
		retry := r.deferRetry(now)
		log.Errorf("❌ [对账] 强平失败，背离仍持续则 %s 后再次触发: %v", retry.Format(time.RFC3339), ferr)
	}
	return st, nil
}

func (r *Reconciler) setVerdict(v domain.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.OK = v.OK
	r.status.Reason = v.Reason
	r.status.AgeSec = v.Age.Seconds()
}

// shouldFire 每段持续背离只触发一次；任一侧时间戳变化视为新的一段。
// 上一次强平失败的话，冷却 ForceCloseTimeout 后同一段可以再触发。
func (r *Reconciler) shouldFire(key episodeKey, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	same := r.fired && r.firedAt.a.Equal(key.a) && r.firedAt.b.Equal(key.b)
	if same && (r.retryAt.IsZero() || now.Before(r.retryAt)) {
		return false
	}
	r.fired = true
	r.firedAt = key
	r.retryAt = time.Time{}
	return true
}

func (r *Reconciler) deferRetry(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAt = now.Add(r.cfg.ForceCloseTimeout)
	return r.retryAt
}

func (r *Reconciler) rearm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = false
	r.firedAt = episodeKey{}
	r.retryAt = time.Time{}
}

// checkAnomaly 单向腿出现反向仓位只报警，不自动处理
func (r *Reconciler) checkAnomaly(ctx context.Context, own domain.PositionSnapshot) {
	var anomaly string
	if r.cfg.ExpectedSign != 0 && !own.IsFlat() && own.Sign != r.cfg.ExpectedSign {
		anomaly = fmt.Sprintf("unexpected %s position %s on %s (expected %s)",
			own.Direction, own.Size, r.cfg.Account, domain.DirectionOf(r.cfg.ExpectedSign))
	}
	r.mu.Lock()
	prev := r.status.Anomaly
	r.status.Anomaly = anomaly
	r.mu.Unlock()
	if anomaly == "" || anomaly == prev {
		return
	}
	metrics.Anomalies.Add(1)
	log.Errorf("🚨 [对账] 仓位方向异常，需要人工处理: %s", anomaly)
	if r.rec != nil {
		r.rec.RecordAnomaly(ctx, r.cfg.Account, r.cfg.Market.Symbol, anomaly)
	}
}
