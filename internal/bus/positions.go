package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/ports"
)

var posLog = logrus.WithField("component", "position_store")

// PositionStore 共享仓位快照存储。每条腿只写自己的字段，可读两腿。
type PositionStore struct {
	bus   ports.Bus
	proto Protocol

	// 写入串行化，保证读旧值-合并-写新值对本进程是原子的
	mu sync.Mutex
}

func NewPositionStore(b ports.Bus, proto Protocol) *PositionStore {
	return &PositionStore{bus: b, proto: proto}
}

// Update 写入快照；(size, sign) 未变化时保留已存储的时间戳。返回实际写入的快照。
func (s *PositionStore) Update(ctx context.Context, snap domain.PositionSnapshot) (domain.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok, err := s.Get(ctx, snap.Market, snap.AccountName)
	if err != nil {
		// 读失败时按首次写入处理
		posLog.Warnf("[仓位] 读取旧快照失败，按新快照写入: account=%s err=%v", snap.AccountName, err)
		ok = false
	}
	var merged domain.PositionSnapshot
	if ok {
		merged = snap.Merge(&prev)
	} else {
		merged = snap.Merge(nil)
	}

	raw, err := encodeSnapshot(merged)
	if err != nil {
		return merged, fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := s.bus.HSet(ctx, s.proto.PositionsKey(snap.Market), snap.AccountName, raw); err != nil {
		return merged, fmt.Errorf("写入快照失败: %w", err)
	}
	return merged, nil
}

// Get 按账户名读取单个快照
func (s *PositionStore) Get(ctx context.Context, market, account string) (domain.PositionSnapshot, bool, error) {
	raw, ok, err := s.bus.HGet(ctx, s.proto.PositionsKey(market), account)
	if err != nil || !ok {
		return domain.PositionSnapshot{}, false, err
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		return domain.PositionSnapshot{}, false, fmt.Errorf("解析快照失败 account=%s: %w", account, err)
	}
	return snap, true, nil
}

// GetAll 读取一个市场下所有账户的快照，无法解析的条目跳过
func (s *PositionStore) GetAll(ctx context.Context, market string) (map[string]domain.PositionSnapshot, error) {
	all, err := s.bus.HGetAll(ctx, s.proto.PositionsKey(market))
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.PositionSnapshot, len(all))
	for field, raw := range all {
		snap, err := decodeSnapshot(raw)
		if err != nil {
			posLog.Warnf("[仓位] 跳过无法解析的快照: field=%s err=%v", field, err)
			continue
		}
		out[field] = snap
	}
	return out, nil
}

// Pair 读取两腿快照；缺失的一腿返回 ok=false
func (s *PositionStore) Pair(ctx context.Context, market string) (a, b domain.PositionSnapshot, okA, okB bool, err error) {
	all, err := s.GetAll(ctx, market)
	if err != nil {
		return a, b, false, false, err
	}
	a, okA = all[s.proto.LegA]
	b, okB = all[s.proto.LegB]
	return a, b, okA, okB, nil
}
