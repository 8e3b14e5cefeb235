package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction 仓位方向标签
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// DirectionOf 由符号得到方向标签
func DirectionOf(sign int) Direction {
	switch {
	case sign > 0:
		return DirectionLong
	case sign < 0:
		return DirectionShort
	default:
		return DirectionNone
	}
}

// Position 场所返回的真实仓位（数量与符号分开表示）
type Position struct {
	Size             decimal.Decimal // >= 0
	Sign             int             // +1 / -1 / 0
	AvailableBalance decimal.Decimal
}

// Normalize 数量为 0 时符号归零，符号为 0 时数量归零
func (p Position) Normalize() Position {
	if p.Size.IsZero() || p.Sign == 0 {
		p.Size = decimal.Zero
		p.Sign = 0
	}
	if p.Size.IsNegative() {
		p.Size = p.Size.Neg()
		p.Sign = -p.Sign
	}
	return p
}

func (p Position) IsFlat() bool {
	return p.Size.IsZero() || p.Sign == 0
}

// Signed 带符号数量
func (p Position) Signed() decimal.Decimal {
	return p.Size.Mul(decimal.NewFromInt(int64(p.Sign)))
}

// PositionSnapshot 写入共享存储的仓位快照。
// Timestamp 只在 (Size, Sign) 变化时前进，用于计算背离持续时长。
type PositionSnapshot struct {
	AccountName      string          `json:"account_name"`
	AccountIndex     int64           `json:"account_index"`
	Market           string          `json:"market"`
	Size             decimal.Decimal `json:"size"`
	Sign             int             `json:"sign"`
	Direction        Direction       `json:"direction"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Timestamp        time.Time       `json:"timestamp"`
}

// NewPositionSnapshot 由采样结果构造快照
func NewPositionSnapshot(account string, accountIndex int64, market string, p Position, now time.Time) PositionSnapshot {
	p = p.Normalize()
	return PositionSnapshot{
		AccountName:      account,
		AccountIndex:     accountIndex,
		Market:           market,
		Size:             p.Size,
		Sign:             p.Sign,
		Direction:        DirectionOf(p.Sign),
		AvailableBalance: p.AvailableBalance,
		// 共享存储只保留到秒
		Timestamp: now.Truncate(time.Second),
	}
}

// SameExposure 数量与符号都相同
func (s PositionSnapshot) SameExposure(o PositionSnapshot) bool {
	return s.Sign == o.Sign && s.Size.Equal(o.Size)
}

// Merge 用新采样覆盖旧快照；仓位未变化时保留旧时间戳
func (s PositionSnapshot) Merge(prev *PositionSnapshot) PositionSnapshot {
	if prev != nil && prev.SameExposure(s) && !prev.Timestamp.IsZero() {
		s.Timestamp = prev.Timestamp
	}
	return s
}

func (s PositionSnapshot) IsFlat() bool {
	return s.Size.IsZero() || s.Sign == 0
}

// Position 还原为仓位值
func (s PositionSnapshot) Position() Position {
	return Position{Size: s.Size, Sign: s.Sign, AvailableBalance: s.AvailableBalance}
}
