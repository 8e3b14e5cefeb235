package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultEpsilon 两腿数量差的容忍度
var DefaultEpsilon = decimal.New(1, -5)

// Verdict 对账结论，只做计算不做存储
type Verdict struct {
	OK     bool
	Reason string
	// Age 背离持续时长，仅在 !OK 时有意义
	Age time.Duration
}

// Evaluate 检查两腿仓位是否互相抵消：
// 都为 0，或者 |A-B| <= eps 且符号相反。
func Evaluate(a, b PositionSnapshot, eps decimal.Decimal, now time.Time) Verdict {
	if a.IsFlat() && b.IsFlat() {
		return Verdict{OK: true, Reason: "both flat"}
	}
	diff := a.Size.Sub(b.Size).Abs()
	if !a.IsFlat() && !b.IsFlat() && diff.LessThanOrEqual(eps) && a.Sign == -b.Sign {
		return Verdict{OK: true, Reason: "hedged"}
	}

	latest := a.Timestamp
	if b.Timestamp.After(latest) {
		latest = b.Timestamp
	}
	age := now.Sub(latest)
	if age < 0 {
		age = 0
	}

	var reason string
	switch {
	case a.Sign != 0 && a.Sign == b.Sign:
		reason = fmt.Sprintf("same sign: A=%s(%d) B=%s(%d)", a.Size, a.Sign, b.Size, b.Sign)
	case a.IsFlat() || b.IsFlat():
		reason = fmt.Sprintf("one leg flat: A=%s(%d) B=%s(%d)", a.Size, a.Sign, b.Size, b.Sign)
	default:
		reason = fmt.Sprintf("size mismatch: A=%s B=%s diff=%s", a.Size, b.Size, diff)
	}
	return Verdict{OK: false, Reason: reason, Age: age}
}

// IsPersistent 背离时长超过强平阈值
func (v Verdict) IsPersistent(forceCloseAfter time.Duration) bool {
	return !v.OK && v.Age > forceCloseAfter
}
