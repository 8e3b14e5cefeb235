package websocket

import "time"

// Backoff 重连退避：第 n 次连续失败等待 min(Base*2^(n-1), Max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff 2s 起步，封顶 60s
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 60 * time.Second}
}

// Next 返回第 failures 次连续失败后的等待时间（failures 从 1 开始）
func (b Backoff) Next(failures int) time.Duration {
	if failures <= 0 {
		failures = 1
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}
	wait := base
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}
