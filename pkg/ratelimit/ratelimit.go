package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶速率限制器
type TokenBucket struct {
	l *rate.Limiter
}

// NewTokenBucket 每秒 rps 个令牌，桶容量 burst
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if rps > 0 {
		lim = rate.Limit(rps)
	}
	return &TokenBucket{l: rate.NewLimiter(lim, burst)}
}

// NewPerInterval 每 every 一个令牌
func NewPerInterval(every time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{l: rate.NewLimiter(rate.Every(every), burst)}
}

func (tb *TokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	return tb.l.Allow()
}

// Wait 等待直到允许请求或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	if tb == nil {
		return nil
	}
	return tb.l.Wait(ctx)
}
