package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_Burst(t *testing.T) {
	tb := NewTokenBucket(1, 2)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	tb := NewPerInterval(time.Hour, 1)
	assert.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tb.Wait(ctx))
}

func TestTokenBucket_NilAllows(t *testing.T) {
	var tb *TokenBucket
	assert.True(t, tb.Allow())
	assert.NoError(t, tb.Wait(context.Background()))
}
