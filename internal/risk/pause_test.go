package risk

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	m       map[string][]byte
	readErr error
}

func (p *memPersister) GetJSON(key string, out any) (bool, error) {
	if p.readErr != nil {
		return false, p.readErr
	}
	raw, ok := p.m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (p *memPersister) SetJSON(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.m[key] = raw
	return nil
}

func TestPauseGuard_PauseClearAndRestore(t *testing.T) {
	store := &memPersister{m: map[string][]byte{}}
	g := NewPauseGuard(store, "account_a")
	require.NoError(t, g.AllowTrading())

	g.Pause("hedge failed: order 1")
	g.Pause("second reason")
	assert.ErrorIs(t, g.AllowTrading(), ErrTradingPaused)
	assert.Equal(t, "hedge failed: order 1", g.State().Reason)

	// 重启后仍然暂停
	g2 := NewPauseGuard(store, "account_a")
	assert.True(t, g2.Paused())

	assert.True(t, g2.Clear("operator"))
	assert.False(t, g2.Clear("operator"))
	assert.NoError(t, g2.AllowTrading())

	g3 := NewPauseGuard(store, "account_a")
	assert.False(t, g3.Paused())
}

func TestPauseGuard_UnreadableStateFailsClosed(t *testing.T) {
	g := NewPauseGuard(&memPersister{readErr: errors.New("corrupt")}, "account_a")
	assert.True(t, g.Paused())
}

func TestPauseGuard_NilSafe(t *testing.T) {
	var g *PauseGuard
	g.Pause("x")
	assert.False(t, g.Paused())
	assert.NoError(t, g.AllowTrading())
}
