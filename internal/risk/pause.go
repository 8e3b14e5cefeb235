package risk

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTradingPaused 对冲终态失败后禁止继续开新单，需人工解除
var ErrTradingPaused = errors.New("trading paused")

var pauseLog = logrus.WithField("component", "pause_guard")

// Persister 暂停状态的持久化（Badger），为 nil 时只在内存中保存
type Persister interface {
	GetJSON(key string, out any) (bool, error)
	SetJSON(key string, v any, ttl time.Duration) error
}

// PauseState 暂停状态快照
type PauseState struct {
	Paused    bool      `json:"paused"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	ClearedBy string    `json:"cleared_by,omitempty"`
}

// PauseGuard 一条腿的暂停开关。
// 快路径只读原子变量；状态变化时写入持久化存储，重启后恢复。
type PauseGuard struct {
	paused atomic.Bool

	mu    sync.Mutex
	state PauseState
	store Persister
	key   string
}

// NewPauseGuard 创建暂停开关并从存储恢复
func NewPauseGuard(store Persister, leg string) *PauseGuard {
	g := &PauseGuard{store: store, key: "pause:" + leg}
	if store == nil {
		return g
	}
	var st PauseState
	ok, err := store.GetJSON(g.key, &st)
	if err != nil {
		pauseLog.Errorf("[暂停] 读取持久化状态失败，按暂停处理: %v", err)
		st = PauseState{Paused: true, Reason: "pause state unreadable: " + err.Error(), Since: time.Now()}
		ok = true
	}
	if ok && st.Paused {
		g.state = st
		g.paused.Store(true)
		pauseLog.Warnf("⛔ [暂停] 恢复暂停状态: reason=%s since=%s", st.Reason, st.Since.Format(time.RFC3339))
	}
	return g
}

// Pause 进入暂停；已暂停时保留最初原因
func (g *PauseGuard) Pause(reason string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused.Load() {
		return
	}
	g.state = PauseState{Paused: true, Reason: reason, Since: time.Now()}
	g.paused.Store(true)
	g.persistLocked()
	pauseLog.Errorf("⛔ [暂停] 已暂停开新单，需人工解除: %s", reason)
}

// Clear 人工解除暂停
func (g *PauseGuard) Clear(by string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused.Load() {
		return false
	}
	prev := g.state
	g.state = PauseState{Paused: false, ClearedBy: by}
	g.paused.Store(false)
	g.persistLocked()
	pauseLog.Warnf("✅ [暂停] 已解除: by=%s 原因=%s", by, prev.Reason)
	return true
}

// Paused 快路径
func (g *PauseGuard) Paused() bool {
	return g != nil && g.paused.Load()
}

// AllowTrading 暂停时返回 ErrTradingPaused
func (g *PauseGuard) AllowTrading() error {
	if g.Paused() {
		return ErrTradingPaused
	}
	return nil
}

func (g *PauseGuard) State() PauseState {
	if g == nil {
		return PauseState{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *PauseGuard) persistLocked() {
	if g.store == nil {
		return
	}
	if err := g.store.SetJSON(g.key, g.state, 0); err != nil {
		pauseLog.Errorf("[暂停] 持久化失败（内存状态仍生效）: %v", err)
	}
}
