package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭回调；ctx 带超时，回调应在 ctx 结束前返回
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。回调按注册的逆序串行执行（后启动的先关闭）。
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: h})
}

// Shutdown 执行所有回调，只生效一次
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		log.Info("没有注册的关闭回调")
		return
	}
	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if ctx.Err() != nil {
			log.Warnf("关闭超时，跳过剩余回调: %s 及之前 %d 个", cb.name, i)
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("关闭回调 panic: %s: %v", cb.name, r)
				}
			}()
			cb.fn(ctx)
		}()
		log.Debugf("关闭回调完成: %s", cb.name)
	}
	log.Info("所有关闭回调已完成")
}
