// Package syncgroup 管理一条腿内常驻 goroutine 的生命周期。
package syncgroup

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "syncgroup")

// Func 常驻任务，ctx 取消时应返回
type Func func(ctx context.Context)

type task struct {
	name string
	fn   Func
}

// SyncGroup 具名任务组：统一启动、统一等待，单个任务 panic 只记录不扩散。
type SyncGroup struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	tasks   []task
	running map[string]bool
}

func New() *SyncGroup {
	return &SyncGroup{running: make(map[string]bool)}
}

// Add 登记任务，Run 之前调用
func (g *SyncGroup) Add(name string, fn Func) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, task{name: name, fn: fn})
}

// Run 启动所有已登记的任务并清空登记列表
func (g *SyncGroup) Run(ctx context.Context) {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = nil
	for _, t := range tasks {
		g.running[t.name] = true
	}
	g.mu.Unlock()

	for _, t := range tasks {
		g.wg.Add(1)
		go g.run(ctx, t)
	}
}

func (g *SyncGroup) run(ctx context.Context, t task) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("❌ 任务 %s panic: %v\n%s", t.name, p, debug.Stack())
		}
		g.mu.Lock()
		delete(g.running, t.name)
		g.mu.Unlock()
		g.wg.Done()
	}()
	log.Debugf("任务启动: %s", t.name)
	t.fn(ctx)
	log.Debugf("任务退出: %s", t.name)
}

// Running 当前仍在运行的任务名
func (g *SyncGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for n := range g.running {
		out = append(out, n)
	}
	return out
}

// Wait 等待所有任务退出
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// WaitContext 等待任务退出，ctx 先结束则返回错误
func (g *SyncGroup) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待任务退出超时，仍在运行: %v", g.Running())
	}
}
