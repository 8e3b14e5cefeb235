// Package websocket 账户订单推送：连接状态机、心跳与断线重连。
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/infrastructure/venue"
)

var feedLog = logrus.WithField("component", "order_feed")

// State 连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TokenSource 订阅所需的认证令牌
type TokenSource func(ctx context.Context) (string, error)

// Config 推送连接参数
type Config struct {
	URL               string
	AccountIndex      int64
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	Backoff           Backoff
	// StableAfter 连接持续这么久之后断开，退避重新从 Base 开始
	StableAfter      time.Duration
	HandshakeTimeout time.Duration
	Buffer           int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// OrderUpdate 一次推送中的订单快照
type OrderUpdate struct {
	Orders   []domain.VenueOrder
	Received time.Time
}

// Status 对外展示的连接状态
type Status struct {
	State           string    `json:"state"`
	LastMessageTime time.Time `json:"last_message_time"`
	Reconnects      int64     `json:"reconnects"`
	Dropped         int64     `json:"dropped"`
}

// Feed 账户订单推送客户端。回调只把更新放进 Updates 通道，由主循环消费。
type Feed struct {
	cfg    Config
	auth   TokenSource
	dialer websocket.Dialer

	updates chan OrderUpdate

	state      atomic.Int32
	lastMsg    atomic.Int64
	reconnects atomic.Int64
	dropped    atomic.Int64

	mu       sync.Mutex
	failures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFeed(cfg Config, auth TokenSource) *Feed {
	cfg.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	if p := proxyFromEnv(); p != "" {
		if u, err := url.Parse(p); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		}
	}
	f := &Feed{
		cfg:     cfg,
		auth:    auth,
		dialer:  dialer,
		updates: make(chan OrderUpdate, cfg.Buffer),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	f.state.Store(int32(StateDisconnected))
	return f
}

func proxyFromEnv() string {
	return os.Getenv("HEDGE_WS_PROXY")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Feed) Updates() <-chan OrderUpdate { return f.updates }

func (f *Feed) State() State { return State(f.state.Load()) }

func (f *Feed) setState(s State) {
	if old := State(f.state.Swap(int32(s))); old != s {
		feedLog.Debugf("[WS] 状态 %s -> %s", old, s)
	}
}

func (f *Feed) LastMessageTime() time.Time {
	n := f.lastMsg.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (f *Feed) touch() { f.lastMsg.Store(f.now().UnixNano()) }

func (f *Feed) Status() Status {
	return Status{
		State:           f.State().String(),
		LastMessageTime: f.LastMessageTime(),
		Reconnects:      f.reconnects.Load(),
		Dropped:         f.dropped.Load(),
	}
}

// Run 连接并保持连接，直到 ctx 取消。返回后 Updates 通道被关闭。
func (f *Feed) Run(ctx context.Context) {
	defer close(f.updates)
	defer f.setState(StateClosed)

	for ctx.Err() == nil {
		f.setState(StateConnecting)
		connectedAt, err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if f.State() != StateStale {
			f.setState(StateDisconnected)
		}
		wait := f.nextWait(connectedAt)
		f.reconnects.Add(1)
		feedLog.Warnf("⚠️ [WS] 连接断开: %v，%v 后重连", err, wait)
		if err := f.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// nextWait 记一次失败并给出退避；上一次连接足够稳定时先清零
func (f *Feed) nextWait(connectedAt time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !connectedAt.IsZero() && f.now().Sub(connectedAt) >= f.cfg.StableAfter {
		f.failures = 0
	}
	f.failures++
	return f.cfg.Backoff.Next(f.failures)
}

type subscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// session 一次完整连接；返回连接建立的时间（未建立则为零值）
func (f *Feed) session(ctx context.Context) (time.Time, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var token string
	if f.auth != nil {
		if token, err = f.auth(ctx); err != nil {
			return time.Time{}, fmt.Errorf("auth: %w", err)
		}
	}
	sub := subscribeMsg{
		Type:    "subscribe",
		Channel: fmt.Sprintf("account_all_orders/%d", f.cfg.AccountIndex),
		Auth:    token,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return time.Time{}, fmt.Errorf("subscribe: %w", err)
	}

	connectedAt := f.now()
	f.touch()
	f.setState(StateConnected)
	feedLog.Infof("✅ [WS] 已连接并订阅: %s", sub.Channel)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go f.heartbeat(sessCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connectedAt, fmt.Errorf("read: %w", err)
		}
		f.touch()
		f.handle(conn, data)
	}
}

// heartbeat 定期检查最后消息时间，超过 StaleAfter 强制关闭连接，由 Run 负责重连
func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := f.now().Sub(f.LastMessageTime())
			if idle > f.cfg.StaleAfter {
				feedLog.Warnf("⚠️ [WS] %v 未收到消息，强制断开", idle.Round(time.Second))
				f.setState(StateStale)
				_ = conn.Close()
				return
			}
			deadline := f.now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				feedLog.Debugf("[WS] 发送 ping 失败: %v", err)
			}
		}
	}
}

type inbound struct {
	Type    string                   `json:"type"`
	Channel string                   `json:"channel"`
	Orders  map[string][]venue.Order `json:"orders"`
	Message string                   `json:"message"`
}

func (f *Feed) handle(conn *websocket.Conn, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		feedLog.Debugf("[WS] 无法解析的消息: %s", truncate(data, 200))
		return
	}
	switch msg.Type {
	case "ping":
		if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
			feedLog.Debugf("[WS] 回复 pong 失败: %v", err)
		}
	case "update/account_all_orders", "subscribed/account_all_orders":
		var orders []domain.VenueOrder
		for _, list := range msg.Orders {
			for _, o := range list {
				orders = append(orders, o.ToVenueOrder())
			}
		}
		if len(orders) == 0 {
			return
		}
		f.enqueue(OrderUpdate{Orders: orders, Received: f.now()})
	case "error":
		feedLog.Warnf("[WS] 服务端错误: %s", msg.Message)
	}
}

// enqueue 不阻塞；通道满时丢弃并计数，等待方在超时后会走查询兜底
func (f *Feed) enqueue(u OrderUpdate) {
	select {
	case f.updates <- u:
	default:
		f.dropped.Add(1)
		feedLog.Errorf("❌ [WS] 更新通道已满，丢弃 %d 条订单更新", len(u.Orders))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
