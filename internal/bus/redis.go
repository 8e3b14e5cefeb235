package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/ports"
)

var redisLog = logrus.WithField("component", "redis_bus")

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisBus 基于 Redis pub/sub 和 hash 的总线
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs []*redisSub
}

func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis 失败 %s: %w", cfg.Addr, err)
	}
	redisLog.Infof("✅ [总线] redis 已连接: %s db=%d", cfg.Addr, cfg.DB)
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Subscribe 订阅频道；消息在独立 goroutine 中逐条交给 handler
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h ports.MessageHandler) (ports.Subscription, error) {
	if h == nil {
		return nil, errors.New("bus: nil handler")
	}
	ps := b.client.Subscribe(ctx, channel)
	// 等待订阅确认，避免订阅建立前发布的消息丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("订阅频道失败 %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{ps: ps, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							redisLog.Errorf("[总线] handler panic: channel=%s err=%v", msg.Channel, r)
						}
					}()
					h(msg.Channel, []byte(msg.Payload))
				}()
			}
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	redisLog.Infof("[总线] 已订阅频道: %s", channel)
	return sub, nil
}

func (b *RedisBus) HSet(ctx context.Context, key, field string, value []byte) error {
	return b.client.HSet(ctx, key, field, value).Err()
}

func (b *RedisBus) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := b.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *RedisBus) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return b.client.Close()
}
