package ports

import "context"

// MessageHandler 接收原始负载。不得阻塞，耗时处理请转交给 channel。
type MessageHandler func(channel string, payload []byte)

type Subscription interface {
	Close() error
}

// Bus 发布订阅通道加上 hash 结构的共享存储
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h MessageHandler) (Subscription, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	// 字段不存在时 HGet 返回 (nil, false, nil)
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	Close() error
}
