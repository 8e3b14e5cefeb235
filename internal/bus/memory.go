package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/betbot/hedgebot/internal/ports"
)

var ErrClosed = errors.New("bus: closed")

// MemoryBus 进程内总线，单进程运行两腿或测试时使用。
// 投递同步发生在 Publish 的调用方 goroutine 上，handler 不能阻塞。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]ports.MessageHandler
	nextID int
	hashes map[string]map[string][]byte
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[int]ports.MessageHandler),
		hashes: make(map[string]map[string][]byte),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]ports.MessageHandler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		msg := append([]byte(nil), payload...)
		h(channel, msg)
	}
	return nil
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	id      int
	once    sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s.id)
	})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, h ports.MessageHandler) (ports.Subscription, error) {
	if h == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]ports.MessageHandler)
	}
	b.nextID++
	id := b.nextID
	b.subs[channel][id] = h
	sub := &memorySub{bus: b, channel: channel, id: id}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

func (b *MemoryBus) HSet(ctx context.Context, key, field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.hashes[key] == nil {
		b.hashes[key] = make(map[string][]byte)
	}
	b.hashes[key][field] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBus) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	v, ok := b.hashes[key][field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryBus) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(b.hashes[key]))
	for f, v := range b.hashes[key] {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]ports.MessageHandler)
	return nil
}
