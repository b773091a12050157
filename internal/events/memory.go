package events

import (
	"context"
	"sync"
)

// MemoryBus はプロセス内でイベントを配送するBus。
// Publishの呼び出し元goroutineで、購読順にハンドラーを同期的に呼び出す。
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

// NewMemoryBus はMemoryBusを生成する。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]Handler)}
}

// Publish はトピックの購読者全員にイベントを配送する。
func (b *MemoryBus) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe はトピックを購読する。
func (b *MemoryBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}, nil
}

// SubscriberCount はトピックの購読者数を返す。
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close はすべての購読を破棄する。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	return nil
}

// compile-time interface check
var _ Bus = (*MemoryBus)(nil)
