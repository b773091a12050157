package livedata

import (
	"sync"
	"sync/atomic"
)

// SubscribeFunc はキーに対応するイベントストリームを購読する。
// deliverはイベントごとに呼ばれ、返された関数で購読を解除する。
type SubscribeFunc[E any] func(key string, deliver func(E)) (unsubscribe func(), err error)

// Subscription はキーに紐づいた購読ハンドル。
// Closeが返った後はハンドラーが呼ばれることはない。
type Subscription struct {
	key string

	mu          sync.RWMutex
	active      bool
	unsubscribe func()
}

// Key は購読中のキーを返す。
func (s *Subscription) Key() string {
	return s.key
}

// Close は購読を解除する。実行中の配送が終わるまで待つ。複数回呼んでもよい。
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Subscription) deliver(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active {
		fn()
	}
}

// Subscriber はキーごとに高々1つの購読を保持する。
// キーを変更すると古い購読を同期的に解除してから新しい購読を開始する。
// ハンドラーの中からWatchやCloseを呼んではならない。
type Subscriber[E any] struct {
	name      string
	subscribe SubscribeFunc[E]
	handler   func(E)

	mu      sync.Mutex
	current *Subscription
	closed  bool
	err     atomic.Pointer[HookError]
}

// NewSubscriber はSubscriberを生成する。
func NewSubscriber[E any](name string, subscribe SubscribeFunc[E], handler func(E)) *Subscriber[E] {
	return &Subscriber[E]{name: name, subscribe: subscribe, handler: handler}
}

// Watch はkeyのイベントを購読する。同じキーであれば何もしない。空のキーは購読の解除のみ行う。
// 購読に失敗した場合はエラーを購読専用のエラースロットに記録して返す。
func (s *Subscriber[E]) Watch(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.current != nil && s.current.key == key {
		return nil
	}

	// 1. 古い購読を解除
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	if key == "" {
		s.err.Store(nil)
		return nil
	}

	// 2. 新しい購読を開始
	sub := &Subscription{key: key, active: true}
	unsubscribe, err := s.subscribe(key, func(e E) {
		sub.deliver(func() { s.handler(e) })
	})
	if err != nil {
		herr := &HookError{Op: s.name + ".subscribe", Err: err}
		s.err.Store(herr)
		return herr
	}

	sub.mu.Lock()
	sub.unsubscribe = unsubscribe
	sub.mu.Unlock()

	s.current = sub
	s.err.Store(nil)
	return nil
}

// Key は購読中のキーを返す。購読していない場合は空文字列。
func (s *Subscriber[E]) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.key
}

// Err は直近の購読失敗を返す。
func (s *Subscriber[E]) Err() *HookError {
	return s.err.Load()
}

// Close は購読を解除し、以降のWatchを拒否する。
func (s *Subscriber[E]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}
