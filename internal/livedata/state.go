// Package livedata はワークスペースが保持するエンティティ一覧と単一値のローカル状態を提供する。
//
// 状態は更新ごとに新しいスナップショット値を生成してatomicに差し替える。
// 読み取り側はロックを取らず、スナップショットを変更してはならない。
// 楽観的更新が失敗した場合は部分的に巻き戻さず、一覧全体を再取得する。
package livedata

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoMorePages は続きのページがないのに追加取得を要求した場合に返される。
	ErrNoMorePages = errors.New("no more pages")
	// ErrClosed はClose済みのフックを操作した場合に返される。
	ErrClosed = errors.New("hook closed")
	// ErrNoConversation は会話を開かずにメッセージを送信しようとした場合に返される。
	ErrNoConversation = errors.New("no conversation open")
)

// HookError はフックの操作失敗を表す。状態のErrに格納され、呼び出し元にも返される。
type HookError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *HookError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *HookError) Unwrap() error {
	return e.Err
}

// store はスナップショットSを保持する。
// 書き込みはmuで直列化し、読み取りはatomic.Pointerから行う。
type store[S any] struct {
	mu       sync.Mutex
	ptr      atomic.Pointer[S]
	closed   atomic.Bool
	onChange func()
}

func newStore[S any](initial S, onChange func()) *store[S] {
	s := &store[S]{onChange: onChange}
	s.ptr.Store(&initial)
	return s
}

func (s *store[S]) load() S {
	return *s.ptr.Load()
}

// swap はfnで次のスナップショットを生成して差し替える。Close済みの場合は何もせずfalseを返す。
// fnが false を返した場合も差し替えない。onChangeはロックの外で呼ぶ。
func (s *store[S]) swap(fn func(cur S) (S, bool)) bool {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return false
	}
	next, ok := fn(*s.ptr.Load())
	if ok {
		s.ptr.Store(&next)
	}
	s.mu.Unlock()

	if ok && s.onChange != nil {
		s.onChange()
	}
	return ok
}

// close 以降のswapはすべて無視される。
func (s *store[S]) close() {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()
}

func (s *store[S]) isClosed() bool {
	return s.closed.Load()
}
