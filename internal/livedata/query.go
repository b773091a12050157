package livedata

import (
	"context"
	"log/slog"
)

// QueryState は単一値フックのスナップショット。
type QueryState[T any] struct {
	Data    T
	Loaded  bool
	Loading bool
	Err     *HookError
}

// Query はプロフィールなど単一値のローカル状態。
type Query[T any] struct {
	name   string
	fetch  func(context.Context) (T, error)
	store  *store[QueryState[T]]
	logger *slog.Logger
}

// NewQuery はQueryを生成する。
func NewQuery[T any](name string, fetch func(context.Context) (T, error), onChange func()) *Query[T] {
	return &Query[T]{
		name:   name,
		fetch:  fetch,
		store:  newStore(QueryState[T]{}, onChange),
		logger: slog.Default(),
	}
}

// Snapshot は現在のスナップショットを返す。
func (q *Query[T]) Snapshot() QueryState[T] {
	return q.store.load()
}

// Close 以降に完了した取得・更新の結果は捨てる。
func (q *Query[T]) Close() {
	q.store.close()
}

// Load は値を取得してローカル状態を置き換える。
func (q *Query[T]) Load(ctx context.Context) error {
	if q.store.isClosed() {
		return ErrClosed
	}
	q.store.swap(func(cur QueryState[T]) (QueryState[T], bool) {
		cur.Loading = true
		return cur, true
	})

	data, err := q.fetch(ctx)
	if q.store.isClosed() {
		return ErrClosed
	}

	var herr *HookError
	if err != nil {
		herr = &HookError{Op: q.name + ".fetch", Err: err}
	}
	q.store.swap(func(cur QueryState[T]) (QueryState[T], bool) {
		cur.Loading = false
		cur.Err = herr
		if herr == nil {
			cur.Data = data
			cur.Loaded = true
		}
		return cur, true
	})
	if herr != nil {
		return herr
	}
	return nil
}

// Update はpatchをローカルに適用してからremoteを呼ぶ（楽観的更新）。
// 失敗時は値を取得し直し、エラーを状態に記録して返す。
func (q *Query[T]) Update(ctx context.Context, patch func(T) T, remote func(context.Context) (*T, error)) error {
	if q.store.isClosed() {
		return ErrClosed
	}
	q.store.swap(func(cur QueryState[T]) (QueryState[T], bool) {
		if !cur.Loaded {
			return cur, false
		}
		cur.Data = patch(cur.Data)
		return cur, true
	})

	server, err := remote(ctx)
	if err != nil {
		herr := &HookError{Op: q.name + ".update", Err: err}
		data, ferr := q.fetch(ctx)
		if ferr != nil {
			q.logger.WarnContext(ctx, "refetch after failed mutation failed",
				slog.String("hook", q.name),
				slog.String("error", ferr.Error()),
			)
		}
		q.store.swap(func(cur QueryState[T]) (QueryState[T], bool) {
			if ferr == nil {
				cur.Data = data
				cur.Loaded = true
			}
			cur.Err = herr
			return cur, true
		})
		return herr
	}

	if server != nil {
		q.store.swap(func(cur QueryState[T]) (QueryState[T], bool) {
			cur.Data = *server
			cur.Loaded = true
			cur.Err = nil
			return cur, true
		})
	}
	return nil
}
