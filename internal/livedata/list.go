package livedata

import (
	"context"
	"log/slog"
	"slices"

	"github.com/hitoshi/taxportal/internal/model"
)

// ListState は一覧フックのスナップショット。
type ListState[T any] struct {
	Items     []T
	NextToken string
	Loading   bool
	Err       *HookError

	inflight int
	epoch    uint64
}

// HasMore は続きのページがあるかどうかを返す。
func (s ListState[T]) HasMore() bool {
	return s.NextToken != ""
}

// PageFunc は継続トークンを受け取って1ページ分を取得する。空のトークンは先頭ページ。
type PageFunc[T any] func(ctx context.Context, token string) (model.Page[T], error)

// ListConfig はListの設定。
type ListConfig[K comparable, T any] struct {
	Name     string     // HookError.Opの接頭辞
	Key      func(T) K  // エンティティの同一性を表すキー
	Fetch    PageFunc[T]
	OnChange func() // スナップショットが差し替わるたびに呼ばれる
	Logger   *slog.Logger
}

// List はキー付きエンティティ一覧のローカル状態。
// 同じキーへの重なった更新は、最後に完了したレスポンスが優先される。
type List[K comparable, T any] struct {
	cfg   ListConfig[K, T]
	store *store[ListState[T]]
}

// NewList はListを生成する。
func NewList[K comparable, T any](cfg ListConfig[K, T]) *List[K, T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &List[K, T]{cfg: cfg, store: newStore(ListState[T]{}, cfg.OnChange)}
}

// Snapshot は現在のスナップショットを返す。Itemsを変更してはならない。
func (l *List[K, T]) Snapshot() ListState[T] {
	return l.store.load()
}

// Close 以降に完了した取得・更新の結果は捨てる。
func (l *List[K, T]) Close() {
	l.store.close()
}

// Reset はローカル状態を空にし、実行中の取得結果を無効化する。
// 一覧の対象（会話やフォルダ）を切り替えるときに使う。
func (l *List[K, T]) Reset() {
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		return ListState[T]{epoch: cur.epoch + 1}, true
	})
}

// setErr はエラーだけを状態に記録する。
func (l *List[K, T]) setErr(herr *HookError) {
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		cur.Err = herr
		return cur, true
	})
}

// Fetch は一覧を取得する。トークンが空の場合はローカル状態を置き換え、
// トークンがある場合は既存の一覧に追加する。続きがない状態での追加取得はErrNoMorePagesを返す。
func (l *List[K, T]) Fetch(ctx context.Context, token string) error {
	if l.store.isClosed() {
		return ErrClosed
	}
	if token != "" && !l.Snapshot().HasMore() {
		return ErrNoMorePages
	}

	var epoch uint64
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		epoch = cur.epoch
		cur.inflight++
		cur.Loading = true
		return cur, true
	})

	page, err := l.cfg.Fetch(ctx, token)
	if l.store.isClosed() {
		return ErrClosed
	}

	var herr *HookError
	if err != nil {
		herr = &HookError{Op: l.cfg.Name + ".fetch", Err: err}
	}
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		if cur.epoch != epoch {
			return cur, false
		}
		cur.inflight--
		cur.Loading = cur.inflight > 0
		if herr != nil {
			cur.Err = herr
			return cur, true
		}
		if token == "" {
			cur.Items = slices.Clone(page.Items)
		} else {
			cur.Items = l.appendUnique(cur.Items, page.Items)
		}
		cur.NextToken = page.NextToken
		cur.Err = nil
		return cur, true
	})

	if herr != nil {
		return herr
	}
	return nil
}

// LoadMore は現在の継続トークンで次のページを取得する。
func (l *List[K, T]) LoadMore(ctx context.Context) error {
	token := l.Snapshot().NextToken
	if token == "" {
		if l.store.isClosed() {
			return ErrClosed
		}
		return ErrNoMorePages
	}
	return l.Fetch(ctx, token)
}

// Update はキーに一致する要素にpatchを適用してからremoteを呼ぶ（楽観的更新）。
// remoteが失敗した場合は一覧全体を再取得し、エラーを状態に記録して返す。
// remoteが返したエンティティがあればキーで照合してサーバーの値に置き換える。
func (l *List[K, T]) Update(ctx context.Context, key K, patch func(T) T, remote func(context.Context) (*T, error)) error {
	if l.store.isClosed() {
		return ErrClosed
	}

	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		i := l.indexOf(cur.Items, key)
		if i < 0 {
			return cur, false
		}
		items := slices.Clone(cur.Items)
		items[i] = patch(items[i])
		cur.Items = items
		return cur, true
	})

	server, err := remote(ctx)
	if err != nil {
		return l.revert(ctx, "update", err)
	}
	if server != nil {
		l.reconcile(key, *server)
	}
	return nil
}

// Insert は仮の要素を先頭に追加してからremoteを呼ぶ。
// 成功時は仮の要素をサーバーの値に置き換え、失敗時は一覧全体を再取得する。
func (l *List[K, T]) Insert(ctx context.Context, pending T, remote func(context.Context) (T, error)) (T, error) {
	var zero T
	if l.store.isClosed() {
		return zero, ErrClosed
	}

	pendingKey := l.cfg.Key(pending)
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		cur.Items = l.upsert(cur.Items, pending, true)
		return cur, true
	})

	created, err := remote(ctx)
	if err != nil {
		return zero, l.revert(ctx, "insert", err)
	}
	l.reconcile(pendingKey, created)
	return created, nil
}

// Remove はキーに一致する要素を取り除いてからremoteを呼ぶ。失敗時は一覧全体を再取得する。
func (l *List[K, T]) Remove(ctx context.Context, key K, remote func(context.Context) error) error {
	if l.store.isClosed() {
		return ErrClosed
	}

	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		i := l.indexOf(cur.Items, key)
		if i < 0 {
			return cur, false
		}
		cur.Items = slices.Delete(slices.Clone(cur.Items), i, i+1)
		return cur, true
	})

	if err := remote(ctx); err != nil {
		return l.revert(ctx, "remove", err)
	}
	return nil
}

// Upsert はサーバーから通知された要素をローカル状態に反映する。
// toFrontがtrueの場合は先頭に移動し、falseの場合は既存の位置で置き換える（新規は先頭）。
func (l *List[K, T]) Upsert(item T, toFront bool) {
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		cur.Items = l.upsert(cur.Items, item, toFront)
		return cur, true
	})
}

// PatchAll はremoteを伴わずにすべての要素を更新する。
func (l *List[K, T]) PatchAll(patch func(T) T) {
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		items := make([]T, len(cur.Items))
		for i, item := range cur.Items {
			items[i] = patch(item)
		}
		cur.Items = items
		return cur, true
	})
}

// revert はサーバーの一覧を取得し直してローカル状態を置き換え、変更失敗のエラーを記録する。
func (l *List[K, T]) revert(ctx context.Context, op string, cause error) error {
	herr := &HookError{Op: l.cfg.Name + "." + op, Err: cause}
	if l.store.isClosed() {
		return herr
	}

	page, err := l.cfg.Fetch(ctx, "")
	if err != nil {
		l.cfg.Logger.WarnContext(ctx, "refetch after failed mutation failed",
			slog.String("hook", l.cfg.Name),
			slog.String("error", err.Error()),
		)
	}
	l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		if err == nil {
			cur.Items = slices.Clone(page.Items)
			cur.NextToken = page.NextToken
		}
		cur.Err = herr
		return cur, true
	})
	return herr
}

// reconcile はキーの要素をサーバーの値で置き換える。
// サーバー側の変更は成功しているため、ローカルに反映できなくても失敗扱いにせずログに残す。
func (l *List[K, T]) reconcile(key K, server T) {
	serverKey := l.cfg.Key(server)
	applied := l.store.swap(func(cur ListState[T]) (ListState[T], bool) {
		i := l.indexOf(cur.Items, key)
		if i < 0 {
			return cur, false
		}
		items := slices.Clone(cur.Items)
		// イベント経由で同じ要素が先に届いている場合は重複させない
		if serverKey != key {
			if j := l.indexOf(items, serverKey); j >= 0 {
				items[j] = server
				cur.Items = slices.Delete(items, i, i+1)
				return cur, true
			}
		}
		items[i] = server
		cur.Items = items
		return cur, true
	})
	if !applied && !l.store.isClosed() {
		l.cfg.Logger.Warn("local state not updated after successful mutation",
			slog.String("hook", l.cfg.Name),
			slog.Any("key", key),
		)
	}
}

func (l *List[K, T]) indexOf(items []T, key K) int {
	return slices.IndexFunc(items, func(item T) bool { return l.cfg.Key(item) == key })
}

// upsert は新しいスライスを返す。引数のスライスは変更しない。
func (l *List[K, T]) upsert(items []T, item T, toFront bool) []T {
	i := l.indexOf(items, l.cfg.Key(item))
	if i >= 0 && !toFront {
		next := slices.Clone(items)
		next[i] = item
		return next
	}
	next := make([]T, 0, len(items)+1)
	next = append(next, item)
	for j, it := range items {
		if j != i {
			next = append(next, it)
		}
	}
	return next
}

func (l *List[K, T]) appendUnique(items, page []T) []T {
	next := slices.Clone(items)
	for _, item := range page {
		if i := l.indexOf(next, l.cfg.Key(item)); i >= 0 {
			next[i] = item
			continue
		}
		next = append(next, item)
	}
	return next
}
