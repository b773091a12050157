package model

// Page は継続トークン付きの一覧取得結果。
// NextTokenが空の場合は続きのページが存在しない。
type Page[T any] struct {
	Items     []T
	NextToken string
}

// HasMore は続きのページが存在するかどうかを返す。
func (p Page[T]) HasMore() bool {
	return p.NextToken != ""
}
