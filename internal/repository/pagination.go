package repository

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidToken は継続トークンが解釈できない場合に返される。
var ErrInvalidToken = errors.New("invalid continuation token")

// DefaultPageSize は件数未指定時の1ページあたりの件数。
const DefaultPageSize = 30

// MaxPageSize は1ページあたりの最大件数。
const MaxPageSize = 100

// cursor はキーセットページネーションの位置を表す。
// Keyは並び順の第1キー（日時または名前）、IDは同値の場合の第2キー。
type cursor struct {
	Key string
	ID  string
}

// encodeCursor はカーソルを不透明な継続トークンに変換する。
func encodeCursor(key, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key + "|" + id))
}

// encodeTimeCursor は日時をキーとするカーソルを継続トークンに変換する。
func encodeTimeCursor(t time.Time, id string) string {
	return encodeCursor(t.UTC().Format(time.RFC3339Nano), id)
}

// decodeCursor は継続トークンを解析する。空文字列の場合はnilを返す。
func decodeCursor(token string) (*cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	key, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidToken
	}
	return &cursor{Key: key, ID: id}, nil
}

// decodeTimeCursor は日時をキーとする継続トークンを解析する。
func decodeTimeCursor(token string) (*cursor, time.Time, error) {
	c, err := decodeCursor(token)
	if err != nil || c == nil {
		return nil, time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, c.Key)
	if err != nil {
		return nil, time.Time{}, ErrInvalidToken
	}
	return c, t, nil
}

// decodeUUIDTimeCursor はIDがUUIDのテーブル向けに継続トークンを解析する。
func decodeUUIDTimeCursor(token string) (*cursor, time.Time, error) {
	c, t, err := decodeTimeCursor(token)
	if err != nil || c == nil {
		return c, t, err
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return nil, time.Time{}, ErrInvalidToken
	}
	return c, t, nil
}

// clampLimit はページサイズを有効な範囲に丸める。
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// buildPage はlimit+1件で取得した結果からページを組み立てる。
// 余剰の1件があれば最後の要素の位置を継続トークンとする。
func buildPage[T any](rows []T, limit int, tokenOf func(T) string) (items []T, next string) {
	if len(rows) <= limit {
		return rows, ""
	}
	items = rows[:limit]
	return items, tokenOf(items[len(items)-1])
}
