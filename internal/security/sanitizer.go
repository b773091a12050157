// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はメッセージ本文のHTMLをサニタイズし、
// 会話の相手に対するXSSを防ぐ。bluemondayの許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はユーザー入力のHTMLをサニタイズする。
type Sanitizer interface {
	// Sanitize は許可タグのみを残した安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string

	// PlainText はすべてのタグを取り除いたテキストを返す。
	// 会話一覧のプレビューや通知の説明文に使う。
	PlainText(rawHTML string) string
}

// MessageSanitizer はSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので複数のリクエストで共有してよい。
type MessageSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// compile-time interface check
var _ Sanitizer = (*MessageSanitizer)(nil)

// NewMessageSanitizer はメッセージ本文用のポリシーでMessageSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, ul, ol, li, blockquote, pre, code, strong, em, a
//   - aのhref: https と mailto のみ。相対URLは不許可
//   - 外部リンクには target="_blank" と rel="noopener noreferrer" を付与
//   - img は許可しない（ファイルは添付として送る）
func NewMessageSanitizer() *MessageSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &MessageSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *MessageSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// PlainText はタグを取り除き、連続する空白を1つにまとめたテキストを返す。
func (s *MessageSanitizer) PlainText(rawHTML string) string {
	return strings.Join(strings.Fields(s.strict.Sanitize(rawHTML)), " ")
}
