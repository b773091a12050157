// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"

	"github.com/hitoshi/taxportal/internal/auth"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済みIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// identitySlotContextKey はロギングミドルウェアが下流で確定したIdentityを受け取るためのスロットのキー。
var identitySlotContextKey = contextKey("identity_slot")

type identitySlot struct {
	identity *auth.Identity
}

// IdentityFromContext はリクエストコンテキストから認証済みIdentityを取得する。
// ゲートミドルウェアを通過した保護パスのリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*auth.Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// 上流にロギングミドルウェアがあれば、そのスロットにも記録する。
func ContextWithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	if slot, ok := ctx.Value(identitySlotContextKey).(*identitySlot); ok {
		slot.identity = identity
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.SubjectID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.SubjectID, nil
}
