package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HSTS はStrict-Transport-Securityを付与するかどうか。HTTPS配信時のみ有効にする。
	HSTS bool
	// ContentSecurityPolicy が空の場合はdefaultContentSecurityPolicyを使う。
	ContentSecurityPolicy string
}

const defaultContentSecurityPolicy = "default-src 'self'; img-src 'self' data: https:; connect-src 'self' wss: https:; frame-ancestors 'none'"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// /api/ 配下のレスポンスは顧客データを含むためキャッシュさせない。
func NewSecurityHeadersMiddleware(cfg SecurityHeadersConfig) func(next http.Handler) http.Handler {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultContentSecurityPolicy
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", csp)
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			if strings.HasPrefix(r.URL.Path, "/api/") {
				h.Set("Cache-Control", "no-store")
			}
			next.ServeHTTP(w, r)
		})
	}
}
