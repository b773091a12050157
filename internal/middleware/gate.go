package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/taxportal/internal/auth"
)

// LoginPath は未認証時のリダイレクト先。
const LoginPath = "/login"

// publicPaths は認証不要なページ。完全一致またはprefix + "/" で一致する。
var publicPaths = []string{
	"/",
	"/login",
	"/signup",
	"/forgot-password",
	"/verify-email",
	"/reset-password",
}

// excludedPrefixes は静的アセットや内部エンドポイントで、ゲートの評価対象外とする。
var excludedPrefixes = []string{
	"/_next/",
	"/static/",
	"/assets/",
	"/auth/",
}

// excludedPaths は評価対象外とする完全一致パス。
var excludedPaths = []string{
	"/favicon.ico",
	"/robots.txt",
	"/health",
	"/metrics",
}

// ゲートの判定結果。メトリクスのラベルとして使用する。
const (
	GateDecisionExcluded = "excluded"
	GateDecisionPublic   = "public"
	GateDecisionAllowed  = "allowed"
	GateDecisionMissing  = "missing_token"
	GateDecisionInvalid  = "invalid_token"
)

// GateRecorder はゲートの判定結果を記録する。metrics.Collectorが実装する。
type GateRecorder interface {
	RecordGateDecision(decision string)
}

// GateConfig はゲートミドルウェアの設定。
type GateConfig struct {
	Verifier auth.Verifier
	Cookies  CookieConfig
	Recorder GateRecorder // nilの場合は記録しない

	// DemoIdentity が設定されている場合、保護パスはCookieを検証せずこのIdentityで通す。
	DemoIdentity *auth.Identity
}

// IsPublicPath は認証不要なページかどうかを判定する。
// "/" は完全一致のみ。他はprefix + "/" 配下も公開とする。
func IsPublicPath(p string) bool {
	for _, pub := range publicPaths {
		if p == pub {
			return true
		}
		if pub != "/" && strings.HasPrefix(p, pub+"/") {
			return true
		}
	}
	return false
}

// IsExcludedPath はゲートの評価対象外（静的アセット・内部パス）かどうかを判定する。
// 拡張子だけでは判定しない。/api/files/x.pdf のようなパスは保護対象のまま。
func IsExcludedPath(p string) bool {
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, ex := range excludedPaths {
		if p == ex {
			return true
		}
	}
	return false
}

// LoginRedirectURL は元のパスを戻り先として保持したログインURLを返す。
func LoginRedirectURL(originalPath string) string {
	if originalPath == "" || !strings.HasPrefix(originalPath, "/") || strings.HasPrefix(originalPath, "//") {
		originalPath = "/"
	}
	// スラッシュはエスケープせず /login?redirect=/dashboard の形にする
	escaped := strings.ReplaceAll(url.QueryEscape(originalPath), "%2F", "/")
	return LoginPath + "?redirect=" + escaped
}

// NewGateMiddleware はリクエストごとに公開・保護を判定するミドルウェアを返す。
// 保護パスではidToken Cookieを検証し、認証済みIdentityをコンテキストに注入する。
// Cookieがない場合はログインへリダイレクトし、検証に失敗した場合はCookieも削除する。
func NewGateMiddleware(config GateConfig) func(next http.Handler) http.Handler {
	record := func(decision string) {
		if config.Recorder != nil {
			config.Recorder.RecordGateDecision(decision)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := r.URL.Path

			// 1. 評価対象外・公開パスはそのまま通す
			if IsExcludedPath(p) {
				record(GateDecisionExcluded)
				next.ServeHTTP(w, r)
				return
			}
			if IsPublicPath(p) {
				record(GateDecisionPublic)
				next.ServeHTTP(w, r)
				return
			}

			// 2. デモモードでは固定のIdentityで通す
			if config.DemoIdentity != nil {
				record(GateDecisionAllowed)
				identity := *config.DemoIdentity
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), &identity)))
				return
			}

			// 3. CookieからIDトークンを取得
			cookie, err := r.Cookie(IDTokenCookieName)
			if err != nil || cookie.Value == "" {
				record(GateDecisionMissing)
				http.Redirect(w, r, LoginRedirectURL(p), http.StatusFound)
				return
			}

			// 4. トークンを検証。失敗時はリダイレクトループを防ぐためCookieを削除する
			identity, err := config.Verifier.Verify(r.Context(), cookie.Value)
			if err != nil {
				record(GateDecisionInvalid)
				slog.DebugContext(r.Context(), "gate rejected credential", slog.String("path", p))
				config.Cookies.Clear(w, IDTokenCookieName)
				http.Redirect(w, r, LoginRedirectURL(p), http.StatusFound)
				return
			}

			// 5. 認証済みIdentityをコンテキストに注入
			record(GateDecisionAllowed)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}
