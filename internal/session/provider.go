// Package session は認証済みIdentityをページとワークスペースに供給するセッションプロバイダーを提供する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/middleware"
)

// Status はセッション解決の状態。
type Status int

const (
	StatusLoading Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

// String はStatusの文字列表現を返す。
func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State は解決済みセッションのスナップショット。
// Errはリフレッシュ失敗など、未認証になった理由を保持する（表示用）。
type State struct {
	Status   Status
	Identity *auth.Identity
	Err      error
}

// Authenticated は認証済みかどうかを返す。
func (s State) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// ErrRefreshFailed はリフレッシュトークンによる再認証に失敗したことを示す。
var ErrRefreshFailed = errors.New("session refresh failed")

// Refresher はリフレッシュトークンから新しいトークンと検証済みIdentityを取得する。auth.Serviceが実装する。
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*auth.Tokens, *auth.Identity, error)
}

// Options はProviderの設定。
type Options struct {
	Verifier  auth.Verifier
	Refresher Refresher // nilの場合はサイレントリフレッシュを行わない
	Cookies   middleware.CookieConfig

	// DemoIdentity が設定されている場合、Cookieに関係なくこのIdentityで認証済みとする。
	// 設定から明示的に渡し、環境変数を直接参照しない。
	DemoIdentity *auth.Identity

	// DashboardPath は認証済みユーザーを公開専用ページから戻す先。既定は "/dashboard"。
	DashboardPath string
	// LogoutURL はサインアウト後のリダイレクト先を返す。nilの場合はログインページ。
	LogoutURL func(returnTo string) string
}

// Provider はリクエストからセッションを解決する。プロセスで1つ生成し、全リクエストで共有する。
type Provider struct {
	opts Options
}

// NewProvider はProviderを生成する。
func NewProvider(opts Options) *Provider {
	if opts.DashboardPath == "" {
		opts.DashboardPath = "/dashboard"
	}
	return &Provider{opts: opts}
}

// Demo はデモモードで動作しているかどうかを返す。
func (p *Provider) Demo() bool {
	return p.opts.DemoIdentity != nil
}

// Resolve はリクエストのセッションを解決する。
// idTokenが無効でrefreshTokenがある場合はサイレントリフレッシュし、置き換えたCookieをwに書き込む。
// リフレッシュに失敗した場合は両方のCookieを削除して未認証とする。
func (p *Provider) Resolve(w http.ResponseWriter, r *http.Request) State {
	ctx := r.Context()

	// 1. デモモード
	if p.opts.DemoIdentity != nil {
		identity := *p.opts.DemoIdentity
		return State{Status: StatusAuthenticated, Identity: &identity}
	}

	// 2. ゲートで検証済みのIdentity
	if identity, ok := middleware.IdentityFromContext(ctx); ok {
		return State{Status: StatusAuthenticated, Identity: identity}
	}

	// 3. idToken Cookie
	if c, err := r.Cookie(middleware.IDTokenCookieName); err == nil && c.Value != "" {
		if identity, err := p.opts.Verifier.Verify(ctx, c.Value); err == nil {
			return State{Status: StatusAuthenticated, Identity: identity}
		}
	}

	// 4. refreshTokenによるサイレントリフレッシュ
	rc, err := r.Cookie(middleware.RefreshTokenCookieName)
	if err != nil || rc.Value == "" || p.opts.Refresher == nil {
		return State{Status: StatusUnauthenticated}
	}

	tokens, identity, err := p.opts.Refresher.Refresh(ctx, rc.Value)
	if err != nil {
		slog.WarnContext(ctx, "silent session refresh failed", slog.String("error", err.Error()))
		p.opts.Cookies.ClearSession(w)
		return State{Status: StatusUnauthenticated, Err: ErrRefreshFailed}
	}

	p.opts.Cookies.SetIDToken(w, tokens.IDToken, time.Duration(tokens.ExpiresIn)*time.Second)
	if tokens.RefreshToken != "" && tokens.RefreshToken != rc.Value {
		p.opts.Cookies.SetRefreshToken(w, tokens.RefreshToken)
	}
	slog.DebugContext(ctx, "session refreshed", slog.String("user_id", identity.SubjectID))
	return State{Status: StatusAuthenticated, Identity: identity}
}

// SignOut はセッションCookieを削除し、ログインページ（またはIdPのログアウト）へリダイレクトする。
// メモリ上のIdentityはリクエストごとに解決されるため、Cookie削除で破棄される。
func (p *Provider) SignOut(w http.ResponseWriter, r *http.Request) {
	p.opts.Cookies.ClearSession(w)

	target := middleware.LoginPath
	if p.opts.LogoutURL != nil {
		target = p.opts.LogoutURL(middleware.LoginPath)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type stateContextKey struct{}

// StateFromContext はMiddlewareが格納したセッション状態を返す。未解決の場合はStatusLoading。
func StateFromContext(ctx context.Context) State {
	if s, ok := ctx.Value(stateContextKey{}).(State); ok {
		return s
	}
	return State{Status: StatusLoading}
}

// Middleware はセッションを解決してコンテキストに格納するミドルウェアを返す。
// 認証済みの場合はmiddleware.IdentityFromContextからも参照できる。
func (p *Provider) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := p.Resolve(w, r)
			ctx := context.WithValue(r.Context(), stateContextKey{}, state)
			if state.Authenticated() {
				ctx = middleware.ContextWithIdentity(ctx, state.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewPublicOnlyGuard はログイン・サインアップなど公開専用ページのガードを返す。
// セッション解決後に認証済みであればダッシュボードへリダイレクトし、未認証であればそのまま描画する。
func NewPublicOnlyGuard(p *Provider) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := StateFromContext(r.Context())
			if state.Status == StatusLoading {
				state = p.Resolve(w, r)
			}
			if state.Authenticated() {
				http.Redirect(w, r, p.redirectTarget(r), http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// redirectTarget はログインページのredirectクエリがローカルパスであればそれを優先する。
func (p *Provider) redirectTarget(r *http.Request) string {
	return SafeRedirect(r.URL.Query().Get("redirect"), p.opts.DashboardPath)
}

// SafeRedirect はtargetがサイト内の非公開ページのパスであればそれを返し、そうでなければfallbackを返す。
// 他サイトへのリダイレクト（//host、/\host）や公開ページへの戻りは認めない。
func SafeRedirect(target, fallback string) string {
	if target == "" || target[0] != '/' || (len(target) > 1 && (target[1] == '/' || target[1] == '\\')) {
		return fallback
	}
	if middleware.IsPublicPath(target) {
		return fallback
	}
	return target
}
