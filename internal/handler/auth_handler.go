// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/session"
	"github.com/hitoshi/taxportal/internal/wire"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*auth.Tokens, *auth.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.Tokens, *auth.Identity, error)
}

// SessionResolver はセッションの解決とサインアウトを行う。session.Providerが実装する。
type SessionResolver interface {
	Resolve(w http.ResponseWriter, r *http.Request) session.State
	SignOut(w http.ResponseWriter, r *http.Request)
	Demo() bool
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookies       middleware.CookieConfig
	DashboardPath string // ログイン完了後のリダイレクト先
}

// AuthHandler はOAuth認証とセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionResolver
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionResolver, config AuthHandlerConfig) *AuthHandler {
	if config.DashboardPath == "" {
		config.DashboardPath = "/dashboard"
	}
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
	}
}

// sessionResponse はセッション状態のレスポンス。
type sessionResponse struct {
	Status   string         `json:"status"`
	Identity *wire.Identity `json:"identity,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Login はHosted UIによるOAuthフローを開始する。
// redirectクエリがあれば、ログイン完了後の戻り先としてstateと一緒にCookieへ保存する。
// デモモードではIdPがないため、戻り先へ直接リダイレクトする。
// GET /auth/login?redirect=/path
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Demo() {
		http.Redirect(w, r, session.SafeRedirect(r.URL.Query().Get("redirect"), h.config.DashboardPath), http.StatusFound)
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateと戻り先をCookieに保存（CSRF対策）
	value := state
	if target := session.SafeRedirect(r.URL.Query().Get("redirect"), ""); target != "" {
		value += ":" + url.QueryEscape(target)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/auth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、トークンをCookieに保存する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	var saved, target string
	if err == nil {
		saved, target = splitStateCookie(stateCookie.Value)
	}
	if err != nil || state == "" || saved != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("stateが一致しません"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("認可コードがありません"))
		return
	}

	// 3. 認証処理
	tokens, identity, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// 4. トークンCookieを設定（HTTP Only）
	h.config.Cookies.SetIDToken(w, tokens.IDToken, time.Duration(tokens.ExpiresIn)*time.Second)
	if tokens.RefreshToken != "" {
		h.config.Cookies.SetRefreshToken(w, tokens.RefreshToken)
	}

	slog.Info("session established", slog.String("user_id", identity.SubjectID))

	// 5. 元のページ（なければダッシュボード）にリダイレクト
	http.Redirect(w, r, session.SafeRedirect(target, h.config.DashboardPath), http.StatusFound)
}

// splitStateCookie はstate Cookieの値をstateと戻り先に分ける。
// 戻り先はCookieから読んだ値のため、使う側で再検証する。
func splitStateCookie(value string) (state, target string) {
	state, escaped, found := strings.Cut(value, ":")
	if !found {
		return value, ""
	}
	target, err := url.QueryUnescape(escaped)
	if err != nil {
		return state, ""
	}
	return state, target
}

// Refresh はリフレッシュトークンでIDトークンを再発行する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.RefreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	tokens, identity, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("error", err.Error()))
		h.config.Cookies.ClearSession(w)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	h.config.Cookies.SetIDToken(w, tokens.IDToken, time.Duration(tokens.ExpiresIn)*time.Second)
	if tokens.RefreshToken != "" && tokens.RefreshToken != cookie.Value {
		h.config.Cookies.SetRefreshToken(w, tokens.RefreshToken)
	}

	id := wire.FromIdentity(identity)
	writeJSON(w, http.StatusOK, sessionResponse{Status: session.StatusAuthenticated.String(), Identity: &id})
}

// Logout はセッションCookieを削除してログインページへリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut(w, r)
}

// Session は現在のセッション状態を返す。未認証でも200を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	state := h.resolve(w, r)

	resp := sessionResponse{Status: state.Status.String()}
	if state.Authenticated() {
		id := wire.FromIdentity(state.Identity)
		resp.Identity = &id
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Me は現在のログインユーザーのIdentityを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	state := h.resolve(w, r)
	if !state.Authenticated() {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, wire.FromIdentity(state.Identity))
}

// resolve はミドルウェアが解決済みのセッションを使い、未解決の場合のみ解決する。
func (h *AuthHandler) resolve(w http.ResponseWriter, r *http.Request) session.State {
	state := session.StateFromContext(r.Context())
	if state.Status == session.StatusLoading {
		state = h.sessions.Resolve(w, r)
	}
	return state
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
