package middleware

import (
	"net/http"
	"time"
)

const (
	// IDTokenCookieName はIDトークンを保持するCookieの名前。
	IDTokenCookieName = "idToken"
	// RefreshTokenCookieName はリフレッシュトークンを保持するCookieの名前。
	RefreshTokenCookieName = "refreshToken"

	// refreshTokenMaxAge はリフレッシュトークンCookieの有効期間。IdPの既定値に合わせる。
	refreshTokenMaxAge = 30 * 24 * time.Hour
)

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// SetIDToken はIDトークンCookieを設定する。maxAgeはトークンの残り有効期間。
func (c CookieConfig) SetIDToken(w http.ResponseWriter, token string, maxAge time.Duration) {
	c.set(w, IDTokenCookieName, token, maxAge)
}

// SetRefreshToken はリフレッシュトークンCookieを設定する。
func (c CookieConfig) SetRefreshToken(w http.ResponseWriter, token string) {
	c.set(w, RefreshTokenCookieName, token, refreshTokenMaxAge)
}

// Clear はPath=/、Max-Age=0のCookieを返して指定Cookieを削除する。
func (c CookieConfig) Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		Domain: c.Domain,
		MaxAge: -1,
	})
}

// ClearSession はIDトークンとリフレッシュトークンの両方のCookieを削除する。
func (c CookieConfig) ClearSession(w http.ResponseWriter) {
	c.Clear(w, IDTokenCookieName)
	c.Clear(w, RefreshTokenCookieName)
}

func (c CookieConfig) set(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
