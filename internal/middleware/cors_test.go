package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	mw := NewCORSMiddleware("https://portal.example.com", "http://localhost:3000/")

	tests := []struct {
		name        string
		method      string
		origin      string
		wantStatus  int
		wantAllow   string
		wantHandler bool
	}{
		{"許可オリジンのGET", http.MethodGet, "https://portal.example.com", http.StatusOK, "https://portal.example.com", true},
		{"末尾スラッシュ付きで登録したオリジン", http.MethodPost, "http://localhost:3000", http.StatusOK, "http://localhost:3000", true},
		{"許可オリジンのプリフライト", http.MethodOptions, "https://portal.example.com", http.StatusNoContent, "https://portal.example.com", false},
		{"未許可オリジンのGET", http.MethodGet, "https://evil.example.com", http.StatusOK, "", true},
		{"未許可オリジンのプリフライト", http.MethodOptions, "https://evil.example.com", http.StatusNoContent, "", false},
		{"Originなし", http.MethodGet, "", http.StatusOK, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/notifications", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != tt.wantHandler {
				t.Errorf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if got := w.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}

func TestCORSMiddleware_AllowsCSRFHeader(t *testing.T) {
	handler := NewCORSMiddleware("https://portal.example.com")(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-CSRF-Token" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}
}
